package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"Forged-Core/internal/transport"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/logger"
)

const transportResource = "transport"

// builtinCatalog 注册随宿主编译的原生扩展。
func builtinCatalog() *extension.Catalog {
	c := extension.NewCatalog()
	c.MustRegister("forged.audit", newAuditExtension)
	c.MustRegister("forged.relay", newRelayExtension)
	return c
}

// auditExtension 把收到的每个事件写入审计日志。
type auditExtension struct {
	log *slog.Logger
}

func newAuditExtension(*descriptor.Descriptor) (extension.Extension, error) {
	return &auditExtension{}, nil
}

func (a *auditExtension) Initialize(hc *extension.HostContext) error {
	a.log = logger.Audit().With("extension", hc.Descriptor.Name())
	return nil
}

func (a *auditExtension) OnEvent(_ context.Context, event string, payload any) error {
	a.log.Info("event received", "event", event, "payload", payload)
	return nil
}

// relayExtension 将事件以 JSON 形式转发到配置中的 url。
type relayExtension struct {
	name   string
	url    string
	client *transport.Client
}

func newRelayExtension(d *descriptor.Descriptor) (extension.Extension, error) {
	return &relayExtension{name: d.Name()}, nil
}

func (r *relayExtension) Initialize(hc *extension.HostContext) error {
	url, _ := hc.Config["url"].(string)
	if url == "" {
		return fmt.Errorf("%s: config.url 不能为空", r.name)
	}
	client, ok := hc.Resources[transportResource].(*transport.Client)
	if !ok {
		return fmt.Errorf("%s: 宿主未提供 HTTP 客户端", r.name)
	}
	r.url, r.client = url, client
	return nil
}

func (r *relayExtension) OnEvent(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(map[string]any{"source": r.name, "event": event, "payload": payload})
	if err != nil {
		return err
	}
	_, err = r.client.PostJSON(ctx, r.url, body)
	return err
}

func (r *relayExtension) Health(context.Context) error {
	for host, state := range r.client.BreakerStates() {
		if state == "open" {
			return fmt.Errorf("%s: 目标 %s 已熔断", r.name, host)
		}
	}
	return nil
}
