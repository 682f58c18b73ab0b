// Package alerting 在扩展加载失败或描述符被拒绝时向外部渠道发送告警。
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/internal/transport"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/registry"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAudit   Channel = "audit"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Extension  string            `json:"extension"`
	Version    string            `json:"version,omitempty"`
	Stage      string            `json:"stage"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Text 返回适合聊天工具展示的单行文本。
func (e Event) Text() string {
	return fmt.Sprintf("[%s] %s %s@%s (%s): %s", e.Severity, e.Code, e.Extension, e.Version, e.Stage, e.Message)
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channel 使 FanoutDispatcher 本身也满足 Notifier。
func (d *FanoutDispatcher) Channel() Channel { return "fanout" }

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// AuditNotifier 把告警写入审计日志。
type AuditNotifier struct{}

// Channel 返回审计渠道。
func (AuditNotifier) Channel() Channel { return ChannelAudit }

// Notify 写入一条审计记录。
func (AuditNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	logger.Audit().Log(ctx, level, "extension alert",
		slog.String("code", string(event.Code)),
		slog.String("extension", event.Extension),
		slog.String("version", event.Version),
		slog.String("stage", event.Stage),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 以 JSON 形式推送告警，text 字段兼容常见的聊天机器人。
type WebhookNotifier struct {
	URL    string
	Client *transport.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Client == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("extension", event.Extension))
		return nil
	}
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Event Event  `json:"event"`
	}{Text: event.Text(), Event: event})
	if err != nil {
		return err
	}
	_, err = n.Client.PostJSON(ctx, n.URL, body)
	return err
}

// Monitor 从生命周期事件与被拒绝的描述符中筛选需要告警的情况，
// 并在后台异步投递，避免阻塞加载流程。
type Monitor struct {
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	queue    chan Event
	done     chan struct{}
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewMonitor 启动告警投递循环。
func NewMonitor(n Notifier, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		notifier: n,
		timeout:  timeout,
		now:      time.Now,
		queue:    make(chan Event, 64),
		done:     make(chan struct{}),
		log:      logger.Named("alerting"),
	}
	go m.loop()
	return m
}

// shouldAlert 仅对标记为告警或严重级别的错误码发出通知。
func shouldAlert(code xerrors.Code) bool {
	attr := xerrors.AttributesOf(code)
	return attr.Alert || attr.Severity == xerrors.SeverityCritical
}

// ObserveLifecycle 作为注册表观察者使用。
func (m *Monitor) ObserveLifecycle(ev registry.Event) {
	if ev.Type != registry.EventFailed || !shouldAlert(ev.Code) {
		return
	}
	m.enqueue(Event{
		Code:       ev.Code,
		Message:    ev.Reason,
		Severity:   xerrors.AttributesOf(ev.Code).Severity,
		Extension:  ev.Extension,
		Version:    ev.Version,
		Stage:      "load",
		Metadata:   map[string]string{"load_id": ev.LoadID, "fingerprint": ev.Fingerprint},
		OccurredAt: ev.At,
	})
}

// ObserveRejection 处理校验或解析阶段被拒绝的描述符。
func (m *Monitor) ObserveRejection(name, version, stage string, code xerrors.Code, reason string) {
	if !shouldAlert(code) {
		return
	}
	m.enqueue(Event{
		Code:       code,
		Message:    reason,
		Severity:   xerrors.AttributesOf(code).Severity,
		Extension:  name,
		Version:    version,
		Stage:      stage,
		OccurredAt: m.now(),
	})
}

func (m *Monitor) enqueue(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.log.Warn("alert queue full", "extension", ev.Extension, "code", ev.Code)
	}
}

func (m *Monitor) loop() {
	defer close(m.done)
	for ev := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if err := m.notifier.Notify(ctx, ev); err != nil {
			m.log.Warn("alert delivery failed", "extension", ev.Extension, "error", err)
		}
		cancel()
	}
}

// Close 停止接收告警，并等待已排队的告警发送完毕。
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
