package extension

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/internal/transport"
	"Forged-Core/pkg/descriptor"
)

// Envelope is the JSON body posted to a remote extension endpoint.
type Envelope struct {
	Type         string         `json:"type"`
	Extension    string         `json:"extension"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Event        string         `json:"event,omitempty"`
	Payload      any            `json:"payload,omitempty"`
}

// Envelope types.
const (
	EnvelopeInitialize = "initialize"
	EnvelopeEvent      = "event"
	EnvelopeShutdown   = "shutdown"
	EnvelopeHealth     = "health"
)

type remoteReply struct {
	Error string `json:"error,omitempty"`
}

// RemoteAcquirer proxies extensions served over HTTP at their payload ref.
type RemoteAcquirer struct {
	client *transport.Client
}

// NewRemoteAcquirer creates an acquirer using client, or a default transport
// client when nil.
func NewRemoteAcquirer(client *transport.Client) *RemoteAcquirer {
	if client == nil {
		client = transport.New()
	}
	return &RemoteAcquirer{client: client}
}

// Acquire implements Acquirer. No request is made until Initialize.
func (a *RemoteAcquirer) Acquire(_ context.Context, d *descriptor.Descriptor) (Extension, error) {
	if d.Payload().Ref == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "remote payload ref cannot be empty")
	}
	return &remoteExtension{client: a.client, desc: d}, nil
}

// BreakerStates reports per-host circuit state.
func (a *RemoteAcquirer) BreakerStates() map[string]string {
	return a.client.BreakerStates()
}

type remoteExtension struct {
	client *transport.Client
	desc   *descriptor.Descriptor
}

func (r *remoteExtension) envelope(kind string) Envelope {
	return Envelope{
		Type:         kind,
		Extension:    r.desc.Name(),
		Version:      r.desc.RawVersion(),
		Capabilities: r.desc.Capabilities(),
	}
}

func (r *remoteExtension) Initialize(hc *HostContext) error {
	env := r.envelope(EnvelopeInitialize)
	env.Config = hc.Config
	return r.post(hc.C, env)
}

func (r *remoteExtension) OnEvent(ctx context.Context, event string, payload any) error {
	env := r.envelope(EnvelopeEvent)
	env.Event = event
	env.Payload = payload
	return r.post(ctx, env)
}

func (r *remoteExtension) Shutdown(ctx context.Context) error {
	return r.post(ctx, r.envelope(EnvelopeShutdown))
}

func (r *remoteExtension) Health(ctx context.Context) error {
	return r.post(ctx, r.envelope(EnvelopeHealth))
}

func (r *remoteExtension) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode remote envelope")
	}
	resp, err := r.client.PostJSON(ctx, r.desc.Payload().Ref, body)
	if err != nil {
		return err
	}
	if len(resp.Body) == 0 {
		return nil
	}
	var reply remoteReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		code := xerrors.CodeHandlerFailed
		if env.Type == EnvelopeInitialize {
			code = xerrors.CodeInitializationFailed
		}
		return xerrors.Wrap(code, err, fmt.Sprintf("decode %s reply from %s", env.Type, r.desc.Name()),
			xerrors.WithMetadata("extension", r.desc.Name()))
	}
	if reply.Error != "" {
		return fmt.Errorf("remote %s %s: %s", r.desc.Name(), env.Type, reply.Error)
	}
	return nil
}
