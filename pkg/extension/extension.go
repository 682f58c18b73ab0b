// Package extension defines the contract between the host and a loaded
// extension, and the acquirers that turn a descriptor payload into a live
// instance.
package extension

import (
	"context"
	"log/slog"

	"Forged-Core/pkg/descriptor"
)

// Extension is the capability set every loaded extension provides.
type Extension interface {
	// Initialize prepares the extension. It must honour hc.C for cancellation.
	Initialize(hc *HostContext) error
	// OnEvent delivers a dispatched event.
	OnEvent(ctx context.Context, event string, payload any) error
}

// Finalizer is implemented by extensions that release resources on unload.
type Finalizer interface {
	Shutdown(ctx context.Context) error
}

// HealthChecker is implemented by extensions that report their own health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Acquirer resolves a descriptor payload into an extension instance.
type Acquirer interface {
	Acquire(ctx context.Context, d *descriptor.Descriptor) (Extension, error)
}

// AcquirerFunc adapts a function to the Acquirer interface.
type AcquirerFunc func(ctx context.Context, d *descriptor.Descriptor) (Extension, error)

// Acquire implements Acquirer.
func (f AcquirerFunc) Acquire(ctx context.Context, d *descriptor.Descriptor) (Extension, error) {
	return f(ctx, d)
}

// HostContext is passed to Initialize.
type HostContext struct {
	// C is the initialization context. It carries the init deadline.
	C context.Context
	// Descriptor is the manifest the extension was loaded from.
	Descriptor *descriptor.Descriptor
	// Config is the extension specific configuration block.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
	// Logger is scoped to the extension.
	Logger *slog.Logger

	lookup func(name string) (Extension, bool)
}

// NewHostContext builds a host context. lookup resolves active dependencies
// and may be nil.
func NewHostContext(ctx context.Context, d *descriptor.Descriptor, cfg, resources map[string]any, log *slog.Logger, lookup func(string) (Extension, bool)) *HostContext {
	return &HostContext{C: ctx, Descriptor: d, Config: cfg, Resources: resources, Logger: log, lookup: lookup}
}

// Dependency returns an active extension this extension declared a
// dependency on.
func (hc *HostContext) Dependency(name string) (Extension, bool) {
	if hc == nil || hc.lookup == nil || hc.Descriptor == nil || !hc.Descriptor.DependsOn(name) {
		return nil, false
	}
	return hc.lookup(name)
}

// Clone returns a shallow copy so extensions can safely mutate the maps.
func (hc *HostContext) Clone() *HostContext {
	if hc == nil {
		return nil
	}
	dup := *hc
	if hc.Config != nil {
		dup.Config = make(map[string]any, len(hc.Config))
		for k, v := range hc.Config {
			dup.Config[k] = v
		}
	}
	if hc.Resources != nil {
		dup.Resources = make(map[string]any, len(hc.Resources))
		for k, v := range hc.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Funcs builds an Extension from plain functions. Nil functions are no-ops.
type Funcs struct {
	InitializeFunc func(hc *HostContext) error
	OnEventFunc    func(ctx context.Context, event string, payload any) error
	ShutdownFunc   func(ctx context.Context) error
	HealthFunc     func(ctx context.Context) error
}

// Initialize implements Extension.
func (f *Funcs) Initialize(hc *HostContext) error {
	if f.InitializeFunc == nil {
		return nil
	}
	return f.InitializeFunc(hc)
}

// OnEvent implements Extension.
func (f *Funcs) OnEvent(ctx context.Context, event string, payload any) error {
	if f.OnEventFunc == nil {
		return nil
	}
	return f.OnEventFunc(ctx, event, payload)
}

// Shutdown implements Finalizer.
func (f *Funcs) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}
	return f.ShutdownFunc(ctx)
}

// Health implements HealthChecker.
func (f *Funcs) Health(ctx context.Context) error {
	if f.HealthFunc == nil {
		return nil
	}
	return f.HealthFunc(ctx)
}
