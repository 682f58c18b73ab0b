// Package registry instantiates resolved extensions and owns their lifecycle.
//
// Every entry moves from Pending to either Active or Failed exactly once.
// Load and Unload are serialised against each other; Get, List and Match may
// run at any time and observe Pending entries of an in-flight load.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/logger"
)

// Status is the lifecycle position of a loaded extension.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
)

// LoadedExtension is a snapshot of one registry entry.
type LoadedExtension struct {
	Descriptor *descriptor.Descriptor
	Instance   extension.Extension
	Status     Status
	Code       xerrors.Code
	Reason     string
	LoadedAt   time.Time
	UpdatedAt  time.Time
}

// Name returns the extension name.
func (l LoadedExtension) Name() string { return l.Descriptor.Name() }

// Err returns the failure as an error, or nil unless the entry is Failed.
func (l LoadedExtension) Err() error {
	if l.Status != StatusFailed {
		return nil
	}
	return xerrors.New(l.Code, l.Reason, xerrors.WithMetadata("extension", l.Name()))
}

type entry struct {
	desc      *descriptor.Descriptor
	instance  extension.Extension
	status    Status
	code      xerrors.Code
	reason    string
	seq       uint64
	loadedAt  time.Time
	updatedAt time.Time
}

func (e *entry) snapshot() LoadedExtension {
	return LoadedExtension{
		Descriptor: e.desc,
		Instance:   e.instance,
		Status:     e.status,
		Code:       e.code,
		Reason:     e.reason,
		LoadedAt:   e.loadedAt,
		UpdatedAt:  e.updatedAt,
	}
}

// Subscriber is the part of the dispatcher the registry needs.
type Subscriber interface {
	Subscribe(sub dispatch.Subscription) error
	UnsubscribeAll(extension string)
}

// Registry maps extension names to their loaded state.
type Registry struct {
	opMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64

	acquirer    extension.Acquirer
	subscriber  Subscriber
	isolation   extension.IsolationStrategy
	settings    extension.Config
	resources   map[string]any
	initTimeout time.Duration
	observers   []func(Event)
	log         *slog.Logger
	audit       *slog.Logger
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSubscriber connects loaded extensions to an event dispatcher.
func WithSubscriber(s Subscriber) Option {
	return func(r *Registry) {
		if s != nil {
			r.subscriber = s
		}
	}
}

// WithIsolationStrategy sets a custom policy enforcement strategy.
func WithIsolationStrategy(strategy extension.IsolationStrategy) Option {
	return func(r *Registry) {
		if strategy != nil {
			r.isolation = strategy
		}
	}
}

// WithSettings supplies per-extension configuration and policies.
func WithSettings(cfg extension.Config) Option {
	return func(r *Registry) {
		r.settings = cfg
	}
}

// WithResource registers a shared resource exposed to every extension.
func WithResource(key string, value any) Option {
	return func(r *Registry) {
		if key == "" || value == nil {
			return
		}
		r.resources[key] = value
	}
}

// WithInitTimeout bounds each Initialize call. Zero disables the bound.
func WithInitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.initTimeout = d
		}
	}
}

// WithObserver registers a callback for lifecycle events. Observers run
// synchronously on the loading goroutine and must not call back into the
// registry's Load or Unload.
func WithObserver(fn func(Event)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// DefaultInitTimeout bounds Initialize when no timeout is configured.
const DefaultInitTimeout = 10 * time.Second

// New creates a registry that acquires payloads through acq.
func New(acq extension.Acquirer, opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		acquirer:    acq,
		isolation:   extension.NoopIsolation{},
		resources:   make(map[string]any),
		initTimeout: DefaultInitTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Named("registry")
	}
	if r.audit == nil {
		r.audit = logger.Audit()
	}
	return r
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (LoadedExtension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return LoadedExtension{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("extension %s is not registered", name),
			xerrors.WithMetadata("extension", name))
	}
	return e.snapshot(), nil
}

// List returns every entry in registration order.
func (r *Registry) List() []LoadedExtension {
	return r.collect(func(*entry) bool { return true })
}

// Match returns entries whose name matches a dotted wildcard pattern.
func (r *Registry) Match(pattern string) []LoadedExtension {
	return r.collect(func(e *entry) bool { return descriptor.MatchName(pattern, e.desc.Name()) })
}

// Installed returns the descriptors of Active entries. They satisfy the
// dependencies of later resolutions.
func (r *Registry) Installed() []*descriptor.Descriptor {
	active := r.collect(func(e *entry) bool { return e.status == StatusActive })
	out := make([]*descriptor.Descriptor, len(active))
	for i, l := range active {
		out[i] = l.Descriptor
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) collect(keep func(*entry) bool) []LoadedExtension {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]LoadedExtension, len(matched))
	for i, e := range matched {
		out[i] = e.snapshot()
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) lookupActive(name string) (extension.Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.status != StatusActive {
		return nil, false
	}
	return e.instance, true
}

// activeDependents lists Active entries that declare a dependency on name.
func (r *Registry) activeDependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for other, e := range r.entries {
		if e.status == StatusActive && e.desc.DependsOn(name) {
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out
}

// Unload removes name from the registry. It fails with NotFound when name is
// unknown and with DependentsActive, leaving the registry untouched, while
// any Active extension still depends on it. Failed entries may be unloaded to
// make room for a retry.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if _, err := r.Get(name); err != nil {
		return err
	}
	if deps := r.activeDependents(name); len(deps) > 0 {
		return xerrors.New(xerrors.CodeDependentsActive,
			fmt.Sprintf("extension %s is required by %s", name, strings.Join(deps, ", ")),
			xerrors.WithMetadata("extension", name),
			xerrors.WithMetadata("dependents", strings.Join(deps, ",")))
	}
	return r.remove(ctx, name)
}

// remove detaches name and finalizes its instance. The registry change is
// final even when the extension's Shutdown fails; that error is returned for
// reporting.
func (r *Registry) remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if r.subscriber != nil {
		r.subscriber.UnsubscribeAll(name)
	}

	var shutdownErr error
	if e.status == StatusActive {
		if fin, ok := e.instance.(extension.Finalizer); ok {
			shutdownErr = fin.Shutdown(ctx)
		}
		if err := r.isolation.Cleanup(e.desc); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}

	r.audit.Info("extension unloaded", "extension", e.desc.String(), "fingerprint", e.desc.Fingerprint(), "status", string(e.status))
	r.emit(Event{Type: EventUnloaded, Extension: name, Version: e.desc.RawVersion(), Fingerprint: e.desc.Fingerprint(), Status: e.status, At: r.now()})

	if shutdownErr != nil {
		r.log.Warn("extension shutdown failed", "extension", name, "error", shutdownErr)
		return xerrors.Wrap(xerrors.CodeUnknown, shutdownErr, "shutdown extension "+name,
			xerrors.WithMetadata("extension", name))
	}
	return nil
}

// Shutdown unloads every entry, most recently registered first, so that
// dependents always go before their dependencies.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	all := r.List()
	var errs error
	for i := len(all) - 1; i >= 0; i-- {
		if err := r.remove(ctx, all[i].Name()); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Health polls every Active extension implementing HealthChecker. Extensions
// without a health check are reported healthy.
func (r *Registry) Health(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, l := range r.List() {
		if l.Status != StatusActive {
			continue
		}
		hc, ok := l.Instance.(extension.HealthChecker)
		if !ok {
			out[l.Name()] = nil
			continue
		}
		out[l.Name()] = hc.Health(ctx)
	}
	return out
}

func (r *Registry) emit(ev Event) {
	for _, fn := range r.observers {
		fn(ev)
	}
}
