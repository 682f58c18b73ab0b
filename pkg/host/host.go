// Package host wires the verifier, resolver, caches, registry and dispatcher
// into the single entry point used by the daemon and the CLI.
package host

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/cache"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/integrity"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/registry"
	"Forged-Core/pkg/resolver"
)

// DefaultCacheCapacity bounds each of the verification and plan caches.
const DefaultCacheCapacity = 256

// ReportSink persists load reports.
type ReportSink interface {
	Save(ctx context.Context, rep registry.Report) error
}

// Host is the extension host.
type Host struct {
	keys       *integrity.KeySet
	verifier   *integrity.CachedVerifier
	plans      *cache.Cache[resolver.Outcome]
	resolver   *resolver.CachedResolver
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	reports    ReportSink
	log        *slog.Logger
}

type options struct {
	keys          *integrity.KeySet
	capacity      int
	store         cache.Store[integrity.Result]
	acquirer      extension.Acquirer
	settings      extension.Config
	initTimeout   time.Duration
	resources     map[string]any
	reports       ReportSink
	lifecycle     []func(registry.Event)
	dispatched    []func(dispatch.Result)
	middleware    []dispatch.Middleware
	verifierClock func() time.Time
	log           *slog.Logger
}

// Option configures a Host.
type Option func(*options)

// WithTrustedKeys sets the key set every descriptor is verified against.
func WithTrustedKeys(keys *integrity.KeySet) Option {
	return func(o *options) { o.keys = keys }
}

// WithCacheCapacity bounds the verification and plan caches.
func WithCacheCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithVerificationStore adds a second tier behind the verification cache.
func WithVerificationStore(store cache.Store[integrity.Result]) Option {
	return func(o *options) { o.store = store }
}

// WithAcquirer sets how payloads become extension instances.
func WithAcquirer(a extension.Acquirer) Option {
	return func(o *options) { o.acquirer = a }
}

// WithSettings supplies per-extension configuration and isolation policies.
func WithSettings(cfg extension.Config) Option {
	return func(o *options) { o.settings = cfg }
}

// WithInitTimeout bounds each extension's initialization.
func WithInitTimeout(d time.Duration) Option {
	return func(o *options) { o.initTimeout = d }
}

// WithResource exposes a shared service to every extension.
func WithResource(key string, value any) Option {
	return func(o *options) {
		if o.resources == nil {
			o.resources = make(map[string]any)
		}
		o.resources[key] = value
	}
}

// WithReportSink persists every load report.
func WithReportSink(sink ReportSink) Option {
	return func(o *options) { o.reports = sink }
}

// WithLifecycleObserver receives every registry transition.
func WithLifecycleObserver(fn func(registry.Event)) Option {
	return func(o *options) {
		if fn != nil {
			o.lifecycle = append(o.lifecycle, fn)
		}
	}
}

// WithDispatchObserver receives the result of every dispatch.
func WithDispatchObserver(fn func(dispatch.Result)) Option {
	return func(o *options) {
		if fn != nil {
			o.dispatched = append(o.dispatched, fn)
		}
	}
}

// WithMiddleware appends a dispatch middleware.
func WithMiddleware(mw dispatch.Middleware) Option {
	return func(o *options) {
		if mw != nil {
			o.middleware = append(o.middleware, mw)
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func withVerifierClock(now func() time.Time) Option {
	return func(o *options) { o.verifierClock = now }
}

// New assembles a host.
func New(opts ...Option) *Host {
	o := options{capacity: DefaultCacheCapacity, initTimeout: registry.DefaultInitTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Named("host")
	}
	if o.keys == nil {
		o.keys = integrity.NewKeySet()
	}

	verifierCacheOpts := []cache.Option[integrity.Result]{cache.WithLogger[integrity.Result](o.log)}
	if o.store != nil {
		verifierCacheOpts = append(verifierCacheOpts, cache.WithStore(o.store))
	}
	var verifierOpts []integrity.Option
	if o.verifierClock != nil {
		verifierOpts = append(verifierOpts, integrity.WithClock(o.verifierClock))
	}
	verifier := integrity.NewCachedVerifier(
		integrity.NewVerifier(verifierOpts...),
		cache.New(o.capacity, verifierCacheOpts...),
	)

	plans := cache.New(o.capacity, cache.WithLogger[resolver.Outcome](o.log))

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(o.log.With("component", "dispatch"))}
	for _, fn := range o.dispatched {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(fn))
	}
	d := dispatch.New(dispatchOpts...)
	for _, mw := range o.middleware {
		d.Use(mw)
	}

	regOpts := []registry.Option{
		registry.WithSubscriber(d),
		registry.WithSettings(o.settings),
		registry.WithInitTimeout(o.initTimeout),
		registry.WithLogger(o.log.With("component", "registry")),
	}
	for k, v := range o.resources {
		regOpts = append(regOpts, registry.WithResource(k, v))
	}
	for _, fn := range o.lifecycle {
		regOpts = append(regOpts, registry.WithObserver(fn))
	}

	return &Host{
		keys:       o.keys,
		verifier:   verifier,
		plans:      plans,
		resolver:   resolver.NewCached(plans),
		registry:   registry.New(o.acquirer, regOpts...),
		dispatcher: d,
		reports:    o.reports,
		log:        o.log,
	}
}

// Stage names the step at which a descriptor left the pipeline.
type Stage string

const (
	StageVerify  Stage = "verify"
	StageResolve Stage = "resolve"
	StagePlanned Stage = "planned"
)

// Entry is the per-descriptor line of a batch.
type Entry struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Fingerprint  string            `json:"fingerprint"`
	Stage        Stage             `json:"stage"`
	Trusted      bool              `json:"trusted"`
	KeyID        string            `json:"key_id,omitempty"`
	Code         xerrors.Code      `json:"code,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Verification *integrity.Result `json:"verification,omitempty"`

	descriptor *descriptor.Descriptor
}

// Descriptor returns the descriptor the entry describes.
func (e Entry) Descriptor() *descriptor.Descriptor { return e.descriptor }

// Batch is the outcome of Prepare: one entry per input descriptor in input
// order, and a plan covering every descriptor that reached StagePlanned.
type Batch struct {
	Entries []Entry       `json:"entries"`
	Plan    resolver.Plan `json:"plan"`

	planKey string
}

// Planned returns the names in load order.
func (b Batch) Planned() []string { return b.Plan.Names() }

// Rejected returns entries that did not reach the plan.
func (b Batch) Rejected() []Entry {
	var out []Entry
	for _, e := range b.Entries {
		if e.Stage != StagePlanned {
			out = append(out, e)
		}
	}
	return out
}

// Entry returns the line for name.
func (b Batch) Entry(name string) (Entry, bool) {
	for _, e := range b.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Prepare verifies every spec and resolves the trusted ones against the
// extensions already Active in the registry. Problems are reported per
// descriptor and never abort the batch.
func (h *Host) Prepare(ctx context.Context, specs []descriptor.Spec) (Batch, error) {
	ds := descriptor.FromSpecs(specs)
	entries := make([]Entry, len(ds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, d := range ds {
		g.Go(func() error {
			entries[i] = h.verify(gctx, d)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	trusted := make([]*descriptor.Descriptor, 0, len(ds))
	for _, e := range entries {
		if e.Trusted {
			trusted = append(trusted, e.descriptor)
		}
	}

	installed := h.registry.Installed()
	out, err := h.resolver.ResolvePartial(ctx, trusted, installed)
	if err != nil {
		return Batch{}, err
	}

	rejected := make(map[string]error, len(out.Rejected))
	for _, rej := range out.Rejected {
		rejected[rej.Descriptor.Fingerprint()] = rej.Err
	}
	for i := range entries {
		e := &entries[i]
		if !e.Trusted {
			continue
		}
		if err, ok := rejected[e.Fingerprint]; ok {
			e.Stage, e.Code, e.Reason = StageResolve, xerrors.CodeOf(err), messageOf(err)
			continue
		}
		e.Stage = StagePlanned
	}

	h.log.Info("batch prepared", "descriptors", len(ds), "planned", len(out.Plan.Steps), "rejected", len(ds)-len(out.Plan.Steps))
	return Batch{Entries: entries, Plan: out.Plan, planKey: resolver.SetKey(trusted, installed)}, nil
}

func (h *Host) verify(ctx context.Context, d *descriptor.Descriptor) Entry {
	e := Entry{Name: d.Name(), Version: d.RawVersion(), Fingerprint: d.Fingerprint(), Stage: StageVerify, descriptor: d}
	res, err := h.verifier.Verify(ctx, d, h.keys)
	if res.Fingerprint != "" {
		e.Verification = &res
	}
	if err != nil {
		e.Code, e.Reason = xerrors.CodeOf(err), messageOf(err)
		return e
	}
	e.Trusted, e.KeyID = true, res.KeyID
	return e
}

// Load instantiates a prepared batch. The plan's cache entry is pinned for
// the duration so it cannot be evicted mid-load.
func (h *Host) Load(ctx context.Context, b Batch) registry.Report {
	if b.planKey != "" {
		release, _ := h.plans.Pin(b.planKey)
		defer release()
	}
	rep := h.registry.Load(ctx, b.Plan)
	if h.reports != nil {
		if err := h.reports.Save(ctx, rep); err != nil {
			h.log.Warn("persist load report failed", "load_id", rep.ID, "error", err)
		}
	}
	return rep
}

// Run prepares and loads specs in one call.
func (h *Host) Run(ctx context.Context, specs []descriptor.Spec) (Batch, registry.Report, error) {
	b, err := h.Prepare(ctx, specs)
	if err != nil {
		return Batch{}, registry.Report{}, err
	}
	return b, h.Load(ctx, b), nil
}

// Dispatch delivers an event to its subscribers.
func (h *Host) Dispatch(ctx context.Context, event string, payload any) dispatch.Result {
	return h.dispatcher.Dispatch(ctx, event, payload)
}

// Unload removes one extension.
func (h *Host) Unload(ctx context.Context, name string) error {
	return h.registry.Unload(ctx, name)
}

// Get returns one registry entry.
func (h *Host) Get(name string) (registry.LoadedExtension, error) {
	return h.registry.Get(name)
}

// List returns every registry entry in load order.
func (h *Host) List() []registry.LoadedExtension {
	return h.registry.List()
}

// Match returns entries whose names match a dotted wildcard pattern.
func (h *Host) Match(pattern string) []registry.LoadedExtension {
	return h.registry.Match(pattern)
}

// Health polls active extensions.
func (h *Host) Health(ctx context.Context) map[string]error {
	return h.registry.Health(ctx)
}

// Subscriptions lists the subscribers of event in delivery order.
func (h *Host) Subscriptions(event string) []dispatch.Subscription {
	return h.dispatcher.Subscriptions(event)
}

// InvalidatePlan drops the cached resolution behind b. Extensions already
// loaded from it are unaffected.
func (h *Host) InvalidatePlan(ctx context.Context, b Batch) bool {
	if b.planKey == "" {
		return false
	}
	return h.plans.Invalidate(ctx, b.planKey)
}

// ForgetVerification drops the cached trust outcome for spec.
func (h *Host) ForgetVerification(ctx context.Context, spec descriptor.Spec) {
	h.verifier.Forget(ctx, descriptor.New(spec), h.keys)
}

// CacheStats reports both caches.
type CacheStats struct {
	Verification cache.Stats `json:"verification"`
	Plans        cache.Stats `json:"plans"`
}

// Stats returns the cache counters.
func (h *Host) Stats() CacheStats {
	return CacheStats{Verification: h.verifier.Stats(), Plans: h.plans.Stats()}
}

// Shutdown unloads every extension.
func (h *Host) Shutdown(ctx context.Context) error {
	return h.registry.Shutdown(ctx)
}

func messageOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
