package host

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/integrity"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/registry"
)

func init() {
	logger.Use(logger.Discard())
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := integrity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func signed(t *testing.T, priv *ecdsa.PrivateKey, name string, priority int, deps ...string) descriptor.Spec {
	t.Helper()
	spec := descriptor.Spec{
		Name:    name,
		Version: "1.0.0",
		Payload: descriptor.Payload{Kind: descriptor.PayloadNative, Ref: name},
		Events:  []descriptor.EventSpec{{Name: "start", Priority: priority}},
	}
	for _, dep := range deps {
		spec.Dependencies = append(spec.Dependencies, descriptor.DependencySpec{Name: dep, Range: "^1.0.0"})
	}
	d, err := integrity.Sign(descriptor.New(spec), priv)
	if err != nil {
		t.Fatalf("sign %s: %v", name, err)
	}
	return d.Spec()
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func catalogFor(rec *recorder, names ...string) *extension.Catalog {
	c := extension.NewCatalog()
	for _, name := range names {
		c.MustRegister(name, func(d *descriptor.Descriptor) (extension.Extension, error) {
			return &extension.Funcs{
				InitializeFunc: func(*extension.HostContext) error {
					rec.add("init:" + name)
					return nil
				},
				OnEventFunc: func(_ context.Context, event string, _ any) error {
					rec.add(event + ":" + name)
					return nil
				},
			}, nil
		})
	}
	return c
}

type memorySink struct {
	mu      sync.Mutex
	reports []registry.Report
}

func (m *memorySink) Save(_ context.Context, rep registry.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, rep)
	return nil
}

func TestHostEndToEnd(t *testing.T) {
	trusted, rogue := mustKey(t), mustKey(t)
	rec := &recorder{}
	sink := &memorySink{}
	var lifecycle []registry.EventType

	h := New(
		WithTrustedKeys(integrity.NewKeySet(&trusted.PublicKey)),
		WithAcquirer(catalogFor(rec, "a", "b", "c")),
		WithReportSink(sink),
		WithLifecycleObserver(func(ev registry.Event) { lifecycle = append(lifecycle, ev.Type) }),
		withVerifierClock(func() time.Time { return fixedNow }),
	)

	specs := []descriptor.Spec{
		signed(t, rogue, "c", 0, "b"),
		signed(t, trusted, "b", 2, "a"),
		signed(t, trusted, "a", 1),
	}

	batch, report, err := h.Run(context.Background(), specs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	c, ok := batch.Entry("c")
	if !ok || c.Stage != StageVerify || c.Code != xerrors.CodeUntrustedSignature || c.Trusted {
		t.Fatalf("expected c rejected at verification, got %+v", c)
	}
	if c.Verification == nil || !c.Verification.VerifiedAt.Equal(fixedNow) {
		t.Fatalf("expected verification record stamped by the clock, got %+v", c.Verification)
	}
	if diff := cmp.Diff([]string{"a", "b"}, batch.Planned()); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if len(batch.Rejected()) != 1 {
		t.Fatalf("expected one rejected entry, got %+v", batch.Rejected())
	}
	if diff := cmp.Diff([]string{"a", "b"}, report.Active()); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}
	if _, err := h.Get("c"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("rejected descriptor must not be registered, got %v", err)
	}

	res := h.Dispatch(context.Background(), "start", nil)
	if res.Count(dispatch.StatusDelivered) != 2 {
		t.Fatalf("unexpected dispatch outcomes %+v", res.Outcomes)
	}
	want := []string{"init:a", "init:b", "start:a", "start:b"}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}

	if len(sink.reports) != 1 || sink.reports[0].ID != report.ID {
		t.Fatalf("expected report persisted, got %+v", sink.reports)
	}
	wantEvents := []registry.EventType{registry.EventPending, registry.EventPending, registry.EventActivated, registry.EventActivated}
	if diff := cmp.Diff(wantEvents, lifecycle); diff != "" {
		t.Fatalf("lifecycle mismatch (-want +got):\n%s", diff)
	}
}

func TestHostPrepareIsDeterministicAndCached(t *testing.T) {
	priv := mustKey(t)
	h := New(WithTrustedKeys(integrity.NewKeySet(&priv.PublicKey)), WithAcquirer(catalogFor(&recorder{}, "a", "b", "c")))

	a, b, c := signed(t, priv, "a", 0), signed(t, priv, "b", 0, "a"), signed(t, priv, "c", 0, "a")
	first, err := h.Prepare(context.Background(), []descriptor.Spec{c, b, a})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	second, err := h.Prepare(context.Background(), []descriptor.Spec{a, c, b})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if diff := cmp.Diff(first.Planned(), second.Planned()); diff != "" {
		t.Fatalf("input order changed the plan (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, first.Planned()); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}

	stats := h.Stats()
	if stats.Plans.Hits != 1 || stats.Plans.Misses != 1 {
		t.Fatalf("expected the second resolution to hit the plan cache, got %+v", stats.Plans)
	}
	if stats.Verification.Hits != 3 || stats.Verification.Misses != 3 {
		t.Fatalf("expected verification memoized per descriptor, got %+v", stats.Verification)
	}

	if !h.InvalidatePlan(context.Background(), first) {
		t.Fatal("expected cached plan to be invalidated")
	}
	if h.InvalidatePlan(context.Background(), first) {
		t.Fatal("second invalidation should report nothing removed")
	}
}

func TestHostResolvesAgainstInstalledExtensions(t *testing.T) {
	priv := mustKey(t)
	rec := &recorder{}
	h := New(WithTrustedKeys(integrity.NewKeySet(&priv.PublicKey)), WithAcquirer(catalogFor(rec, "core", "addon")))

	if _, rep, err := h.Run(context.Background(), []descriptor.Spec{signed(t, priv, "core", 0)}); err != nil || len(rep.Active()) != 1 {
		t.Fatalf("load core: %v %+v", err, rep)
	}

	batch, rep, err := h.Run(context.Background(), []descriptor.Spec{signed(t, priv, "addon", 1, "core")})
	if err != nil {
		t.Fatalf("load addon: %v", err)
	}
	if diff := cmp.Diff([]string{"addon"}, batch.Planned()); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"addon"}, rep.Active()); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}

	if err := h.Unload(context.Background(), "core"); !xerrors.HasCode(err, xerrors.CodeDependentsActive) {
		t.Fatalf("expected dependents active, got %v", err)
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(h.List()) != 0 || len(h.Subscriptions("start")) != 0 {
		t.Fatal("shutdown must clear the registry and subscriptions")
	}
}

func TestHostReportsUnsatisfiedDependencies(t *testing.T) {
	priv := mustKey(t)
	h := New(WithTrustedKeys(integrity.NewKeySet(&priv.PublicKey)), WithAcquirer(catalogFor(&recorder{}, "lonely")))

	batch, err := h.Prepare(context.Background(), []descriptor.Spec{signed(t, priv, "lonely", 0, "missing")})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	e, _ := batch.Entry("lonely")
	if e.Stage != StageResolve || e.Code != xerrors.CodeUnsatisfiedDependency || !e.Trusted {
		t.Fatalf("expected resolve-stage rejection, got %+v", e)
	}
	if len(batch.Planned()) != 0 {
		t.Fatalf("expected empty plan, got %v", batch.Planned())
	}
}
