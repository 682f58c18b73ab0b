package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/resolver"
)

func init() {
	logger.Use(logger.Discard())
}

func desc(name string, deps ...string) *descriptor.Descriptor {
	spec := descriptor.Spec{
		Name:    name,
		Version: "1.0.0",
		Payload: descriptor.Payload{Kind: descriptor.PayloadNative, Ref: name},
		Events:  []descriptor.EventSpec{{Name: "start", Priority: 1}},
	}
	for _, dep := range deps {
		spec.Dependencies = append(spec.Dependencies, descriptor.DependencySpec{Name: dep, Range: "^1.0.0"})
	}
	return descriptor.New(spec)
}

func mustPlan(t *testing.T, ds ...*descriptor.Descriptor) resolver.Plan {
	t.Helper()
	plan, err := resolver.Resolve(ds)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return plan
}

// fakeCatalog builds instances from per-name behaviours and counts
// initializations.
type fakeCatalog struct {
	mu    sync.Mutex
	init  map[string]func(*extension.HostContext) error
	calls map[string]int
	shut  map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{init: map[string]func(*extension.HostContext) error{}, calls: map[string]int{}, shut: map[string]int{}}
}

func (f *fakeCatalog) Acquire(_ context.Context, d *descriptor.Descriptor) (extension.Extension, error) {
	name := d.Name()
	return &extension.Funcs{
		InitializeFunc: func(hc *extension.HostContext) error {
			f.mu.Lock()
			f.calls[name]++
			fn := f.init[name]
			f.mu.Unlock()
			if fn != nil {
				return fn(hc)
			}
			return nil
		},
		ShutdownFunc: func(context.Context) error {
			f.mu.Lock()
			f.shut[name]++
			f.mu.Unlock()
			return nil
		},
	}, nil
}

func (f *fakeCatalog) initCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestLoadActivatesInPlanOrder(t *testing.T) {
	cat := newFakeCatalog()
	var order []string
	for _, name := range []string{"forged.a", "forged.b"} {
		name := name
		cat.init[name] = func(*extension.HostContext) error {
			order = append(order, name)
			return nil
		}
	}
	d := dispatch.New(dispatch.WithLogger(logger.Discard()))
	reg := New(cat, WithSubscriber(d))

	rep := reg.Load(context.Background(), mustPlan(t, desc("forged.b", "forged.a"), desc("forged.a")))

	if diff := cmp.Diff([]string{"forged.a", "forged.b"}, order); diff != "" {
		t.Fatalf("initialization order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"forged.a", "forged.b"}, rep.Active()); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}
	if rep.ID == "" {
		t.Fatal("report must carry an id")
	}
	for _, name := range []string{"forged.a", "forged.b"} {
		got, err := reg.Get(name)
		if err != nil || got.Status != StatusActive {
			t.Fatalf("get %s: %+v %v", name, got, err)
		}
	}
	if len(d.Subscriptions("start")) != 2 {
		t.Fatalf("expected subscriptions for both extensions, got %d", len(d.Subscriptions("start")))
	}
}

func TestLoadCascadesFailureWithoutInitializingDependents(t *testing.T) {
	cat := newFakeCatalog()
	cat.init["forged.a"] = func(*extension.HostContext) error { return errors.New("boom") }
	reg := New(cat)

	rep := reg.Load(context.Background(), mustPlan(t,
		desc("forged.a"),
		desc("forged.b", "forged.a"),
		desc("forged.c", "forged.b"),
		desc("forged.d"),
	))

	if diff := cmp.Diff([]string{"forged.a", "forged.b", "forged.c"}, rep.Failed()); diff != "" {
		t.Fatalf("failed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"forged.d"}, rep.Active()); diff != "" {
		t.Fatalf("independent extension must still load (-want +got):\n%s", diff)
	}
	if cat.initCalls("forged.b") != 0 || cat.initCalls("forged.c") != 0 {
		t.Fatal("dependents of a failed extension must not be initialized")
	}
	a, _ := rep.Outcome("forged.a")
	if a.Code != xerrors.CodeInitializationFailed || a.Reason == "" {
		t.Fatalf("unexpected outcome for a: %+v", a)
	}
	b, _ := reg.Get("forged.b")
	if b.Status != StatusFailed || !xerrors.HasCode(b.Err(), xerrors.CodeInitializationFailed) {
		t.Fatalf("unexpected entry for b: %+v", b)
	}
}

func TestLoadTimesOutHungInitialization(t *testing.T) {
	cat := newFakeCatalog()
	cat.init["forged.slow"] = func(hc *extension.HostContext) error {
		<-hc.C.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	}
	reg := New(cat, WithInitTimeout(20*time.Millisecond))

	rep := reg.Load(context.Background(), mustPlan(t, desc("forged.slow")))
	out, _ := rep.Outcome("forged.slow")
	if out.Status != StatusFailed || out.Code != xerrors.CodeTimeout {
		t.Fatalf("expected timeout failure, got %+v", out)
	}
}

func TestLoadRecoversPanickingInitialization(t *testing.T) {
	cat := newFakeCatalog()
	cat.init["forged.panic"] = func(*extension.HostContext) error { panic("bad extension") }
	reg := New(cat)

	rep := reg.Load(context.Background(), mustPlan(t, desc("forged.panic"), desc("forged.ok")))
	if diff := cmp.Diff([]string{"forged.ok"}, rep.Active()); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAppliesIsolationPolicy(t *testing.T) {
	cat := newFakeCatalog()
	reg := New(cat, WithSettings(extension.Config{
		Defaults:   extension.IsolationPolicy{DeniedCapabilities: []string{extension.CapabilityExecution}},
		Extensions: map[string]extension.Settings{"forged.off": {Disabled: true}},
	}))
	exec := descriptor.New(descriptor.Spec{
		Name:         "forged.exec",
		Version:      "1.0.0",
		Capabilities: []string{extension.CapabilityExecution},
		Payload:      descriptor.Payload{Ref: "exec"},
	})

	rep := reg.Load(context.Background(), mustPlan(t, exec, desc("forged.off")))
	if len(rep.Active()) != 0 {
		t.Fatalf("nothing should be active, got %v", rep.Active())
	}
	if cat.initCalls("forged.exec") != 0 {
		t.Fatal("policy must be checked before initialization")
	}
}

func TestLoadSkipsRegisteredNames(t *testing.T) {
	cat := newFakeCatalog()
	reg := New(cat)
	reg.Load(context.Background(), mustPlan(t, desc("forged.a")))

	rep := reg.Load(context.Background(), resolver.ResolvePartial(
		[]*descriptor.Descriptor{desc("forged.b", "forged.a")},
		resolver.Installed(reg.Installed()...),
	).Plan)
	if diff := cmp.Diff([]string{"forged.b"}, rep.Active()); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}

	again := reg.Load(context.Background(), mustPlan(t, desc("forged.a")))
	out, _ := again.Outcome("forged.a")
	if !out.Skipped || out.Status != StatusActive {
		t.Fatalf("expected skipped active outcome, got %+v", out)
	}
	if cat.initCalls("forged.a") != 1 {
		t.Fatalf("registered extension must not be initialized twice, got %d", cat.initCalls("forged.a"))
	}
}

func TestGetObservesPendingDuringLoad(t *testing.T) {
	cat := newFakeCatalog()
	started := make(chan struct{})
	release := make(chan struct{})
	cat.init["forged.a"] = func(*extension.HostContext) error {
		close(started)
		<-release
		return nil
	}
	reg := New(cat)

	done := make(chan Report)
	go func() { done <- reg.Load(context.Background(), mustPlan(t, desc("forged.a"), desc("forged.b", "forged.a"))) }()

	<-started
	b, err := reg.Get("forged.b")
	if err != nil || b.Status != StatusPending {
		t.Fatalf("expected pending entry during load, got %+v %v", b, err)
	}
	close(release)
	rep := <-done
	if len(rep.Active()) != 2 {
		t.Fatalf("expected both active, got %+v", rep.Outcomes)
	}
}

func TestUnloadRespectsActiveDependents(t *testing.T) {
	cat := newFakeCatalog()
	d := dispatch.New(dispatch.WithLogger(logger.Discard()))
	reg := New(cat, WithSubscriber(d))
	reg.Load(context.Background(), mustPlan(t, desc("forged.a"), desc("forged.b", "forged.a")))

	before := reg.List()
	err := reg.Unload(context.Background(), "forged.a")
	if !xerrors.HasCode(err, xerrors.CodeDependentsActive) {
		t.Fatalf("expected dependents active, got %v", err)
	}
	after := reg.List()
	if len(before) != len(after) {
		t.Fatal("registry must be unchanged after a rejected unload")
	}
	for i := range before {
		if before[i].Status != after[i].Status || before[i].Name() != after[i].Name() {
			t.Fatalf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}

	if err := reg.Unload(context.Background(), "forged.b"); err != nil {
		t.Fatalf("unload b: %v", err)
	}
	if err := reg.Unload(context.Background(), "forged.a"); err != nil {
		t.Fatalf("unload a: %v", err)
	}
	if _, err := reg.Get("forged.a"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := reg.Unload(context.Background(), "forged.a"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found on second unload, got %v", err)
	}
	if len(d.Subscriptions("start")) != 0 {
		t.Fatal("unload must remove subscriptions")
	}
	if cat.shut["forged.a"] != 1 || cat.shut["forged.b"] != 1 {
		t.Fatalf("expected shutdown once each, got %v", cat.shut)
	}
}

func TestShutdownUnloadsDependentsFirst(t *testing.T) {
	cat := newFakeCatalog()
	var events []string
	reg := New(cat, WithObserver(func(ev Event) {
		if ev.Type == EventUnloaded {
			events = append(events, ev.Extension)
		}
	}))
	reg.Load(context.Background(), mustPlan(t, desc("forged.a"), desc("forged.b", "forged.a"), desc("forged.c", "forged.b")))

	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if diff := cmp.Diff([]string{"forged.c", "forged.b", "forged.a"}, events); diff != "" {
		t.Fatalf("unload order mismatch (-want +got):\n%s", diff)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry should be empty, has %d", reg.Len())
	}
}

func TestObserverSeesEveryTransition(t *testing.T) {
	cat := newFakeCatalog()
	cat.init["forged.a"] = func(*extension.HostContext) error { return errors.New("nope") }
	var count atomic.Int32
	var types []EventType
	reg := New(cat, WithObserver(func(ev Event) {
		count.Add(1)
		types = append(types, ev.Type)
	}))
	reg.Load(context.Background(), mustPlan(t, desc("forged.a"), desc("forged.z")))

	want := []EventType{EventPending, EventPending, EventFailed, EventActivated}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestHostContextExposesActiveDependencies(t *testing.T) {
	cat := newFakeCatalog()
	var sawCore bool
	cat.init["forged.b"] = func(hc *extension.HostContext) error {
		_, sawCore = hc.Dependency("forged.a")
		if hc.Config == nil {
			return errors.New("config must not be nil")
		}
		return nil
	}
	reg := New(cat, WithResource("clock", time.Now))
	rep := reg.Load(context.Background(), mustPlan(t, desc("forged.a"), desc("forged.b", "forged.a")))
	if len(rep.Active()) != 2 || !sawCore {
		t.Fatalf("dependency should be reachable during init: %+v", rep.Outcomes)
	}
}

func TestMatchAndHealth(t *testing.T) {
	cat := newFakeCatalog()
	reg := New(cat)
	reg.Load(context.Background(), mustPlan(t, desc("forged.audit.sink"), desc("forged.audit.source"), desc("other.thing")))

	matched := reg.Match("forged.audit.*")
	if len(matched) != 2 {
		t.Fatalf("expected two matches, got %d", len(matched))
	}
	health := reg.Health(context.Background())
	if len(health) != 3 {
		t.Fatalf("expected health for every active extension, got %v", health)
	}
	for name, err := range health {
		if err != nil {
			t.Fatalf("%s unhealthy: %v", name, err)
		}
	}
}
