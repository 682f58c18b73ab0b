package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/logger"
)

func newTestDispatcher(opts ...Option) *Dispatcher {
	return New(append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(label string, err error) Handler {
	return func(context.Context, string, any) error {
		r.mu.Lock()
		r.calls = append(r.calls, label)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestDispatchOrdersByPriorityThenRegistration(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	for _, sub := range []Subscription{
		{Event: "start", Extension: "first-five", Priority: 5, Handler: rec.handler("first-five", nil)},
		{Event: "start", Extension: "one", Priority: 1, Handler: rec.handler("one", nil)},
		{Event: "start", Extension: "second-five", Priority: 5, Handler: rec.handler("second-five", nil)},
	} {
		if err := d.Subscribe(sub); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	res := d.Dispatch(context.Background(), "start", nil)
	want := []string{"one", "first-five", "second-five"}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Fatalf("invocation order mismatch (-want +got):\n%s", diff)
	}
	if res.Count(StatusDelivered) != 3 || res.Err() != nil || res.ID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatchIsolatesHandlerFailures(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	_ = d.Subscribe(Subscription{Event: "tick", Extension: "bad", Priority: 1, Handler: rec.handler("bad", errors.New("boom"))})
	_ = d.Subscribe(Subscription{Event: "tick", Extension: "panicky", Priority: 2, Handler: func(context.Context, string, any) error { panic("oops") }})
	_ = d.Subscribe(Subscription{Event: "tick", Extension: "good", Priority: 3, Handler: rec.handler("good", nil)})

	res := d.Dispatch(context.Background(), "tick", 42)
	if diff := cmp.Diff([]string{"bad", "good"}, rec.seen()); diff != "" {
		t.Fatalf("remaining handlers must run (-want +got):\n%s", diff)
	}
	failures := res.Failures()
	if len(failures) != 2 || failures[0].Extension != "bad" || failures[1].Extension != "panicky" {
		t.Fatalf("unexpected failures %+v", failures)
	}
	if !xerrors.HasCode(failures[0].Err(), xerrors.CodeHandlerFailed) {
		t.Fatalf("expected handler failed code, got %v", failures[0].Err())
	}
	if res.Err() != nil {
		t.Fatal("handler failures must not fail the dispatch")
	}
}

func TestDispatchCancellationSkipsRemainingHandlers(t *testing.T) {
	d := newTestDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	_ = d.Subscribe(Subscription{Event: "stop", Extension: "a", Priority: 1, Handler: func(context.Context, string, any) error {
		rec.handler("a", nil)(ctx, "", nil)
		cancel()
		return nil
	}})
	_ = d.Subscribe(Subscription{Event: "stop", Extension: "b", Priority: 2, Handler: rec.handler("b", nil)})
	_ = d.Subscribe(Subscription{Event: "stop", Extension: "c", Priority: 3, Handler: rec.handler("c", nil)})

	res := d.Dispatch(ctx, "stop", nil)
	if diff := cmp.Diff([]string{"a"}, rec.seen()); diff != "" {
		t.Fatalf("only the started handler should run (-want +got):\n%s", diff)
	}
	if res.Count(StatusDelivered) != 1 || res.Count(StatusSkipped) != 2 {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", res.Err())
	}
}

func TestSubscriptionChangesDuringDispatchAreQueued(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	_ = d.Subscribe(Subscription{Event: "start", Extension: "a", Priority: 1, Handler: func(ctx context.Context, event string, payload any) error {
		if err := d.Subscribe(Subscription{Event: "start", Extension: "late", Priority: 0, Handler: rec.handler("late", nil)}); err != nil {
			return err
		}
		d.Unsubscribe("start", "b")
		if d.Pending() != 2 {
			t.Errorf("expected two queued mutations, got %d", d.Pending())
		}
		return rec.handler("a", nil)(ctx, event, payload)
	}})
	_ = d.Subscribe(Subscription{Event: "start", Extension: "b", Priority: 2, Handler: rec.handler("b", nil)})

	res := d.Dispatch(context.Background(), "start", nil)
	if len(res.Outcomes) != 2 {
		t.Fatalf("snapshot size must be fixed for the dispatch, got %d outcomes", len(res.Outcomes))
	}
	if diff := cmp.Diff([]string{"a", "b"}, rec.seen()); diff != "" {
		t.Fatalf("first dispatch mismatch (-want +got):\n%s", diff)
	}
	if d.Pending() != 0 {
		t.Fatal("queued mutations must apply once the dispatch completes")
	}

	rec.calls = nil
	d.Dispatch(context.Background(), "start", nil)
	if diff := cmp.Diff([]string{"late", "a"}, rec.seen()); diff != "" {
		t.Fatalf("second dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestQueuedChangesApplyWhenTheirEventFinishes(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	noop := func(context.Context, string, any) error { return nil }
	entered := make(chan struct{})
	release := make(chan struct{})
	_ = d.Subscribe(Subscription{Event: "sync", Extension: "slow", Handler: func(context.Context, string, any) error {
		close(entered)
		<-release
		return nil
	}})
	_ = d.Subscribe(Subscription{Event: "tick", Extension: "a", Handler: func(context.Context, string, any) error {
		return d.Subscribe(Subscription{Event: "tick", Extension: "late", Priority: 1, Handler: noop})
	}})

	done := make(chan Result, 1)
	go func() { done <- d.Dispatch(ctx, "sync", nil) }()
	<-entered

	d.Dispatch(ctx, "tick", nil)
	names := func(event string) []string {
		var out []string
		for _, s := range d.Subscriptions(event) {
			out = append(out, s.Extension)
		}
		return out
	}
	if diff := cmp.Diff([]string{"a", "late"}, names("tick")); diff != "" {
		t.Fatalf("a long dispatch of another event must not hold back tick changes (-want +got):\n%s", diff)
	}

	_ = d.Subscribe(Subscription{Event: "sync", Extension: "queued", Handler: noop})
	d.UnsubscribeAll("a")
	if d.Pending() != 1 {
		t.Fatalf("only the sync subscription should wait, got %d queued", d.Pending())
	}
	if diff := cmp.Diff([]string{"late"}, names("tick")); diff != "" {
		t.Fatalf("unsubscribe of an idle event should apply at once (-want +got):\n%s", diff)
	}

	close(release)
	if res := <-done; len(res.Outcomes) != 1 {
		t.Fatalf("sync snapshot must stay fixed, got %+v", res.Outcomes)
	}
	if d.Pending() != 0 {
		t.Fatalf("sync queue should drain when its dispatch finishes, got %d", d.Pending())
	}
	if diff := cmp.Diff([]string{"slow", "queued"}, names("sync")); diff != "" {
		t.Fatalf("sync subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestMiddlewareTransformsAndAborts(t *testing.T) {
	d := newTestDispatcher()
	var got any
	_ = d.Subscribe(Subscription{Event: "save", Extension: "sink", Handler: func(_ context.Context, _ string, payload any) error {
		got = payload
		return nil
	}})
	d.Use(func(_ context.Context, _ string, payload any) (any, error) {
		return payload.(int) * 2, nil
	})
	d.Use(func(_ context.Context, _ string, payload any) (any, error) {
		if payload.(int) > 100 {
			return nil, errors.New("payload too large")
		}
		return payload.(int) + 1, nil
	})

	if res := d.Dispatch(context.Background(), "save", 10); res.Err() != nil || got != 21 {
		t.Fatalf("unexpected delivery %v (%v)", got, res.Err())
	}

	got = nil
	res := d.Dispatch(context.Background(), "save", 60)
	if !xerrors.HasCode(res.Err(), xerrors.CodeHandlerFailed) || got != nil {
		t.Fatalf("middleware error must abort delivery, got %v (%v)", got, res.Err())
	}
	if res.Count(StatusSkipped) != 1 {
		t.Fatalf("subscribers should be reported skipped, got %+v", res.Outcomes)
	}
}

func TestFilterSuppressesDelivery(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	_ = d.Subscribe(Subscription{
		Event:     "audit",
		Extension: "errors-only",
		Handler:   rec.handler("errors-only", nil),
		Filter:    func(_ string, payload any) bool { return payload == "error" },
	})

	res := d.Dispatch(context.Background(), "audit", "info")
	if res.Count(StatusFiltered) != 1 || len(rec.seen()) != 0 {
		t.Fatalf("expected filtered outcome, got %+v", res.Outcomes)
	}
	d.Dispatch(context.Background(), "audit", "error")
	if len(rec.seen()) != 1 {
		t.Fatal("matching payload should be delivered")
	}
}

func TestUnsubscribeAllAndObservers(t *testing.T) {
	var observed []string
	d := newTestDispatcher(WithObserver(func(r Result) { observed = append(observed, r.Event) }))
	noop := func(context.Context, string, any) error { return nil }
	_ = d.Subscribe(Subscription{Event: "start", Extension: "x", Handler: noop})
	_ = d.Subscribe(Subscription{Event: "stop", Extension: "x", Handler: noop})
	_ = d.Subscribe(Subscription{Event: "stop", Extension: "y", Handler: noop})

	d.UnsubscribeAll("x")
	if diff := cmp.Diff([]string{"stop"}, d.Events()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	d.Dispatch(context.Background(), "stop", nil)
	d.Dispatch(context.Background(), "unknown", nil)
	if diff := cmp.Diff([]string{"stop", "unknown"}, observed); diff != "" {
		t.Fatalf("observer mismatch (-want +got):\n%s", diff)
	}

	if err := d.Subscribe(Subscription{Event: "start"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
