// Package dispatch delivers named events to subscribed extensions in
// priority order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/logger"
)

// Handler receives an event.
type Handler func(ctx context.Context, event string, payload any) error

// Filter decides whether a subscription receives a given event.
type Filter func(event string, payload any) bool

// Middleware transforms the payload before delivery. An error aborts the
// dispatch.
type Middleware func(ctx context.Context, event string, payload any) (any, error)

// Subscription binds an extension handler to an event. Lower priorities run
// first; ties run in registration order.
type Subscription struct {
	Event     string
	Extension string
	Priority  int
	Handler   Handler
	Filter    Filter

	seq uint64
}

// Seq returns the registration sequence number.
func (s Subscription) Seq() uint64 { return s.seq }

// Status is the per-handler outcome of a dispatch.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusFiltered  Status = "filtered"
)

// HandlerOutcome records what happened to one subscription.
type HandlerOutcome struct {
	Extension string        `json:"extension"`
	Priority  int           `json:"priority"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`

	err error
}

// Err returns the handler error, if any.
func (o HandlerOutcome) Err() error { return o.err }

// Result summarizes one dispatch.
type Result struct {
	ID        string           `json:"id"`
	Event     string           `json:"event"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Outcomes  []HandlerOutcome `json:"outcomes"`
	Error     string           `json:"error,omitempty"`

	err error
}

// Err reports a dispatch level failure: middleware abort or cancellation.
func (r Result) Err() error { return r.err }

// Count returns how many handlers ended with status s.
func (r Result) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Failures returns the outcomes of handlers that failed.
func (r Result) Failures() []HandlerOutcome {
	var out []HandlerOutcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

type mutationKind int

const (
	mutSubscribe mutationKind = iota
	mutUnsubscribe
)

type mutation struct {
	kind      mutationKind
	sub       Subscription
	extension string
}

// Dispatcher owns the subscription set. A mutation of an event that is being
// dispatched is queued per event and applied when the last dispatch of that
// event finishes; dispatches of other events never hold it back.
type Dispatcher struct {
	mu         sync.Mutex
	subs       map[string][]Subscription
	seq        uint64
	inflight   map[string]int
	pending    map[string][]mutation
	middleware []Middleware
	observers  []func(Result)
	log        *slog.Logger
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithObserver registers a callback invoked after every dispatch.
func WithObserver(fn func(Result)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.observers = append(d.observers, fn)
		}
	}
}

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:     make(map[string][]Subscription),
		inflight: make(map[string]int),
		pending:  make(map[string][]mutation),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.Named("dispatch")
	}
	return d
}

// Use appends a middleware to the chain.
func (d *Dispatcher) Use(mw Middleware) {
	if mw == nil {
		return
	}
	d.mu.Lock()
	d.middleware = append(d.middleware, mw)
	d.mu.Unlock()
}

// Subscribe registers sub. The registration order is fixed at call time even
// when the mutation is queued.
func (d *Dispatcher) Subscribe(sub Subscription) error {
	if sub.Event == "" || sub.Extension == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "subscription requires event and extension")
	}
	if sub.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "subscription handler cannot be nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	sub.seq = d.seq
	d.mutateLocked(sub.Event, mutation{kind: mutSubscribe, sub: sub})
	return nil
}

// Unsubscribe removes every subscription of extension to event.
func (d *Dispatcher) Unsubscribe(event, extension string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutateLocked(event, mutation{kind: mutUnsubscribe, extension: extension})
}

// UnsubscribeAll removes every subscription held by extension.
func (d *Dispatcher) UnsubscribeAll(extension string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Cover queued subscriptions as well as applied ones.
	events := make(map[string]struct{})
	for event, list := range d.subs {
		for _, s := range list {
			if s.Extension == extension {
				events[event] = struct{}{}
				break
			}
		}
	}
	for event, queue := range d.pending {
		for _, m := range queue {
			if m.kind == mutSubscribe && m.sub.Extension == extension {
				events[event] = struct{}{}
				break
			}
		}
	}
	for event := range events {
		d.mutateLocked(event, mutation{kind: mutUnsubscribe, extension: extension})
	}
}

func (d *Dispatcher) mutateLocked(event string, m mutation) {
	if d.inflight[event] > 0 {
		d.pending[event] = append(d.pending[event], m)
		return
	}
	d.applyLocked(event, m)
}

func (d *Dispatcher) applyLocked(event string, m mutation) {
	switch m.kind {
	case mutSubscribe:
		list := append(d.subs[event], m.sub)
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].seq < list[j].seq
		})
		d.subs[event] = list
	case mutUnsubscribe:
		d.subs[event] = without(d.subs[event], m.extension)
		if len(d.subs[event]) == 0 {
			delete(d.subs, event)
		}
	}
}

func without(list []Subscription, extension string) []Subscription {
	out := list[:0:0]
	for _, s := range list {
		if s.Extension != extension {
			out = append(out, s)
		}
	}
	return out
}

// Subscriptions returns the applied subscriptions for event in delivery order.
func (d *Dispatcher) Subscriptions(event string) []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Subscription, len(d.subs[event]))
	copy(out, d.subs[event])
	return out
}

// Events lists events with at least one subscription.
func (d *Dispatcher) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subs))
	for event := range d.subs {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// Pending returns the number of queued mutations across all events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.pending {
		n += len(q)
	}
	return n
}

// Dispatch delivers payload to every subscriber of event, one at a time.
// Handler errors and panics are captured per handler. When ctx is cancelled
// the running handler finishes and the remaining ones are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload any) Result {
	d.mu.Lock()
	snapshot := make([]Subscription, len(d.subs[event]))
	copy(snapshot, d.subs[event])
	chain := make([]Middleware, len(d.middleware))
	copy(chain, d.middleware)
	d.inflight[event]++
	d.mu.Unlock()
	defer d.release(event)

	res := Result{ID: uuid.NewString(), Event: event, StartedAt: d.now(), Outcomes: make([]HandlerOutcome, 0, len(snapshot))}
	defer func() {
		res.Duration = d.now().Sub(res.StartedAt)
		for _, fn := range d.observers {
			fn(res)
		}
	}()

	for _, mw := range chain {
		next, err := runMiddleware(ctx, mw, event, payload)
		if err != nil {
			res.err = xerrors.Wrap(xerrors.CodeHandlerFailed, err, "middleware aborted delivery",
				xerrors.WithMetadata("event", event))
			res.Error = res.err.Error()
			for _, sub := range snapshot {
				res.Outcomes = append(res.Outcomes, HandlerOutcome{Extension: sub.Extension, Priority: sub.Priority, Status: StatusSkipped})
			}
			d.log.Warn("dispatch aborted by middleware", "event", event, "error", err)
			return res
		}
		payload = next
	}

	for i, sub := range snapshot {
		if err := ctx.Err(); err != nil {
			res.err = err
			res.Error = err.Error()
			for _, rest := range snapshot[i:] {
				res.Outcomes = append(res.Outcomes, HandlerOutcome{Extension: rest.Extension, Priority: rest.Priority, Status: StatusSkipped})
			}
			break
		}
		out := HandlerOutcome{Extension: sub.Extension, Priority: sub.Priority}
		if sub.Filter != nil && !sub.Filter(event, payload) {
			out.Status = StatusFiltered
			res.Outcomes = append(res.Outcomes, out)
			continue
		}
		start := d.now()
		err := invoke(ctx, sub, event, payload)
		out.Duration = d.now().Sub(start)
		if err != nil {
			out.Status = StatusFailed
			out.err = xerrors.Wrap(xerrors.CodeHandlerFailed, err, fmt.Sprintf("handler %s failed", sub.Extension),
				xerrors.WithMetadata("extension", sub.Extension),
				xerrors.WithMetadata("event", event))
			out.Error = err.Error()
			d.log.Warn("event handler failed", "event", event, "extension", sub.Extension, "error", err)
		} else {
			out.Status = StatusDelivered
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res
}

func (d *Dispatcher) release(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[event]--
	if d.inflight[event] > 0 {
		return
	}
	delete(d.inflight, event)
	pending := d.pending[event]
	delete(d.pending, event)
	for _, m := range pending {
		d.applyLocked(event, m)
	}
}

func invoke(ctx context.Context, sub Subscription, event string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.Handler(ctx, event, payload)
}

func runMiddleware(ctx context.Context, mw Middleware, event string, payload any) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
	}()
	return mw(ctx, event, payload)
}
