package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/resolver"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventPending   EventType = "pending"
	EventActivated EventType = "activated"
	EventFailed    EventType = "failed"
	EventUnloaded  EventType = "unloaded"
)

// Event describes one lifecycle transition.
type Event struct {
	Type        EventType    `json:"type"`
	LoadID      string       `json:"load_id,omitempty"`
	Extension   string       `json:"extension"`
	Version     string       `json:"version"`
	Fingerprint string       `json:"fingerprint"`
	Status      Status       `json:"status"`
	Code        xerrors.Code `json:"code,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

// Outcome is the per-extension line of a load report.
type Outcome struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Fingerprint string        `json:"fingerprint"`
	Status      Status        `json:"status"`
	Code        xerrors.Code  `json:"code,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Report is the aggregate result of one Load call, in plan order.
type Report struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcomes  []Outcome     `json:"outcomes"`
}

// Outcome returns the line for name.
func (r Report) Outcome(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// Active returns the names that are Active after the load, in plan order.
func (r Report) Active() []string { return r.names(StatusActive) }

// Failed returns the names that are Failed after the load, in plan order.
func (r Report) Failed() []string { return r.names(StatusFailed) }

func (r Report) names(s Status) []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == s {
			out = append(out, o.Name)
		}
	}
	return out
}

// Load instantiates the plan's extensions strictly in plan order. Each step
// is isolated: a failure marks that extension Failed and loading continues.
// An extension whose dependency is Failed is marked Failed without its
// initialization being attempted. Names already in the registry are skipped
// and keep their current state.
func (r *Registry) Load(ctx context.Context, plan resolver.Plan) Report {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	rep := Report{ID: uuid.NewString(), StartedAt: r.now(), Outcomes: make([]Outcome, 0, len(plan.Steps))}
	defer func() { rep.Duration = r.now().Sub(rep.StartedAt) }()

	fresh := r.insertPending(rep.ID, plan)

	for _, step := range plan.Steps {
		d := step.Descriptor
		out := Outcome{Name: d.Name(), Version: d.RawVersion(), Fingerprint: d.Fingerprint()}

		if !fresh[d.Name()] {
			existing, _ := r.Get(d.Name())
			out.Status, out.Code, out.Reason, out.Skipped = existing.Status, existing.Code, existing.Reason, true
			if existing.Descriptor.Fingerprint() != d.Fingerprint() {
				out.Code = xerrors.CodeConflict
				out.Reason = "a different descriptor is already registered under this name"
			}
			rep.Outcomes = append(rep.Outcomes, out)
			continue
		}

		start := r.now()
		inst, err := r.loadOne(ctx, d)
		out.Duration = r.now().Sub(start)
		if err != nil {
			out.Status, out.Code, out.Reason = StatusFailed, xerrors.CodeOf(err), reasonOf(err)
			r.finish(rep.ID, d, nil, out.Code, out.Reason)
		} else {
			out.Status = StatusActive
			r.finish(rep.ID, d, inst, "", "")
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}

	r.log.Info("load finished", "load_id", rep.ID, "active", len(rep.Active()), "failed", len(rep.Failed()))
	return rep
}

// insertPending registers every new plan step as Pending before any
// initialization runs, so concurrent readers see the whole load.
func (r *Registry) insertPending(loadID string, plan resolver.Plan) map[string]bool {
	fresh := make(map[string]bool, len(plan.Steps))
	now := r.now()
	var added []*descriptor.Descriptor

	r.mu.Lock()
	for _, step := range plan.Steps {
		d := step.Descriptor
		if _, exists := r.entries[d.Name()]; exists {
			continue
		}
		r.seq++
		r.entries[d.Name()] = &entry{desc: d, status: StatusPending, seq: r.seq, updatedAt: now}
		fresh[d.Name()] = true
		added = append(added, d)
	}
	r.mu.Unlock()

	for _, d := range added {
		r.emit(Event{Type: EventPending, LoadID: loadID, Extension: d.Name(), Version: d.RawVersion(), Fingerprint: d.Fingerprint(), Status: StatusPending, At: now})
	}
	return fresh
}

// finish performs the single Pending -> Active|Failed transition.
func (r *Registry) finish(loadID string, d *descriptor.Descriptor, inst extension.Extension, code xerrors.Code, reason string) {
	now := r.now()
	ev := Event{LoadID: loadID, Extension: d.Name(), Version: d.RawVersion(), Fingerprint: d.Fingerprint(), At: now}

	r.mu.Lock()
	e := r.entries[d.Name()]
	if e == nil || e.status != StatusPending {
		r.mu.Unlock()
		return
	}
	e.updatedAt = now
	if inst != nil {
		e.status, e.instance, e.loadedAt = StatusActive, inst, now
	} else {
		e.status, e.code, e.reason = StatusFailed, code, reason
	}
	ev.Status, ev.Code, ev.Reason = e.status, e.code, e.reason
	r.mu.Unlock()

	if inst != nil {
		ev.Type = EventActivated
		r.log.Info("extension active", "extension", d.String())
	} else {
		ev.Type = EventFailed
		r.log.Warn("extension failed", "extension", d.String(), "code", string(code), "reason", reason)
	}
	r.emit(ev)
}

// loadOne runs the checks and the initialization for one Pending entry.
func (r *Registry) loadOne(ctx context.Context, d *descriptor.Descriptor) (extension.Extension, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(d, err)
	}
	if err := r.dependenciesReady(d); err != nil {
		return nil, err
	}
	if r.settings.Disabled(d.Name()) {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, "disabled by configuration",
			xerrors.WithMetadata("extension", d.Name()))
	}
	if err := r.isolation.Validate(d, r.settings.PolicyFor(d.Name())); err != nil {
		return nil, err
	}
	if r.acquirer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, "no payload acquirer configured")
	}

	initCtx, cancel := r.boundedContext(ctx)
	defer cancel()

	inst, err := r.acquirer.Acquire(initCtx, d)
	if err != nil {
		if initCtx.Err() != nil {
			return nil, cancelled(d, initCtx.Err())
		}
		return nil, initFailed(d, err, "acquire payload")
	}
	if err := r.isolation.Prepare(d); err != nil {
		return nil, initFailed(d, err, "prepare isolation")
	}

	hc := extension.NewHostContext(initCtx, d, r.settings.SettingsFor(d.Name()), r.resources,
		logger.ForExtension(d.Name(), d.RawVersion()), r.lookupActive)
	if err := r.initialize(initCtx, inst, hc.Clone()); err != nil {
		_ = r.isolation.Cleanup(d)
		if initCtx.Err() != nil {
			return nil, cancelled(d, initCtx.Err())
		}
		return nil, initFailed(d, err, "initialize")
	}

	if err := r.subscribe(d, inst); err != nil {
		if fin, ok := inst.(extension.Finalizer); ok {
			_ = fin.Shutdown(ctx)
		}
		_ = r.isolation.Cleanup(d)
		return nil, initFailed(d, err, "subscribe")
	}
	return inst, nil
}

func (r *Registry) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.initTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.initTimeout)
}

// dependenciesReady short-circuits extensions whose dependency is not Active.
func (r *Registry) dependenciesReady(d *descriptor.Descriptor) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range d.Dependencies() {
		e, ok := r.entries[dep.Name]
		switch {
		case !ok:
			return xerrors.New(xerrors.CodeUnsatisfiedDependency, fmt.Sprintf("dependency %s is not registered", dep.Name),
				xerrors.WithMetadata("extension", d.Name()), xerrors.WithMetadata("dependency", dep.Name))
		case e.status == StatusFailed:
			return xerrors.New(xerrors.CodeInitializationFailed, fmt.Sprintf("dependency %s failed", dep.Name),
				xerrors.WithMetadata("extension", d.Name()), xerrors.WithMetadata("dependency", dep.Name))
		case e.status != StatusActive:
			return xerrors.New(xerrors.CodeUnsatisfiedDependency, fmt.Sprintf("dependency %s is not active", dep.Name),
				xerrors.WithMetadata("extension", d.Name()), xerrors.WithMetadata("dependency", dep.Name))
		}
	}
	return nil
}

// initialize runs Initialize on its own goroutine so that a hung extension
// cannot hold the load past its deadline. A late return is discarded.
func (r *Registry) initialize(ctx context.Context, inst extension.Extension, hc *extension.HostContext) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- inst.Initialize(hc)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) subscribe(d *descriptor.Descriptor, inst extension.Extension) error {
	if r.subscriber == nil {
		return nil
	}
	for _, ev := range d.Events() {
		err := r.subscriber.Subscribe(dispatch.Subscription{
			Event:     ev.Name,
			Extension: d.Name(),
			Priority:  ev.Priority,
			Handler:   inst.OnEvent,
		})
		if err != nil {
			r.subscriber.UnsubscribeAll(d.Name())
			return err
		}
	}
	return nil
}

func initFailed(d *descriptor.Descriptor, err error, stage string) error {
	if xerrors.HasCode(err, xerrors.CodeInitializationFailed) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeInitializationFailed, err, stage+" failed",
		xerrors.WithMetadata("extension", d.Name()))
}

func cancelled(d *descriptor.Descriptor, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "initialization timed out",
			xerrors.WithMetadata("extension", d.Name()))
	}
	return xerrors.Wrap(xerrors.CodeInitializationFailed, err, "load cancelled",
		xerrors.WithMetadata("extension", d.Name()))
}

// reasonOf renders err without the code prefix used by Error().
func reasonOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		if cause := errors.Unwrap(e); cause != nil {
			return e.Message() + ": " + cause.Error()
		}
		return e.Message()
	}
	return err.Error()
}
