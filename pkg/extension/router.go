package extension

import (
	"context"
	"fmt"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
)

// Router selects an acquirer by payload kind.
type Router struct {
	acquirers map[descriptor.PayloadKind]Acquirer
}

// NewRouter creates a router. Nil acquirers are ignored.
func NewRouter(byKind map[descriptor.PayloadKind]Acquirer) *Router {
	r := &Router{acquirers: make(map[descriptor.PayloadKind]Acquirer, len(byKind))}
	for kind, a := range byKind {
		if a != nil {
			r.acquirers[kind] = a
		}
	}
	return r
}

// Handle installs or replaces the acquirer for kind.
func (r *Router) Handle(kind descriptor.PayloadKind, a Acquirer) {
	r.acquirers[kind] = a
}

// Acquire implements Acquirer.
func (r *Router) Acquire(ctx context.Context, d *descriptor.Descriptor) (Extension, error) {
	kind := d.Payload().Kind
	a, ok := r.acquirers[kind]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("no acquirer for payload kind %s", kind),
			xerrors.WithMetadata("extension", d.Name()))
	}
	return a.Acquire(ctx, d)
}
