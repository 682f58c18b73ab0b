package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
)

// Factory creates a native extension instance for d.
type Factory func(d *descriptor.Descriptor) (Extension, error)

// Catalog acquires native extensions compiled into the host, looked up by
// payload ref.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under ref.
func (c *Catalog) Register(ref string, f Factory) error {
	if ref == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "catalog ref cannot be empty")
	}
	if f == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "catalog factory cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[ref]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("catalog ref %s already registered", ref))
	}
	c.factories[ref] = f
	return nil
}

// MustRegister is Register that panics on error. Intended for init-time wiring.
func (c *Catalog) MustRegister(ref string, f Factory) {
	if err := c.Register(ref, f); err != nil {
		panic(err)
	}
}

// Refs lists the registered refs.
func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.factories))
	for ref := range c.factories {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Acquire implements Acquirer.
func (c *Catalog) Acquire(_ context.Context, d *descriptor.Descriptor) (Extension, error) {
	ref := d.Payload().Ref
	c.mu.RLock()
	f, ok := c.factories[ref]
	c.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no native extension registered for ref %s", ref),
			xerrors.WithMetadata("extension", d.Name()))
	}
	ext, err := f(d)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, fmt.Sprintf("factory for ref %s returned nil", ref))
	}
	return ext, nil
}
