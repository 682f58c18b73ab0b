package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"Forged-Core/pkg/cache"
	"Forged-Core/pkg/descriptor"
)

// CachedResolver memoizes outcomes keyed by the set of input fingerprints.
type CachedResolver struct {
	cache *cache.Cache[Outcome]
}

// NewCached wraps c as a resolution cache.
func NewCached(c *cache.Cache[Outcome]) *CachedResolver {
	return &CachedResolver{cache: c}
}

// SetKey returns the cache key for ds resolved against installed. It does not
// depend on the order of either slice.
func SetKey(ds []*descriptor.Descriptor, installed []*descriptor.Descriptor) string {
	return crypto.Keccak256Hash([]byte(fingerprintSet(ds) + "|" + fingerprintSet(installed))).Hex()
}

func fingerprintSet(ds []*descriptor.Descriptor) string {
	fps := make([]string, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			fps = append(fps, d.Fingerprint())
		}
	}
	sort.Strings(fps)
	return strings.Join(fps, ",")
}

// ResolvePartial returns the memoized outcome for ds, computing it on a miss.
func (c *CachedResolver) ResolvePartial(ctx context.Context, ds []*descriptor.Descriptor, installed []*descriptor.Descriptor) (Outcome, error) {
	return c.cache.GetOrCompute(ctx, SetKey(ds, installed), func(context.Context) (Outcome, error) {
		return ResolvePartial(ds, Installed(installed...)), nil
	})
}

// Resolve is the strict form of ResolvePartial.
func (c *CachedResolver) Resolve(ctx context.Context, ds []*descriptor.Descriptor, installed []*descriptor.Descriptor) (Plan, error) {
	out, err := c.ResolvePartial(ctx, ds, installed)
	if err != nil {
		return Plan{}, err
	}
	if err := out.Err(); err != nil {
		return Plan{}, err
	}
	return out.Plan, nil
}

// Invalidate drops the memoized outcome for ds resolved against installed.
func (c *CachedResolver) Invalidate(ctx context.Context, ds []*descriptor.Descriptor, installed []*descriptor.Descriptor) bool {
	return c.cache.Invalidate(ctx, SetKey(ds, installed))
}
