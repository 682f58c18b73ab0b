package integrity

import (
	"context"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/cache"
	"Forged-Core/pkg/descriptor"
)

// CachedVerifier memoizes verification outcomes by descriptor fingerprint and
// key set digest. Malformed descriptors are not memoized.
type CachedVerifier struct {
	inner *Verifier
	cache *cache.Cache[Result]
}

// NewCachedVerifier wraps inner with c.
func NewCachedVerifier(inner *Verifier, c *cache.Cache[Result]) *CachedVerifier {
	return &CachedVerifier{inner: inner, cache: c}
}

// Key returns the cache key used for d under keys.
func Key(d *descriptor.Descriptor, keys *KeySet) string {
	return d.Fingerprint() + "|" + keys.Digest()
}

// Verify returns the memoized outcome for d, computing it on first use.
func (c *CachedVerifier) Verify(ctx context.Context, d *descriptor.Descriptor, keys *KeySet) (Result, error) {
	res, err := c.cache.GetOrCompute(ctx, Key(d, keys), func(context.Context) (Result, error) {
		res, err := c.inner.Verify(d, keys)
		if xerrors.HasCode(err, xerrors.CodeMalformedDescriptor) {
			return res, err
		}
		return res, nil
	})
	if err != nil {
		return res, err
	}
	return res, res.Err()
}

// Forget drops the memoized outcome for d under keys.
func (c *CachedVerifier) Forget(ctx context.Context, d *descriptor.Descriptor, keys *KeySet) {
	c.cache.Invalidate(ctx, Key(d, keys))
}

// Stats exposes the underlying cache counters.
func (c *CachedVerifier) Stats() cache.Stats {
	return c.cache.Stats()
}
