package integrity

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/logger"
)

// Result records the outcome of a verification.
type Result struct {
	Fingerprint string    `json:"fingerprint"`
	Trusted     bool      `json:"trusted"`
	KeyID       string    `json:"key_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Err converts an untrusted result back into its error form.
func (r Result) Err() error {
	if r.Trusted {
		return nil
	}
	return xerrors.New(xerrors.CodeUntrustedSignature, r.Reason, xerrors.WithMetadata("fingerprint", r.Fingerprint))
}

// Verifier checks descriptor signatures against a key set. It holds no
// mutable state and is safe for concurrent use.
type Verifier struct {
	now   func() time.Time
	audit *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source used for VerifiedAt.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithAuditLogger overrides the logger receiving trust decisions.
func WithAuditLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.audit = l
		}
	}
}

// NewVerifier constructs a verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if v.audit == nil {
		v.audit = logger.Audit()
	}
	return v
}

// Verify checks that d carries a valid signature by a key in keys. A
// malformed descriptor yields MalformedDescriptor; a missing or mismatching
// signature yields UntrustedSignature. The returned result is populated in
// every case.
func (v *Verifier) Verify(d *descriptor.Descriptor, keys *KeySet) (Result, error) {
	res := Result{Fingerprint: d.Fingerprint(), VerifiedAt: v.now()}

	digest, err := d.Digest()
	if err != nil {
		res.Reason = "malformed descriptor"
		v.record(d, res)
		return res, err
	}

	sig := d.Signature()
	switch {
	case len(sig) == 0:
		res.Reason = "descriptor is unsigned"
	case len(sig) != crypto.SignatureLength && len(sig) != crypto.SignatureLength-1:
		res.Reason = "signature has unexpected length"
	case keys.Len() == 0:
		res.Reason = "no trusted keys configured"
	default:
		for _, id := range keys.candidates(d.Signer()) {
			pub, _ := keys.Lookup(id)
			if crypto.VerifySignature(crypto.FromECDSAPub(pub), digest, sig[:crypto.SignatureLength-1]) {
				res.Trusted = true
				res.KeyID = id
				break
			}
		}
		if !res.Trusted {
			res.Reason = "signature does not match any trusted key"
		}
	}
	v.record(d, res)
	return res, res.Err()
}

func (v *Verifier) record(d *descriptor.Descriptor, res Result) {
	level := slog.LevelInfo
	if !res.Trusted {
		level = slog.LevelWarn
	}
	v.audit.Log(context.Background(), level, "descriptor verification",
		"extension", d.String(),
		"fingerprint", res.Fingerprint,
		"trusted", res.Trusted,
		"key_id", res.KeyID,
		"reason", res.Reason,
	)
}

// BatchEntry is one element of a batch verification.
type BatchEntry struct {
	Descriptor *descriptor.Descriptor
	Result     Result
	Err        error
}

// VerifyBatch verifies every descriptor independently. One failure never
// affects the outcome of another.
func (v *Verifier) VerifyBatch(ds []*descriptor.Descriptor, keys *KeySet) []BatchEntry {
	out := make([]BatchEntry, len(ds))
	for i, d := range ds {
		res, err := v.Verify(d, keys)
		out[i] = BatchEntry{Descriptor: d, Result: res, Err: err}
	}
	return out
}
