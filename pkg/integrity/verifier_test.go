package integrity

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"testing"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/cache"
	"Forged-Core/pkg/descriptor"
)

func testVerifier() *Verifier {
	return NewVerifier(WithAuditLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func sampleDescriptor() *descriptor.Descriptor {
	return descriptor.New(descriptor.Spec{
		Name:         "forged.audit",
		Version:      "1.0.0",
		Dependencies: []descriptor.DependencySpec{{Name: "forged.core", Range: "^1.0.0"}},
		Capabilities: []string{"network"},
		Payload:      descriptor.Payload{Kind: descriptor.PayloadNative, Ref: "audit"},
	})
}

func TestVerifyAcceptsTrustedSignature(t *testing.T) {
	priv := mustKey(t)
	signed, err := Sign(sampleDescriptor(), priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	keys := NewKeySet(&priv.PublicKey)

	res, err := testVerifier().Verify(signed, keys)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Trusted || res.KeyID != KeyID(&priv.PublicKey) || res.Fingerprint != signed.Fingerprint() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestVerifyRejectsTamperedDescriptor(t *testing.T) {
	priv := mustKey(t)
	signed, err := Sign(sampleDescriptor(), priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	keys := NewKeySet(&priv.PublicKey)

	tampered := signed.Spec()
	tampered.Capabilities = append(tampered.Capabilities, "execution")
	if _, err := testVerifier().Verify(descriptor.New(tampered), keys); !xerrors.HasCode(err, xerrors.CodeUntrustedSignature) {
		t.Fatalf("expected untrusted signature for tampered capabilities, got %v", err)
	}

	flipped := signed.Signature()
	flipped[10] ^= 0x01
	if _, err := testVerifier().Verify(signed.WithSignature(flipped, signed.Signer()), keys); !xerrors.HasCode(err, xerrors.CodeUntrustedSignature) {
		t.Fatalf("expected untrusted signature for flipped byte, got %v", err)
	}
}

func TestVerifyFallsBackToOtherKeys(t *testing.T) {
	signer := mustKey(t)
	other := mustKey(t)
	signed, err := Sign(sampleDescriptor(), signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	relabelled := signed.WithSignature(signed.Signature(), KeyID(&other.PublicKey))

	res, err := testVerifier().Verify(relabelled, NewKeySet(&other.PublicKey, &signer.PublicKey))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.KeyID != KeyID(&signer.PublicKey) {
		t.Fatalf("expected the actual signer to be reported, got %s", res.KeyID)
	}
}

func TestVerifyRejectsUnsignedAndUnknownKeys(t *testing.T) {
	priv := mustKey(t)
	v := testVerifier()

	if _, err := v.Verify(sampleDescriptor(), NewKeySet(&priv.PublicKey)); !xerrors.HasCode(err, xerrors.CodeUntrustedSignature) {
		t.Fatalf("expected untrusted for unsigned descriptor, got %v", err)
	}

	signed, _ := Sign(sampleDescriptor(), priv)
	if _, err := v.Verify(signed, NewKeySet(&mustKey(t).PublicKey)); !xerrors.HasCode(err, xerrors.CodeUntrustedSignature) {
		t.Fatalf("expected untrusted for foreign key, got %v", err)
	}
}

func TestVerifyReportsMalformedDescriptor(t *testing.T) {
	bad := descriptor.New(descriptor.Spec{Name: "forged.bad", Version: "not-a-version", Payload: descriptor.Payload{Ref: "x"}})
	res, err := testVerifier().Verify(bad, NewKeySet())
	if !xerrors.HasCode(err, xerrors.CodeMalformedDescriptor) {
		t.Fatalf("expected malformed descriptor, got %v", err)
	}
	if res.Fingerprint == "" {
		t.Fatal("malformed descriptors still carry a fingerprint")
	}
}

func TestVerifyBatchIsolatesFailures(t *testing.T) {
	priv := mustKey(t)
	good, _ := Sign(sampleDescriptor(), priv)
	entries := testVerifier().VerifyBatch([]*descriptor.Descriptor{good, sampleDescriptor()}, NewKeySet(&priv.PublicKey))
	if entries[0].Err != nil || !entries[0].Result.Trusted {
		t.Fatalf("first entry should verify: %+v", entries[0])
	}
	if entries[1].Err == nil {
		t.Fatal("second entry should fail")
	}
}

func TestParseKeySetRoundTrip(t *testing.T) {
	priv := mustKey(t)
	ks, err := ParseKeySet([]string{EncodePublicKey(&priv.PublicKey), "0x" + EncodePublicKey(&priv.PublicKey)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ks.Len() != 1 {
		t.Fatalf("duplicate keys should collapse, got %d", ks.Len())
	}
	if ks.Digest() != NewKeySet(&priv.PublicKey).Digest() {
		t.Fatal("digest must depend only on key contents")
	}
	if _, err := ParseKeySet([]string{"abcd"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	decoded, err := DecodePrivateKey(EncodePrivateKey(priv))
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if KeyID(&decoded.PublicKey) != KeyID(&priv.PublicKey) {
		t.Fatal("private key round trip changed identity")
	}
}

func TestCachedVerifierMemoizesOutcomes(t *testing.T) {
	priv := mustKey(t)
	signed, _ := Sign(sampleDescriptor(), priv)
	keys := NewKeySet(&priv.PublicKey)
	cv := NewCachedVerifier(testVerifier(), cache.New[Result](8))
	ctx := context.Background()

	first, err := cv.Verify(ctx, signed, keys)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := cv.Verify(ctx, signed, keys)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !first.VerifiedAt.Equal(second.VerifiedAt) {
		t.Fatal("second verification should be served from cache")
	}
	if stats := cv.Stats(); stats.Hits != 1 {
		t.Fatalf("expected one cache hit, got %+v", stats)
	}

	if _, err := cv.Verify(ctx, sampleDescriptor(), keys); !xerrors.HasCode(err, xerrors.CodeUntrustedSignature) {
		t.Fatalf("cached untrusted outcome must still surface as an error, got %v", err)
	}
	cv.Forget(ctx, signed, keys)
	if cv.Stats().Size != 1 {
		t.Fatalf("expected only the untrusted entry to remain, got %+v", cv.Stats())
	}
}
