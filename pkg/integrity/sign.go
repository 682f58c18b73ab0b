package integrity

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
)

// GenerateKey creates a new signing key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// EncodePrivateKey renders priv as hex.
func EncodePrivateKey(priv *ecdsa.PrivateKey) string {
	return fmt.Sprintf("%x", crypto.FromECDSA(priv))
}

// DecodePrivateKey parses a hex encoded private key.
func DecodePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode private key")
	}
	return priv, nil
}

// Sign returns a copy of d carrying a signature by priv over its canonical
// digest. Malformed descriptors cannot be signed.
func Sign(d *descriptor.Descriptor, priv *ecdsa.PrivateKey) (*descriptor.Descriptor, error) {
	digest, err := d.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign descriptor")
	}
	return d.WithSignature(sig, KeyID(&priv.PublicKey)), nil
}
