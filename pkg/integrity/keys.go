// Package integrity verifies that a descriptor was signed by a trusted key.
//
// Signatures are secp256k1 signatures over the Keccak-256 digest of the
// descriptor's canonical encoding. Keys are identified by the address derived
// from the public key, in checksummed hex form.
package integrity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Forged-Core/internal/errors"
)

// KeySet is an immutable set of trusted public keys.
type KeySet struct {
	keys   map[string]*ecdsa.PublicKey
	ids    []string
	digest string
}

// KeyID returns the identifier of pub.
func KeyID(pub *ecdsa.PublicKey) string {
	return crypto.PubkeyToAddress(*pub).Hex()
}

// NormalizeKeyID accepts an identifier in any hex case and returns its
// checksummed form. Ill-formed identifiers are returned trimmed.
func NormalizeKeyID(id string) string {
	id = strings.TrimSpace(id)
	if !common.IsHexAddress(id) {
		return id
	}
	return common.HexToAddress(id).Hex()
}

// NewKeySet builds a key set from public keys. Duplicates collapse.
func NewKeySet(pubs ...*ecdsa.PublicKey) *KeySet {
	ks := &KeySet{keys: make(map[string]*ecdsa.PublicKey, len(pubs))}
	for _, pub := range pubs {
		if pub == nil {
			continue
		}
		ks.keys[KeyID(pub)] = pub
	}
	ks.ids = make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		ks.ids = append(ks.ids, id)
	}
	sort.Strings(ks.ids)
	ks.digest = crypto.Keccak256Hash([]byte(strings.Join(ks.ids, ","))).Hex()
	return ks
}

// ParseKeySet decodes hex encoded public keys, compressed or uncompressed.
func ParseKeySet(encoded []string) (*KeySet, error) {
	pubs := make([]*ecdsa.PublicKey, 0, len(encoded))
	for i, raw := range encoded {
		pub, err := DecodePublicKey(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("trusted key %d", i))
		}
		pubs = append(pubs, pub)
	}
	return NewKeySet(pubs...), nil
}

// DecodePublicKey parses a hex encoded public key.
func DecodePublicKey(raw string) (*ecdsa.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	switch len(b) {
	case 33:
		return crypto.DecompressPubkey(b)
	case 65:
		return crypto.UnmarshalPubkey(b)
	default:
		return nil, fmt.Errorf("public key has %d bytes, want 33 or 65", len(b))
	}
}

// EncodePublicKey renders pub in compressed hex form.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

// Len returns the number of trusted keys.
func (k *KeySet) Len() int {
	if k == nil {
		return 0
	}
	return len(k.ids)
}

// IDs returns the sorted key identifiers.
func (k *KeySet) IDs() []string {
	if k == nil {
		return nil
	}
	out := make([]string, len(k.ids))
	copy(out, k.ids)
	return out
}

// Lookup returns the key registered under id.
func (k *KeySet) Lookup(id string) (*ecdsa.PublicKey, bool) {
	if k == nil {
		return nil, false
	}
	pub, ok := k.keys[NormalizeKeyID(id)]
	return pub, ok
}

// Digest identifies the set contents. Two sets with the same keys share a
// digest.
func (k *KeySet) Digest() string {
	if k == nil {
		return ""
	}
	return k.digest
}

// candidates returns key ids in the order they should be tried: the declared
// signer first, then every other key in sorted order.
func (k *KeySet) candidates(signer string) []string {
	if k == nil {
		return nil
	}
	signer = NormalizeKeyID(signer)
	out := make([]string, 0, len(k.ids))
	if _, ok := k.keys[signer]; ok {
		out = append(out, signer)
	}
	for _, id := range k.ids {
		if id != signer {
			out = append(out, id)
		}
	}
	return out
}
