package descriptor

import (
	"encoding/binary"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// canonicalVersion tags the encoding layout.
const canonicalVersion = "forged/descriptor/v1"

// Canonical returns the deterministic byte encoding covered by the signature.
// Fields are length-prefixed; capabilities are already sorted, dependencies
// and events keep their declared order.
func (d *Descriptor) Canonical() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return encode(d), nil
}

// Digest returns the Keccak-256 hash of the canonical encoding.
func (d *Descriptor) Digest() ([]byte, error) {
	raw, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(raw), nil
}

func encode(d *Descriptor) []byte {
	buf := make([]byte, 0, 256)
	buf = appendField(buf, canonicalVersion)
	buf = appendField(buf, d.name)
	buf = appendField(buf, d.version)

	buf = binary.AppendUvarint(buf, uint64(len(d.capabilities)))
	for _, c := range d.capabilities {
		buf = appendField(buf, c)
	}

	buf = binary.AppendUvarint(buf, uint64(len(d.dependencies)))
	for _, dep := range d.dependencies {
		buf = appendField(buf, dep.Name)
		buf = appendField(buf, dep.Range)
	}

	buf = appendField(buf, string(d.payload.Kind))
	buf = appendField(buf, d.payload.Ref)

	buf = binary.AppendUvarint(buf, uint64(len(d.events)))
	for _, ev := range d.events {
		buf = appendField(buf, ev.Name)
		buf = appendField(buf, strconv.Itoa(ev.Priority))
	}
	return buf
}

func appendField(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// computeFingerprint hashes the unvalidated encoding together with the
// signature material.
func computeFingerprint(d *Descriptor) string {
	buf := encode(d)
	buf = binary.AppendUvarint(buf, uint64(len(d.signature)))
	buf = append(buf, d.signature...)
	buf = appendField(buf, d.signer)
	if d.signatureErr != nil {
		buf = appendField(buf, "invalid-signature")
	}
	return crypto.Keccak256Hash(buf).Hex()
}
