package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// manifestDocument accepts either a single inline spec or a bundle under "runes".
type manifestDocument struct {
	Spec  `yaml:",inline"`
	Runes []Spec `yaml:"runes"`
}

// DecodeManifest parses one or more YAML documents into specs. Each document
// is either a single manifest or a bundle of the form `runes: [...]`.
func DecodeManifest(data []byte) ([]Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var specs []Spec
	for idx := 0; ; idx++ {
		var doc manifestDocument
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode manifest document %d: %w", idx, err)
		}
		specs = append(specs, doc.Runes...)
		if doc.Name != "" || doc.Payload.Ref != "" {
			specs = append(specs, doc.Spec)
		}
	}
	return specs, nil
}

// EncodeManifest renders specs as a single bundle document.
func EncodeManifest(specs []Spec) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		Runes []Spec `yaml:"runes"`
	}{Runes: specs}); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// FromSpecs builds descriptors for every spec, preserving order.
func FromSpecs(specs []Spec) []*Descriptor {
	out := make([]*Descriptor, len(specs))
	for i, spec := range specs {
		out[i] = New(spec)
	}
	return out
}
