package descriptor

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	xerrors "Forged-Core/internal/errors"
)

// PayloadKind selects how the loadable unit of an extension is acquired.
type PayloadKind string

const (
	// PayloadNative extensions are compiled into the host and looked up by ref.
	PayloadNative PayloadKind = "native"
	// PayloadGoPlugin extensions are shared objects opened with the plugin package.
	PayloadGoPlugin PayloadKind = "goplugin"
	// PayloadRemote extensions are proxied over HTTP to the ref URL.
	PayloadRemote PayloadKind = "remote"
)

// Payload is the opaque reference used to obtain the extension instance.
type Payload struct {
	Kind PayloadKind `yaml:"kind" json:"kind"`
	Ref  string      `yaml:"ref" json:"ref"`
}

// DependencySpec declares a dependency on another extension.
type DependencySpec struct {
	Name  string `yaml:"name" json:"name"`
	Range string `yaml:"range,omitempty" json:"range,omitempty"`
}

// EventSpec declares an event subscription installed when the extension loads.
type EventSpec struct {
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority" json:"priority"`
}

// Spec is the mutable manifest record supplied by a descriptor source.
type Spec struct {
	Name         string           `yaml:"name" json:"name"`
	Version      string           `yaml:"version" json:"version"`
	Dependencies []DependencySpec `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Capabilities []string         `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Payload      Payload          `yaml:"payload" json:"payload"`
	Events       []EventSpec      `yaml:"events,omitempty" json:"events,omitempty"`
	Signature    string           `yaml:"signature,omitempty" json:"signature,omitempty"`
	Signer       string           `yaml:"signer,omitempty" json:"signer,omitempty"`
}

// Descriptor is the immutable view of an extension manifest.
type Descriptor struct {
	name         string
	version      string
	dependencies []DependencySpec
	capabilities []string
	payload      Payload
	events       []EventSpec
	signature    []byte
	signatureErr error
	signer       string
	fingerprint  string
}

// New builds an immutable descriptor from spec. Structural problems are
// reported later by Validate and Canonical so that malformed manifests still
// carry a fingerprint for reporting.
func New(spec Spec) *Descriptor {
	d := &Descriptor{
		name:         strings.TrimSpace(spec.Name),
		version:      strings.TrimSpace(spec.Version),
		dependencies: make([]DependencySpec, len(spec.Dependencies)),
		capabilities: normalizeCapabilities(spec.Capabilities),
		payload:      Payload{Kind: spec.Payload.Kind, Ref: strings.TrimSpace(spec.Payload.Ref)},
		events:       make([]EventSpec, len(spec.Events)),
		signer:       strings.TrimSpace(spec.Signer),
	}
	if d.payload.Kind == "" {
		d.payload.Kind = PayloadNative
	}
	for i, dep := range spec.Dependencies {
		d.dependencies[i] = DependencySpec{Name: strings.TrimSpace(dep.Name), Range: strings.TrimSpace(dep.Range)}
	}
	copy(d.events, spec.Events)
	if sig := strings.TrimPrefix(strings.TrimSpace(spec.Signature), "0x"); sig != "" {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			d.signatureErr = err
		} else {
			d.signature = raw
		}
	}
	d.fingerprint = computeFingerprint(d)
	return d
}

// WithSignature returns a copy of d carrying the supplied signature and signer.
func (d *Descriptor) WithSignature(sig []byte, signer string) *Descriptor {
	spec := d.Spec()
	spec.Signature = hex.EncodeToString(sig)
	spec.Signer = signer
	return New(spec)
}

// Spec converts the descriptor back into its manifest form.
func (d *Descriptor) Spec() Spec {
	spec := Spec{
		Name:         d.name,
		Version:      d.version,
		Dependencies: d.Dependencies(),
		Capabilities: d.Capabilities(),
		Payload:      d.payload,
		Events:       d.Events(),
		Signer:       d.signer,
	}
	if len(d.signature) > 0 {
		spec.Signature = hex.EncodeToString(d.signature)
	}
	return spec
}

func (d *Descriptor) Name() string        { return d.name }
func (d *Descriptor) RawVersion() string  { return d.version }
func (d *Descriptor) Payload() Payload    { return d.payload }
func (d *Descriptor) Signer() string      { return d.signer }
func (d *Descriptor) Fingerprint() string { return d.fingerprint }

// Version returns the parsed semantic version.
func (d *Descriptor) Version() (Version, error) {
	return ParseVersion(d.version)
}

// Signature returns a copy of the raw signature bytes.
func (d *Descriptor) Signature() []byte {
	if d.signature == nil {
		return nil
	}
	out := make([]byte, len(d.signature))
	copy(out, d.signature)
	return out
}

// Dependencies returns the declared dependency constraints in declaration order.
func (d *Descriptor) Dependencies() []DependencySpec {
	if len(d.dependencies) == 0 {
		return nil
	}
	out := make([]DependencySpec, len(d.dependencies))
	copy(out, d.dependencies)
	return out
}

// Capabilities returns the sorted capability set.
func (d *Descriptor) Capabilities() []string {
	if len(d.capabilities) == 0 {
		return nil
	}
	out := make([]string, len(d.capabilities))
	copy(out, d.capabilities)
	return out
}

// HasCapability reports whether the descriptor declares capability c.
func (d *Descriptor) HasCapability(c string) bool {
	idx := sort.SearchStrings(d.capabilities, c)
	return idx < len(d.capabilities) && d.capabilities[idx] == c
}

// Events returns the declared event subscriptions.
func (d *Descriptor) Events() []EventSpec {
	if len(d.events) == 0 {
		return nil
	}
	out := make([]EventSpec, len(d.events))
	copy(out, d.events)
	return out
}

// DependsOn reports whether d declares a dependency on name.
func (d *Descriptor) DependsOn(name string) bool {
	for _, dep := range d.dependencies {
		if dep.Name == name {
			return true
		}
	}
	return false
}

// String formats the identity as name@version.
func (d *Descriptor) String() string {
	return d.name + "@" + d.version
}

// Validate checks every field that participates in the canonical encoding.
func (d *Descriptor) Validate() error {
	if d.name == "" {
		return malformed(d, "name is required")
	}
	if !ValidName(d.name) {
		return malformed(d, fmt.Sprintf("name %q is not a dotted namespace", d.name))
	}
	if d.version == "" {
		return malformed(d, "version is required")
	}
	if _, err := ParseVersion(d.version); err != nil {
		return xerrors.Wrap(xerrors.CodeMalformedDescriptor, err, "descriptor "+d.name+" has an invalid version",
			xerrors.WithMetadata("extension", d.name))
	}
	switch d.payload.Kind {
	case PayloadNative, PayloadGoPlugin, PayloadRemote:
	default:
		return malformed(d, fmt.Sprintf("unknown payload kind %q", d.payload.Kind))
	}
	if d.payload.Ref == "" {
		return malformed(d, "payload ref is required")
	}
	seen := make(map[string]struct{}, len(d.dependencies))
	for _, dep := range d.dependencies {
		if !ValidName(dep.Name) {
			return malformed(d, fmt.Sprintf("dependency name %q is not a dotted namespace", dep.Name))
		}
		if dep.Name == d.name {
			return malformed(d, "descriptor cannot depend on itself")
		}
		if _, dup := seen[dep.Name]; dup {
			return malformed(d, fmt.Sprintf("dependency %s declared twice", dep.Name))
		}
		seen[dep.Name] = struct{}{}
		if _, err := ParseRange(dep.Range); err != nil {
			return xerrors.Wrap(xerrors.CodeMalformedDescriptor, err, "descriptor "+d.name+" has an invalid range for "+dep.Name,
				xerrors.WithMetadata("extension", d.name))
		}
	}
	for _, ev := range d.events {
		if strings.TrimSpace(ev.Name) == "" {
			return malformed(d, "event subscription name is required")
		}
	}
	if d.signatureErr != nil {
		return xerrors.Wrap(xerrors.CodeMalformedDescriptor, d.signatureErr, "descriptor "+d.name+" has an undecodable signature",
			xerrors.WithMetadata("extension", d.name))
	}
	return nil
}

func malformed(d *Descriptor, msg string) error {
	label := d.name
	if label == "" {
		label = d.fingerprint
	}
	return xerrors.New(xerrors.CodeMalformedDescriptor, "descriptor "+label+": "+msg,
		xerrors.WithMetadata("extension", d.name))
}

func normalizeCapabilities(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := set[c]; ok {
			continue
		}
		set[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
