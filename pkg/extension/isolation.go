package extension

import (
	"fmt"
	"slices"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
)

// Well known capabilities.
const (
	CapabilityFilesystem = "filesystem"
	CapabilityNetwork    = "network"
	CapabilityExecution  = "execution"
)

// IsolationPolicy governs which capabilities an extension may declare.
type IsolationPolicy struct {
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty" yaml:"allowedCapabilities"`
	DeniedCapabilities  []string `json:"denied_capabilities,omitempty" yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Check rejects descriptors requesting a denied capability, or one outside a
// non-empty allow list.
func (p IsolationPolicy) Check(d *descriptor.Descriptor) error {
	for _, c := range d.Capabilities() {
		if slices.Contains(p.DeniedCapabilities, c) {
			return policyError(d, c, "capability %s is explicitly denied")
		}
		if len(p.AllowedCapabilities) > 0 && !slices.Contains(p.AllowedCapabilities, c) {
			return policyError(d, c, "capability %s not permitted")
		}
	}
	return nil
}

func policyError(d *descriptor.Descriptor, capability, format string) error {
	return xerrors.New(xerrors.CodeInitializationFailed, fmt.Sprintf(format, capability),
		xerrors.WithMetadata("extension", d.Name()),
		xerrors.WithMetadata("capability", capability))
}

// IsolationStrategy enforces security restrictions around an extension's
// lifetime.
type IsolationStrategy interface {
	Validate(d *descriptor.Descriptor, policy IsolationPolicy) error
	Prepare(d *descriptor.Descriptor) error
	Cleanup(d *descriptor.Descriptor) error
}

// NoopIsolation performs only capability validation.
type NoopIsolation struct{}

// Validate implements IsolationStrategy.
func (NoopIsolation) Validate(d *descriptor.Descriptor, policy IsolationPolicy) error {
	return policy.Check(d)
}

// Prepare implements IsolationStrategy.
func (NoopIsolation) Prepare(*descriptor.Descriptor) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolation) Cleanup(*descriptor.Descriptor) error { return nil }
