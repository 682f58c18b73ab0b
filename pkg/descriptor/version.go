package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is a parsed semantic version. The zero value is invalid.
type Version struct {
	canonical string
	major     int
	minor     int
	patch     int
}

// ParseVersion accepts "1.2.3", "v1.2.3", "1.2" and "1" (missing parts are zero)
// as well as prerelease suffixes. Build metadata is dropped.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	if !semver.IsValid(s) {
		return Version{}, fmt.Errorf("invalid semantic version %q", strings.TrimPrefix(s, "v"))
	}
	canonical := semver.Canonical(s)
	core := strings.TrimPrefix(canonical, "v")
	if idx := strings.IndexByte(core, '-'); idx >= 0 {
		core = core[:idx]
	}
	parts := strings.Split(core, ".")
	v := Version{canonical: canonical}
	nums := []*int{&v.major, &v.minor, &v.patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version component %q: %w", p, err)
		}
		*nums[i] = n
	}
	return v, nil
}

// MustParseVersion is ParseVersion for constants; it panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) Major() int { return v.major }
func (v Version) Minor() int { return v.minor }
func (v Version) Patch() int { return v.patch }

// Prerelease returns the prerelease suffix including the leading dash.
func (v Version) Prerelease() string { return semver.Prerelease(v.canonical) }

// IsZero reports whether v was never parsed.
func (v Version) IsZero() bool { return v.canonical == "" }

// Compare returns -1, 0 or 1 following semantic version precedence.
func (v Version) Compare(other Version) int {
	return semver.Compare(v.canonical, other.canonical)
}

// String returns the canonical form without the leading "v".
func (v Version) String() string {
	return strings.TrimPrefix(v.canonical, "v")
}
