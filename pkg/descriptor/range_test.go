package descriptor

import "testing"

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.String() != "1.4.0" || v.Major() != 1 || v.Minor() != 4 || v.Patch() != 0 {
		t.Fatalf("unexpected version %s (%d.%d.%d)", v, v.Major(), v.Minor(), v.Patch())
	}
	pre := MustParseVersion("v2.0.0-rc.1")
	if pre.Prerelease() != "-rc.1" {
		t.Fatalf("unexpected prerelease %q", pre.Prerelease())
	}
	if pre.Compare(MustParseVersion("2.0.0")) >= 0 {
		t.Fatal("prerelease must sort before the release")
	}
	if _, err := ParseVersion("1.2.3.4"); err == nil {
		t.Fatal("expected four-part version to be rejected")
	}
}

func TestRangeContains(t *testing.T) {
	cases := []struct {
		rng     string
		version string
		want    bool
	}{
		{"", "0.0.1", true},
		{"*", "9.9.9", true},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		{"=1.2.3", "1.2.3", true},
		{"!=1.2.3", "1.2.3", false},
		{">=1.0.0, <2.0.0", "1.9.9", true},
		{">=1.0.0, <2.0.0", "2.0.0", false},
		{">= 1.0.0 < 2.0.0", "1.5.0", true},
		{">1.0.0", "1.0.0", false},
		{"<=1.0.0", "1.0.0", true},
		{"^1.2.3", "1.9.0", true},
		{"^1.2.3", "2.0.0", false},
		{"^1.2.3", "1.2.2", false},
		{"^0.2.3", "0.2.9", true},
		{"^0.2.3", "0.3.0", false},
		{"^0.0.3", "0.0.4", false},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
	}
	for _, tc := range cases {
		r, err := ParseRange(tc.rng)
		if err != nil {
			t.Fatalf("parse range %q: %v", tc.rng, err)
		}
		if got := r.Contains(MustParseVersion(tc.version)); got != tc.want {
			t.Errorf("%q contains %s = %v, want %v", tc.rng, tc.version, got, tc.want)
		}
	}
}

func TestParseRangeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{">=x", "^", "1.0.0 - 2.0.0"} {
		if _, err := ParseRange(raw); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}
