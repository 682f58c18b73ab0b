package descriptor

import (
	"fmt"
	"strings"
)

type comparator struct {
	op      string
	version Version
}

// Range is a conjunction of version comparators. The zero value and the
// ranges "" and "*" match every version.
type Range struct {
	raw   string
	terms []comparator
}

// operators are matched longest first.
var operators = []string{">=", "<=", "!=", ">", "<", "=", "^", "~"}

// ParseRange parses a comma or whitespace separated list of comparators:
//
//	>=1.2.0, <2.0.0
//	^1.4
//	~0.3.1
//	1.0.0      (exact)
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	r := Range{raw: s}
	if s == "" || s == "*" {
		return r, nil
	}
	fields := strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == ' ' || c == '\t' })
	// Join dangling operators such as ">= 1.0" back onto their version.
	tokens := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		if isOperator(tok) && i+1 < len(fields) {
			tok += fields[i+1]
			i++
		}
		tokens = append(tokens, tok)
	}
	for _, tok := range tokens {
		op := "="
		for _, candidate := range operators {
			if strings.HasPrefix(tok, candidate) {
				op = candidate
				tok = tok[len(candidate):]
				break
			}
		}
		v, err := ParseVersion(tok)
		if err != nil {
			return Range{}, fmt.Errorf("range %q: %w", s, err)
		}
		r.terms = append(r.terms, comparator{op: op, version: v})
	}
	return r, nil
}

func isOperator(tok string) bool {
	for _, op := range operators {
		if tok == op {
			return true
		}
	}
	return false
}

// Contains reports whether v satisfies every comparator of r.
func (r Range) Contains(v Version) bool {
	for _, term := range r.terms {
		if !term.matches(v) {
			return false
		}
	}
	return true
}

// Any reports whether the range places no constraint on the version.
func (r Range) Any() bool { return len(r.terms) == 0 }

// String returns the range as written.
func (r Range) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

func (c comparator) matches(v Version) bool {
	cmp := v.Compare(c.version)
	switch c.op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "^":
		// ^1.2.3 := >=1.2.3 <2.0.0, ^0.2.3 := >=0.2.3 <0.3.0, ^0.0.3 := =0.0.3
		if cmp < 0 {
			return false
		}
		switch {
		case c.version.major != 0:
			return v.major == c.version.major
		case c.version.minor != 0:
			return v.major == 0 && v.minor == c.version.minor
		default:
			return v.major == 0 && v.minor == 0 && v.patch == c.version.patch
		}
	case "~":
		// ~1.2.3 := >=1.2.3 <1.3.0
		if cmp < 0 {
			return false
		}
		return v.major == c.version.major && v.minor == c.version.minor
	default:
		return false
	}
}
