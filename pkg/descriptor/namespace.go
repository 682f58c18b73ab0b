package descriptor

import (
	"regexp"
	"strings"
)

var namespacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// ValidName reports whether name is a dotted namespace such as "forged.events.audit".
func ValidName(name string) bool {
	return namespacePattern.MatchString(name)
}

// MatchName matches a dotted name against a pattern where "*" matches exactly
// one segment and a trailing "**" matches one or more remaining segments.
func MatchName(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "**" {
		return name != ""
	}
	pp := strings.Split(pattern, ".")
	np := strings.Split(name, ".")
	for i, seg := range pp {
		if seg == "**" && i == len(pp)-1 {
			return len(np) > i
		}
		if i >= len(np) {
			return false
		}
		if seg != "*" && seg != np[i] {
			return false
		}
	}
	return len(pp) == len(np)
}
