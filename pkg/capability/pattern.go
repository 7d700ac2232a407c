package capability

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Match reports whether resource matches pattern. '*' matches any run of
// characters, including separators; every other byte matches literally.
func Match(pattern, resource string) bool {
	p, r := 0, 0
	star, mark := -1, 0
	for r < len(resource) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, r
			p++
		case p < len(pattern) && pattern[p] == resource[r]:
			p++
			r++
		case star >= 0:
			p = star + 1
			mark++
			r = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// ValidatePattern rejects patterns that could never be matched reliably.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty resource pattern")
	}
	if strings.ContainsAny(pattern, " \t\r\n") {
		return fmt.Errorf("resource pattern %q contains whitespace", pattern)
	}
	if !norm.NFC.IsNormalString(pattern) {
		return fmt.Errorf("resource pattern %q is not NFC normalized", pattern)
	}
	return nil
}

// Narrower reports whether every resource matched by child is also matched
// by parent. It is conservative: it may return false for some narrower
// patterns, never true for a wider one.
func Narrower(child, parent string) bool {
	if child == parent || parent == "*" {
		return true
	}
	if !strings.Contains(child, "*") {
		return Match(parent, child)
	}
	// A wildcard child is accepted only under a prefix-wildcard parent
	// whose literal prefix it extends.
	if strings.Count(parent, "*") == 1 && strings.HasSuffix(parent, "*") {
		return strings.HasPrefix(child, strings.TrimSuffix(parent, "*"))
	}
	return false
}
