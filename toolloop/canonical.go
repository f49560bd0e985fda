package toolloop

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Canonical normalizes an action so that trivially different spellings of
// the same query share a cache entry: runs of whitespace collapse to one
// space and trailing semicolons are dropped. Letter case is kept because
// string literals are case sensitive.
func Canonical(action string) string {
	s := strings.Join(strings.Fields(action), " ")
	return strings.TrimRight(s, "; ")
}

// signature is a short stable identifier for a canonical action.
func signature(canonical string) string {
	h := sha256.Sum256([]byte(canonical))
	return fmt.Sprintf("sql:%x", h[:8])
}

// cache remembers the observation produced for each canonical action within
// one run.
type cache map[string]string

func (c cache) lookup(action string) (string, bool) {
	v, ok := c[signature(Canonical(action))]
	return v, ok
}

func (c cache) store(action, result string) {
	c[signature(Canonical(action))] = result
}
