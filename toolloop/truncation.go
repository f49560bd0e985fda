package toolloop

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxResultChars bounds the result text placed in an observation.
const DefaultMaxResultChars = 30000

// truncateResult keeps the head and tail of an oversized result so the
// model still sees the shape of the rows. Cuts land on rune boundaries.
func truncateResult(result string, maxChars int) string {
	if maxChars <= 0 || len(result) <= maxChars {
		return result
	}
	half := maxChars / 2
	head := half
	for head > 0 && !utf8.RuneStart(result[head]) {
		head--
	}
	tail := len(result) - half
	for tail < len(result) && !utf8.RuneStart(result[tail]) {
		tail++
	}
	removed := tail - head
	return result[:head] +
		fmt.Sprintf("\n\n[WARNING: the result was truncated. %d bytes were removed from the middle. "+
			"Narrow the query to see specific rows.]\n\n", removed) +
		result[tail:]
}
