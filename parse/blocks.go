// Package parse extracts structured payloads from free-form model output.
//
// Every convention the agents rely on lives here: labelled fenced blocks
// (```exec_sql, ```json), the CALL_AGENT: dispatch payload, the
// "Final Answer is:" termination marker and <think> reasoning blocks. When a
// label occurs more than once, the last occurrence wins.
package parse

import (
	"regexp"
	"strings"
	"sync"
)

// ActionLabel is the fence label of an executable SQL block.
const ActionLabel = "exec_sql"

var (
	blockPatterns   sync.Map // label -> *regexp.Regexp
	lineCommentExpr = regexp.MustCompile(`(?m)--.*$`)
	jsonBlockExpr   = regexp.MustCompile("(?s)```json(.*?)```")
)

func blockPattern(label string) *regexp.Regexp {
	if re, ok := blockPatterns.Load(label); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(label) + `\s+(.*?)\s+` + "```")
	actual, _ := blockPatterns.LoadOrStore(label, re)
	return actual.(*regexp.Regexp)
}

// Blocks returns the bodies of every ```label fenced block, in order.
func Blocks(text, label string) []string {
	matches := blockPattern(label).FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// statements strips line comments and splits a block on semicolons.
func statements(block string) []string {
	block = lineCommentExpr.ReplaceAllString(block, "")
	var out []string
	for _, stmt := range strings.Split(block, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Actions returns every statement across all ```label blocks, comments
// removed, each terminated with a semicolon.
func Actions(text, label string) []string {
	var out []string
	for _, block := range Blocks(text, label) {
		for _, stmt := range statements(block) {
			out = append(out, stmt+";")
		}
	}
	return out
}

// CountActions returns the number of statements across all ```label blocks.
func CountActions(text, label string) int {
	n := 0
	for _, block := range Blocks(text, label) {
		n += len(statements(block))
	}
	return n
}

// LastAction returns the last statement of the last ```label block.
func LastAction(text, label string) (string, bool) {
	blocks := Blocks(text, label)
	if len(blocks) == 0 {
		return "", false
	}
	stmts := statements(strings.TrimSpace(blocks[len(blocks)-1]))
	if len(stmts) == 0 {
		return "", false
	}
	return stmts[len(stmts)-1] + ";", true
}

// MentionsAction reports whether text opens a ```label block and contains
// at least one of the keywords. It flags responses that tried to act but
// may not have produced a parseable block.
func MentionsAction(text, label string, keywords ...string) bool {
	if !strings.Contains(text, "```"+label) {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// LastJSON returns the trimmed body of the last ```json block.
func LastJSON(text string) (string, bool) {
	matches := jsonBlockExpr.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return strings.TrimSpace(matches[len(matches)-1][1]), true
}
