package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastActionLastWins(t *testing.T) {
	text := "first try\n```exec_sql\nSELECT 1;\n```\nthen\n```exec_sql\nSELECT name FROM funds;\n```\n"
	got, ok := LastAction(text, ActionLabel)
	require.True(t, ok)
	assert.Equal(t, "SELECT name FROM funds;", got)
}

func TestLastActionStripsComments(t *testing.T) {
	text := "```exec_sql\n-- count rows\nSELECT COUNT(*) FROM t -- trailing\n```"
	got, ok := LastAction(text, ActionLabel)
	require.True(t, ok)
	assert.Equal(t, "SELECT COUNT(*) FROM t;", got)
}

func TestLastActionTakesLastStatementOfBlock(t *testing.T) {
	text := "```exec_sql\nSELECT 1;\nSELECT 2;\n```"
	got, ok := LastAction(text, ActionLabel)
	require.True(t, ok)
	assert.Equal(t, "SELECT 2;", got)
}

func TestLastActionMissing(t *testing.T) {
	tests := []string{
		"no block at all",
		"```exec_sql SELECT 1```",
		"```exec_sql\n-- only a comment\n```",
		"```sql\nSELECT 1;\n```",
	}
	for _, text := range tests {
		_, ok := LastAction(text, ActionLabel)
		assert.False(t, ok, text)
	}
}

func TestCountActions(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"nothing", 0},
		{"```exec_sql\nSELECT 1;\n```", 1},
		{"```exec_sql\nSELECT 1;\nSELECT 2\n```", 2},
		{"```exec_sql\nSELECT 1;\n```\n```exec_sql\nSHOW TABLES;\n```", 2},
		{"```exec_sql\nSELECT 1; -- ; not a statement\n```", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CountActions(tt.text, ActionLabel), tt.text)
	}
}

func TestActions(t *testing.T) {
	text := "```exec_sql\nSELECT 1;\nSELECT 2\n```\n```exec_sql\nSHOW TABLES;\n```"
	assert.Equal(t, []string{"SELECT 1;", "SELECT 2;", "SHOW TABLES;"}, Actions(text, ActionLabel))
}

func TestMentionsAction(t *testing.T) {
	assert.True(t, MentionsAction("```exec_sql SELECT 1```", ActionLabel, "SELECT ", "SHOW "))
	assert.False(t, MentionsAction("SELECT 1", ActionLabel, "SELECT "))
	assert.False(t, MentionsAction("```exec_sql\nDROP TABLE t\n```", ActionLabel, "SELECT ", "SHOW "))
}

func TestLastJSON(t *testing.T) {
	text := "```json\n[\"a\"]\n```\nactually\n```json\n  [\"b\", \"c\"]  \n```"
	got, ok := LastJSON(text)
	require.True(t, ok)
	assert.Equal(t, `["b", "c"]`, got)

	_, ok = LastJSON("no json")
	assert.False(t, ok)
}
