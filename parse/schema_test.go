package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListDecode(t *testing.T) {
	var out []string
	require.NoError(t, StringList.Decode(`["db.a", "db.b"]`, &out))
	assert.Equal(t, []string{"db.a", "db.b"}, out)

	assert.Error(t, StringList.Decode(`{"a": 1}`, &out))
	assert.Error(t, StringList.Decode(`[1, 2]`, &out))
	assert.Error(t, StringList.Decode(`[`, &out))
}

func TestStringListMapDecode(t *testing.T) {
	var out map[string][]string
	require.NoError(t, StringListMap.Decode(`{"db.t": ["a", "b"]}`, &out))
	assert.Equal(t, map[string][]string{"db.t": {"a", "b"}}, out)

	assert.Error(t, StringListMap.Decode(`{"db.t": "a"}`, &out))
}

func TestCompileSchemaInvalid(t *testing.T) {
	_, err := CompileSchema(`{"type": `)
	assert.Error(t, err)
}
