package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		ID:                "tttt----1----1-1-1",
		Team:              "tttt----1",
		Question:          "天士力在2020年的最大股东是谁？",
		Answer:            "天士力控股集团有限公司",
		RewrittenQuestion: "天士力在2020年的最大股东是谁？",
		Facts:             []string{"天士力的关联信息有:[InnerCode是1474;]"},
		SQLResults:        []string{"Queried: SELECT 1\nResult: [1]"},
		UsageTokens:       map[string]int{"extract_company": 10, "sql_query": 200},
		Elapsed:           "1m 3s",
	}
	require.NoError(t, s.Save(ctx, rec))
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Question, got.Question)
	assert.Equal(t, rec.Answer, got.Answer)
	assert.Equal(t, rec.Facts, got.Facts)
	assert.Equal(t, rec.SQLResults, got.SQLResults)
	assert.Equal(t, rec.UsageTokens, got.UsageTokens)
	assert.Equal(t, "1m 3s", got.Elapsed)
	assert.WithinDuration(t, rec.UpdatedAt, got.UpdatedAt, 0)
}

func TestSaveReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "q1", Team: "t", Question: "q", Answer: "first"}))
	require.NoError(t, s.Save(ctx, &Record{ID: "q1", Team: "t", Question: "q", Answer: "second"}))

	got, err := s.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Answer)
	assert.Empty(t, got.Facts)
	assert.Empty(t, got.UsageTokens)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LastForTeam(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTeamQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*Record{
		{ID: "b-2", Team: "b", Position: 2, Question: "b2"},
		{ID: "a-1", Team: "a", Position: 1, Question: "a1", Facts: []string{"f1"}},
		{ID: "a-0", Team: "a", Position: 0, Question: "a0"},
	} {
		require.NoError(t, s.Save(ctx, r))
	}

	last, err := s.LastForTeam(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-1", last.ID)
	assert.Equal(t, []string{"f1"}, last.Facts)

	recs, err := s.ListTeam(ctx, "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a0", recs[0].Question)
	assert.Equal(t, "a1", recs[1].Question)
}

func TestSaveRequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(context.Background(), &Record{Team: "t"}))
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), &Record{ID: "q", Team: "t", Question: "?"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "?", got.Question)
}
