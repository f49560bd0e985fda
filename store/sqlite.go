// Package store persists answered questions in SQLite so that a batch can be
// resumed and a team's facts carried into later runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// Record is one answered question. Position orders records inside a team.
type Record struct {
	ID                string         `json:"id"`
	Team              string         `json:"team"`
	Position          int            `json:"position"`
	Question          string         `json:"question"`
	Answer            string         `json:"answer"`
	RewrittenQuestion string         `json:"rewrittenQuestion,omitempty"`
	Facts             []string       `json:"facts,omitempty"`
	SQLResults        []string       `json:"sqlResults,omitempty"`
	UsageTokens       map[string]int `json:"usageTokens,omitempty"`
	Elapsed           string         `json:"elapsed,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// SQLite stores Records in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Concurrent batch workers share one file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id                 TEXT PRIMARY KEY,
			team               TEXT NOT NULL,
			position           INTEGER NOT NULL DEFAULT 0,
			question           TEXT NOT NULL,
			answer             TEXT NOT NULL DEFAULT '',
			rewritten_question TEXT NOT NULL DEFAULT '',
			facts              TEXT NOT NULL DEFAULT '[]',
			sql_results        TEXT NOT NULL DEFAULT '[]',
			usage_tokens       TEXT NOT NULL DEFAULT '{}',
			elapsed            TEXT NOT NULL DEFAULT '',
			updated_at         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS records_team ON records (team, position);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save inserts r or replaces the record with the same ID.
func (s *SQLite) Save(ctx context.Context, r *Record) error {
	if r.ID == "" {
		return errors.New("save record: empty id")
	}
	facts, err := json.Marshal(nonNil(r.Facts))
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}
	results, err := json.Marshal(nonNil(r.SQLResults))
	if err != nil {
		return fmt.Errorf("marshal sql results: %w", err)
	}
	usage := r.UsageTokens
	if usage == nil {
		usage = map[string]int{}
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal usage tokens: %w", err)
	}
	r.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, team, position, question, answer, rewritten_question,
			facts, sql_results, usage_tokens, elapsed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team = excluded.team,
			position = excluded.position,
			question = excluded.question,
			answer = excluded.answer,
			rewritten_question = excluded.rewritten_question,
			facts = excluded.facts,
			sql_results = excluded.sql_results,
			usage_tokens = excluded.usage_tokens,
			elapsed = excluded.elapsed,
			updated_at = excluded.updated_at`,
		r.ID, r.Team, r.Position, r.Question, r.Answer, r.RewrittenQuestion,
		string(facts), string(results), string(usageJSON), r.Elapsed,
		r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, team, position, question, answer, rewritten_question,
	facts, sql_results, usage_tokens, elapsed, updated_at FROM records`

// Get returns the record with the given ID.
func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
}

// LastForTeam returns the team's record with the highest position.
func (s *SQLite) LastForTeam(ctx context.Context, team string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		selectColumns+" WHERE team = ? ORDER BY position DESC, updated_at DESC LIMIT 1", team))
}

// ListTeam returns the team's records in position order.
func (s *SQLite) ListTeam(ctx context.Context, team string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" WHERE team = ? ORDER BY position", team)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                              Record
		facts, results, usage, updated string
	)
	err := row.Scan(&r.ID, &r.Team, &r.Position, &r.Question, &r.Answer, &r.RewrittenQuestion,
		&facts, &results, &usage, &r.Elapsed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(facts), &r.Facts); err != nil {
		return nil, fmt.Errorf("unmarshal facts: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &r.SQLResults); err != nil {
		return nil, fmt.Errorf("unmarshal sql results: %w", err)
	}
	if err := json.Unmarshal([]byte(usage), &r.UsageTokens); err != nil {
		return nil, fmt.Errorf("unmarshal usage tokens: %w", err)
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
