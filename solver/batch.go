package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/martinemde/sqlcrew/config"
	"github.com/martinemde/sqlcrew/store"
)

// Item is one question in a question file.
type Item struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// Team is a group of questions that share conversational context.
type Team struct {
	TID   string `json:"tid"`
	Items []Item `json:"team"`
}

// ReadTeams loads a question file.
func ReadTeams(path string) ([]Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	var teams []Team
	if err := json.Unmarshal(data, &teams); err != nil {
		return nil, fmt.Errorf("parse questions %s: %w", path, err)
	}
	return teams, nil
}

// WriteTeams writes teams as indented JSON, creating the directory.
func WriteTeams(path string, teams []Team) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(teams); err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write answers: %w", err)
	}
	return nil
}

// Report summarises a batch.
type Report struct {
	Answered int
	Skipped  int
	// Failed maps a team ID to the error that stopped it.
	Failed map[string]error
	// Usage sums usage tokens per component over the answered questions.
	Usage map[string]int
}

// Total returns the tokens spent across all components.
func (r *Report) Total() int {
	n := 0
	for _, v := range r.Usage {
		n += v
	}
	return n
}

func (r *Report) add(rec *store.Record) {
	r.Answered++
	for k, v := range rec.UsageTokens {
		r.Usage[k] += v
	}
}

// window is the inclusive [start, end] range of a batch in team and
// question coordinates.
type window struct {
	startTeam, startQuestion int
	endTeam, endQuestion     int
}

func newWindow(b config.Batch, teams []Team) window {
	w := window{startTeam: b.StartTeam, startQuestion: b.StartQuestion, endTeam: b.EndTeam, endQuestion: b.EndQuestion}
	if w.endTeam < 0 || w.endTeam >= len(teams) {
		w.endTeam = len(teams) - 1
	}
	if w.endQuestion < 0 && w.endTeam >= 0 {
		w.endQuestion = len(teams[w.endTeam].Items) - 1
	}
	return w
}

// skip reports whether the question precedes the window and is only
// replayed into the team's context.
func (w window) skip(team, question int) bool {
	return team == w.startTeam && question < w.startQuestion
}

// past reports whether the question follows the window.
func (w window) past(team, question int) bool {
	return team == w.endTeam && question > w.endQuestion
}

// Batch answers the questions of teams inside the window b describes,
// writing answers back into teams. Teams run concurrently on b.Workers
// workers; questions inside a team run in order. A failing question stops
// its team, which is reported in Report.Failed.
func (s *Solver) Batch(ctx context.Context, teams []Team, b config.Batch) (*Report, error) {
	report := &Report{Failed: make(map[string]error), Usage: make(map[string]int)}
	w := newWindow(b, teams)
	if w.startTeam > w.endTeam {
		return report, nil
	}
	workers := max(b.Workers, 1)

	var mu sync.Mutex
	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ti := range jobs {
				recs, skipped, err := s.runTeam(ctx, teams, ti, w)
				mu.Lock()
				report.Skipped += skipped
				for _, rec := range recs {
					report.add(rec)
				}
				if err != nil {
					report.Failed[teamID(teams[ti], ti)] = err
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for ti := w.startTeam; ti <= w.endTeam; ti++ {
		select {
		case jobs <- ti:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	s.logger.Info("batch finished", "answered", report.Answered, "skipped", report.Skipped,
		"failed", len(report.Failed), "tokens", report.Total())
	return report, ctx.Err()
}

func teamID(t Team, index int) string {
	if t.TID != "" {
		return t.TID
	}
	return fmt.Sprint(index)
}

// runTeam answers one team's questions in order.
func (s *Solver) runTeam(ctx context.Context, teams []Team, ti int, w window) ([]*store.Record, int, error) {
	team := &teams[ti]
	id := teamID(*team, ti)
	logger := s.logger.With("team", id)
	logger.Info("processing team", "index", ti)

	sess := &Session{Team: id}
	var (
		recs    []*store.Record
		skipped int
	)
	for qi := range team.Items {
		item := &team.Items[qi]
		if w.past(ti, qi) {
			break
		}
		if w.skip(ti, qi) {
			s.replay(ctx, sess, item)
			skipped++
			logger.Info("skipped", "question_id", item.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return recs, skipped, err
		}
		rec, err := s.Answer(ctx, sess, Question{ID: item.ID, Team: id, Position: qi, Text: item.Question})
		if err != nil {
			logger.Error("team stopped", "question_id", item.ID, "error", err)
			return recs, skipped, err
		}
		item.Answer = rec.Answer
		recs = append(recs, rec)
	}
	logger.Info("team completed", "index", ti)
	return recs, skipped, nil
}

// replay restores an already answered question into sess, preferring the
// stored record for its facts and result summaries.
func (s *Solver) replay(ctx context.Context, sess *Session, item *Item) {
	if s.store != nil {
		rec, err := s.store.Get(ctx, item.ID)
		switch {
		case err == nil:
			if item.Answer == "" {
				item.Answer = rec.Answer
			}
			if len(rec.Facts) > 0 {
				sess.Facts = rec.Facts
			}
			if len(rec.SQLResults) > 0 {
				sess.SQLResults = rec.SQLResults
			}
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("load record failed", "question_id", item.ID, "error", err)
		}
	}
	sess.Remember(s.Normalize(item.Question), item.Answer)
}
