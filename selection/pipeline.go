// Package selection narrows the schema catalog down to the columns a
// question needs, in three model-driven stages: databases, tables, columns.
//
// Every stage asks its Actor for a ```json payload, decodes the last one,
// applies an optional additive Hook and validates the result against the
// catalog. A stage that fails every attempt fails the whole run with a
// *StageError.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/parse"
	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

// DefaultAttempts is the number of tries per stage.
const DefaultAttempts = 3

var (
	// ErrStageExhausted is wrapped by every StageError.
	ErrStageExhausted = errors.New("selection stage exhausted its attempts")

	errNoPayload = errors.New("reply has no ```json block")
)

// Stage names a pipeline stage.
type Stage string

const (
	StageDatabases Stage = "databases"
	StageTables    Stage = "tables"
	StageColumns   Stage = "columns"
)

// StageError reports a stage that never produced a valid choice. Err is the
// failure of the last attempt.
type StageError struct {
	Stage    Stage
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("select %s: no valid choice after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStageExhausted, e.Err}
}

// Config is the immutable configuration of a Pipeline.
type Config struct {
	Name     string
	Attempts int

	DatabaseHook Hook
	TableHook    Hook

	// ImportantColumns are kept in every chosen table.
	ImportantColumns []string
	// ForeignKeyHub tables are always offered with the listed columns.
	ForeignKeyHub map[string][]string
}

// Selection is the outcome of a successful run.
type Selection struct {
	Databases []string
	Tables    []string
	Columns   map[string][]string
	// Structure is the rendered column list for the chosen columns. It
	// carries schema.ColumnListMark.
	Structure string
	Tokens    int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// Pipeline runs the three selection stages. Runs on one Pipeline must not
// overlap.
type Pipeline struct {
	cfg     Config
	actors  Actors
	catalog *schema.Catalog
	logger  *slog.Logger

	mu     sync.Mutex
	tokens int
}

// New creates a Pipeline over catalog.
func New(actors Actors, catalog *schema.Catalog, cfg Config, opts ...Option) *Pipeline {
	if cfg.Name == "" {
		cfg.Name = "check_db_structure"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	p := &Pipeline{cfg: cfg, actors: actors, catalog: catalog}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With("pipeline", cfg.Name)
	return p
}

// Name returns the pipeline's name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// Run selects databases, tables and columns for the conversation in
// messages. Messages that already carry a column list are ignored.
func (p *Pipeline) Run(ctx context.Context, messages []unifiedllm.Message) (Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.run",
		trace.WithAttributes(tracing.StringAttr("pipeline.name", p.cfg.Name)))
	defer span.End()

	var history []unifiedllm.Message
	for _, m := range messages {
		if !containsColumnList(m) {
			history = append(history, m)
		}
	}

	var sel Selection
	defer func() { p.addTokens(sel.Tokens) }()

	tableList, err := runStage(ctx, p, &sel, StageDatabases, p.actors.Databases, history, databasesPrompt,
		func(payload string) (string, error) {
			var dbs []string
			if err := parse.StringList.Decode(payload, &dbs); err != nil {
				return "", err
			}
			if p.cfg.DatabaseHook != nil {
				dbs = p.cfg.DatabaseHook(dbs)
			}
			out, err := p.catalog.TableList(dbs)
			if err != nil {
				return "", err
			}
			sel.Databases = dbs
			return out, nil
		})
	if err != nil {
		tracing.RecordError(span, err)
		return sel, err
	}

	columnList, err := runStage(ctx, p, &sel, StageTables, p.actors.Tables, history, tableList+tablesPrompt,
		func(payload string) (string, error) {
			var tables []string
			if err := parse.StringList.Decode(payload, &tables); err != nil {
				return "", err
			}
			if p.cfg.TableHook != nil {
				tables = p.cfg.TableHook(tables)
			}
			out, err := p.catalog.ColumnList(tables)
			if err != nil {
				return "", err
			}
			sel.Tables = tables
			return out, nil
		})
	if err != nil {
		tracing.RecordError(span, err)
		return sel, err
	}

	structure, err := runStage(ctx, p, &sel, StageColumns, p.actors.Columns, history, columnList+columnsPrompt,
		func(payload string) (string, error) {
			var columns map[string][]string
			if err := parse.StringListMap.Decode(payload, &columns); err != nil {
				return "", err
			}
			out, err := p.catalog.FilterColumnList(sel.Tables, schema.ColumnFilter{
				Selected:  columns,
				Important: p.cfg.ImportantColumns,
				Hub:       p.cfg.ForeignKeyHub,
			})
			if err != nil {
				return "", err
			}
			sel.Columns = columns
			return out, nil
		})
	if err != nil {
		tracing.RecordError(span, err)
		return sel, err
	}

	sel.Structure = structure
	span.SetAttributes(tracing.IntAttr("pipeline.tokens", sel.Tokens))
	tracing.SetOK(span)
	return sel, nil
}

// runStage asks a until accept takes its payload or the attempts run out.
func runStage(ctx context.Context, p *Pipeline, sel *Selection, stage Stage, a *actor.Actor,
	history []unifiedllm.Message, prompt string, accept func(payload string) (string, error),
) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.stage",
		trace.WithAttributes(tracing.StringAttr("stage", string(stage))))
	defer span.End()

	msgs := append(slices.Clone(history), unifiedllm.UserMessage(prompt))
	var lastErr error
	attempt := 0
	for attempt < p.cfg.Attempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		attempt++
		res := a.Chat(ctx, msgs)
		sel.Tokens += res.Tokens
		if !res.OK() {
			lastErr = res.Degraded
		} else if payload, ok := parse.LastJSON(res.Value); !ok {
			lastErr = errNoPayload
		} else {
			out, err := accept(payload)
			if err == nil {
				tracing.SetOK(span)
				return out, nil
			}
			lastErr = err
		}
		p.logger.Debug("stage attempt failed, retrying", "stage", stage, "attempt", attempt, "error", lastErr)
	}
	serr := &StageError{Stage: stage, Attempts: attempt, Err: lastErr}
	p.logger.Warn("stage failed", "stage", stage, "error", serr)
	tracing.RecordError(span, serr)
	return "", serr
}

func containsColumnList(m unifiedllm.Message) bool {
	return strings.Contains(m.TextContent(), schema.ColumnListMark)
}

func (p *Pipeline) addTokens(n int) {
	p.mu.Lock()
	p.tokens += n
	p.mu.Unlock()
}

// UsageTokens returns the tokens spent since the last ClearHistory.
func (p *Pipeline) UsageTokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}

// ClearHistory resets the stage actors and the token counter.
func (p *Pipeline) ClearHistory() {
	for _, a := range p.actors.all() {
		a.ClearHistory()
	}
	p.mu.Lock()
	p.tokens = 0
	p.mu.Unlock()
}

// AddSection sets a system prompt section on every stage actor.
func (p *Pipeline) AddSection(key, value string) {
	for _, a := range p.actors.all() {
		a.AddSection(key, value)
	}
}

// RemoveSection deletes a system prompt section from every stage actor.
func (p *Pipeline) RemoveSection(key string) {
	for _, a := range p.actors.all() {
		a.RemoveSection(key)
	}
}

// ClearSections deletes every supplemental section from every stage actor.
func (p *Pipeline) ClearSections() {
	for _, a := range p.actors.all() {
		a.ClearSections()
	}
}
