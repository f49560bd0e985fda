// Package toolloop drives one Actor through repeated write-SQL, execute,
// observe rounds until it stops asking for queries or the iteration cap is
// reached.
//
// Each reply is inspected for ```exec_sql blocks. More than one statement or
// an unparseable block is corrected conversationally by appending a standing
// instruction to the last user turn. A single statement is canonicalized; a
// repeat is answered from the per-run cache, anything else is executed and
// the outcome fed back as the next user turn. Executor failures never end a
// run. Whatever the outcome, a finisher Actor phrases the answer from the
// last exchange.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/parse"
	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/sqlexec"
	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

const (
	DefaultMaxIterations = 20
	// DefaultResultCap is the row count at which a result is assumed to be
	// truncated by the executor.
	DefaultResultCap = 100

	maxStructures = 1
)

// ErrNoMessages is returned when Run is given no conversational messages.
var ErrNoMessages = errors.New("toolloop: no messages")

// Executor runs one action and returns its rows as a JSON array.
type Executor interface {
	Execute(ctx context.Context, action string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, action string) (string, error) {
	return f(ctx, action)
}

// Outcome is how a run ended.
type Outcome int

const (
	// OutcomeAnswered means the driver replied without requesting a query.
	OutcomeAnswered Outcome = iota
	// OutcomeCapReached means MaxIterations ran out first.
	OutcomeCapReached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnswered:
		return "answered"
	case OutcomeCapReached:
		return "cap_reached"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Config is the immutable configuration of a Loop.
type Config struct {
	Name          string
	MaxIterations int
	// ResultCap is the executor's row limit. Zero means DefaultResultCap.
	ResultCap int
	// CacheFacts keeps interpreter summaries across runs.
	CacheFacts bool
	// EnumColumns maps bare table name to column name to a description that
	// enumerates the column's values.
	EnumColumns map[string]map[string]string
	// MaxResultChars bounds result text in observations. Zero means
	// DefaultMaxResultChars.
	MaxResultChars int
}

// Result is the outcome of one Run.
type Result struct {
	RunID      string
	Answer     string
	Outcome    Outcome
	Iterations int
	Tokens     int
	// Messages is the final working conversation.
	Messages []unifiedllm.Message
	// Degraded is set when the finisher failed and Answer is an error marker.
	Degraded *actor.Degraded
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithEvents attaches an event emitter.
func WithEvents(e *EventEmitter) Option {
	return func(l *Loop) { l.events = e }
}

// Loop is the SQL tool loop. Runs on one Loop must not overlap.
type Loop struct {
	cfg    Config
	actors Actors
	exec   Executor
	logger *slog.Logger
	events *EventEmitter

	mu     sync.Mutex
	facts  []string
	tokens int
}

// New creates a Loop. actors.Driver is required.
func New(actors Actors, exec Executor, cfg Config, opts ...Option) *Loop {
	if cfg.Name == "" {
		cfg.Name = "sql_query"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ResultCap <= 0 {
		cfg.ResultCap = DefaultResultCap
	}
	if cfg.MaxResultChars <= 0 {
		cfg.MaxResultChars = DefaultMaxResultChars
	}
	l := &Loop{cfg: cfg, actors: actors, exec: exec}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	l.logger = l.logger.With("loop", cfg.Name)
	return l
}

// Name returns the loop's name.
func (l *Loop) Name() string { return l.cfg.Name }

// run holds the state of a single Run.
type run struct {
	id         string
	question   string
	messages   []unifiedllm.Message
	structures []string
	known      []string
	told       map[string]bool
	seen       cache
	tokens     int
}

// Run drives the loop over messages. Messages carrying a rendered column
// list are moved into the StructureSection of the driver and interpreter.
// Without one, a StructureSection set earlier is kept and column notes are
// appended to it. The last remaining message is the question.
func (l *Loop) Run(ctx context.Context, messages []unifiedllm.Message) (Result, error) {
	r := &run{
		id:   uuid.NewString(),
		told: make(map[string]bool),
		seen: make(cache),
	}
	for _, m := range messages {
		text := m.TextContent()
		if strings.Contains(text, schema.ColumnListMark) {
			r.structures = append(r.structures, text)
			if len(r.structures) > maxStructures {
				r.structures = r.structures[1:]
			}
			continue
		}
		r.messages = append(r.messages, m)
	}
	if len(r.messages) == 0 {
		return Result{}, ErrNoMessages
	}
	if len(r.structures) > 0 {
		l.setStructure(r.structures)
	} else if preset, ok := l.actors.Driver.Section(StructureSection); ok && preset != "" {
		r.structures = []string{preset}
	}
	r.known = slices.Clone(r.structures)

	last := len(r.messages) - 1
	r.question = r.messages[last].TextContent()
	if facts := l.Facts(); len(facts) > 0 {
		r.messages[last] = unifiedllm.Message{
			Role:    r.messages[last].Role,
			Content: []unifiedllm.ContentPart{unifiedllm.TextPart(withFacts(facts, r.question))},
		}
	}

	ctx, span := tracing.StartSpan(ctx, "toolloop.run", trace.WithAttributes(
		tracing.StringAttr("loop.name", l.cfg.Name),
		tracing.StringAttr("loop.run_id", r.id),
	))
	defer span.End()

	l.events.Emit(Event{Kind: EventRunStart, RunID: r.id, Data: map[string]any{"question": r.question}})
	l.logger.Info("run started", "run_id", r.id)

	outcome := OutcomeCapReached
	iterations := 0
	for iterations < l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			tracing.RecordError(span, err)
			l.addTokens(r.tokens)
			return Result{RunID: r.id, Iterations: iterations, Tokens: r.tokens, Messages: r.messages}, err
		}
		iterations++
		if l.step(ctx, r, iterations) {
			outcome = OutcomeAnswered
			break
		}
	}
	if outcome == OutcomeCapReached {
		l.logger.Info("iteration cap reached", "run_id", r.id, "max_iterations", l.cfg.MaxIterations)
		l.events.Emit(Event{Kind: EventCapReached, RunID: r.id, Iteration: iterations})
	}

	res := l.finish(ctx, r)
	res.Outcome = outcome
	res.Iterations = iterations
	l.addTokens(r.tokens)

	span.SetAttributes(
		tracing.StringAttr("loop.outcome", outcome.String()),
		tracing.IntAttr("loop.iterations", iterations),
		tracing.IntAttr("loop.tokens", r.tokens),
	)
	tracing.SetOK(span)
	l.events.Emit(Event{Kind: EventRunEnd, RunID: r.id, Iteration: iterations,
		Data: map[string]any{"outcome": outcome.String(), "tokens": r.tokens}})
	return res, nil
}

// step runs one iteration and reports whether the driver is done.
func (l *Loop) step(ctx context.Context, r *run, iteration int) bool {
	ctx, span := tracing.StartSpan(ctx, "toolloop.iteration",
		trace.WithAttributes(tracing.IntAttr("loop.iteration", iteration)))
	defer span.End()

	reply := l.actors.Driver.Chat(ctx, r.messages)
	r.tokens += reply.Tokens
	text := reply.Value
	l.events.Emit(Event{Kind: EventModelReply, RunID: r.id, Iteration: iteration, Data: map[string]any{"text": text}})

	if !parse.MentionsAction(text, parse.ActionLabel, "SELECT ", "SHOW ") {
		r.messages = append(r.messages, unifiedllm.AssistantMessage(text))
		return true
	}

	if n := parse.CountActions(text, parse.ActionLabel); n > 1 {
		l.warn(r, iteration, singleActionInstruction, n)
		return false
	}
	action, ok := parse.LastAction(text, parse.ActionLabel)
	if !ok {
		l.warn(r, iteration, useBlockInstruction, 0)
		return false
	}

	r.messages = append(r.messages, unifiedllm.AssistantMessage(text))
	span.SetAttributes(tracing.StringAttr("loop.action", action))

	if prior, ok := r.seen.lookup(action); ok {
		l.logger.Info("duplicate action", "run_id", r.id, "signature", signature(Canonical(action)))
		l.events.Emit(Event{Kind: EventActionDuplicate, RunID: r.id, Iteration: iteration, Data: map[string]any{"action": action}})
		r.messages = append(r.messages, unifiedllm.UserMessage(fmt.Sprintf(duplicateTemplate, action, prior)))
		return false
	}

	notes := l.enumNotes(r, action)
	if notes != "" {
		r.known = append(r.known, notes)
		l.setStructure(r.known)
	}
	observation, result := l.execute(ctx, r, iteration, action, notes)
	r.seen.store(action, result)
	r.messages = append(r.messages, unifiedllm.UserMessage(observation))
	return false
}

// warn appends a protocol instruction to the last user turn unless it is
// already there.
func (l *Loop) warn(r *run, iteration int, instruction string, statements int) {
	l.logger.Info("protocol violation", "run_id", r.id, "statements", statements)
	l.events.Emit(Event{Kind: EventProtocolWarning, RunID: r.id, Iteration: iteration,
		Data: map[string]any{"instruction": instruction, "statements": statements}})

	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role != unifiedllm.RoleUser {
			continue
		}
		text := m.TextContent()
		if strings.Contains(text, instruction) {
			return
		}
		r.messages[i] = unifiedllm.UserMessage(text + "\n\n" + instruction)
		return
	}
	r.messages = append(r.messages, unifiedllm.UserMessage(instruction))
}

// enumNotes returns the descriptions of enumerated columns the action
// touches that the driver has not seen yet, as a JSON list.
func (l *Loop) enumNotes(r *run, action string) string {
	tables := make([]string, 0, len(l.cfg.EnumColumns))
	for t := range l.cfg.EnumColumns {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var notes []map[string]string
	for _, table := range tables {
		if !strings.Contains(action, table) {
			continue
		}
		cols := l.cfg.EnumColumns[table]
		names := make([]string, 0, len(cols))
		for c := range cols {
			names = append(names, c)
		}
		sort.Strings(names)
		for _, col := range names {
			key := table + "." + col
			if !strings.Contains(action, col) || r.told[key] || mentioned(r.structures, col) {
				continue
			}
			r.told[key] = true
			notes = append(notes, map[string]string{col: cols[col]})
		}
	}
	if len(notes) == 0 {
		return ""
	}
	return schema.Marshal(notes)
}

func mentioned(structures []string, col string) bool {
	for _, s := range structures {
		if strings.Contains(s, col) {
			return true
		}
	}
	return false
}

// execute runs the action and returns the observation for the driver and
// the text to cache for repeats.
func (l *Loop) execute(ctx context.Context, r *run, iteration int, action, notes string) (observation, cached string) {
	l.logger.Info("executing action", "run_id", r.id, "iteration", iteration, "action", action)
	data, err := l.exec.Execute(ctx, action)
	var rows []json.RawMessage
	if err == nil {
		if jerr := json.Unmarshal([]byte(data), &rows); jerr != nil {
			err = fmt.Errorf("decode result: %w", jerr)
		}
	}
	if err != nil {
		text := err.Error()
		if errors.Is(err, sqlexec.ErrMultipleStatements) {
			text = singleActionInstruction
		}
		l.logger.Info("action failed", "run_id", r.id, "error", err)
		l.events.Emit(Event{Kind: EventActionFailed, RunID: r.id, Iteration: iteration,
			Data: map[string]any{"action": action, "error": text}})
		return fmt.Sprintf(failureTemplate, action, text) + notesBlock(notes) + fixRequest, failurePrefix + text
	}

	l.events.Emit(Event{Kind: EventActionExecuted, RunID: r.id, Iteration: iteration,
		Data: map[string]any{"action": action, "rows": len(rows)}})

	head := fmt.Sprintf(observationTemplate, action, truncateResult(data, l.cfg.MaxResultChars)) + notesBlock(notes)
	switch {
	case len(rows) == 0:
		return head + checkFilters, data
	case len(rows) == l.cfg.ResultCap:
		return head + fmt.Sprintf(truncatedTemplate, l.cfg.ResultCap), data
	}

	summary := ""
	if l.actors.Interpreter != nil {
		res := l.actors.Interpreter.Answer(ctx, head+interpretRequest)
		r.tokens += res.Tokens
		if res.OK() {
			summary = res.Value
			if l.cfg.CacheFacts {
				l.mu.Lock()
				l.facts = append(l.facts, summary)
				l.mu.Unlock()
			}
		}
	}
	if summary != "" {
		head += "\n" + summary + "\n"
	}
	return head + checkFilters + fmt.Sprintf(enoughTemplate, r.question), data
}

// finish asks the finisher for the answer over the last exchange.
func (l *Loop) finish(ctx context.Context, r *run) Result {
	res := Result{RunID: r.id, Messages: r.messages}
	if l.actors.Finisher == nil {
		res.Answer = r.messages[len(r.messages)-1].TextContent()
		res.Tokens = r.tokens
		return res
	}
	tail := slices.Clone(r.messages[max(0, len(r.messages)-2):])
	out := l.actors.Finisher.Chat(ctx, append(tail, unifiedllm.UserMessage(fmt.Sprintf(finishTemplate, r.question))))
	r.tokens += out.Tokens
	res.Answer = out.Value
	res.Degraded = out.Degraded
	res.Tokens = r.tokens
	return res
}

func (l *Loop) setStructure(structures []string) {
	value := strings.Join(structures, structureSeparator)
	l.actors.Driver.AddSection(StructureSection, value)
	if l.actors.Interpreter != nil {
		l.actors.Interpreter.AddSection(StructureSection, value)
	}
}

func (l *Loop) addTokens(n int) {
	l.mu.Lock()
	l.tokens += n
	l.mu.Unlock()
}

// Facts returns the cached interpreter summaries.
func (l *Loop) Facts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.facts)
}

// SeedFacts replaces the cached summaries, typically with ones restored from
// an earlier session.
func (l *Loop) SeedFacts(facts []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.facts = slices.Clone(facts)
}

// ClearFacts drops the cached summaries.
func (l *Loop) ClearFacts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.facts = nil
}

// UsageTokens returns the tokens spent by runs since the last ClearHistory.
func (l *Loop) UsageTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

// ClearHistory resets every actor's history and the token counter. Facts
// and sections are kept.
func (l *Loop) ClearHistory() {
	for _, a := range l.actors.all() {
		a.ClearHistory()
	}
	l.mu.Lock()
	l.tokens = 0
	l.mu.Unlock()
}

// AddSection sets a system prompt section on every actor.
func (l *Loop) AddSection(key, value string) {
	for _, a := range l.actors.all() {
		a.AddSection(key, value)
	}
}

// RemoveSection deletes a system prompt section from every actor.
func (l *Loop) RemoveSection(key string) {
	for _, a := range l.actors.all() {
		a.RemoveSection(key)
	}
}

// ClearSections deletes every supplemental section from every actor.
func (l *Loop) ClearSections() {
	for _, a := range l.actors.all() {
		a.ClearSections()
	}
}
