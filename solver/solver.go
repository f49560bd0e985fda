// Package solver answers questions end to end: it extracts entities, rewrites
// the question against the team's earlier exchanges, selects the relevant
// schema and drives the SQL tool loop. Batch runs whole question files;
// Teamwork answers through a coordinator instead.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/config"
	"github.com/martinemde/sqlcrew/logging"
	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/selection"
	"github.com/martinemde/sqlcrew/store"
	"github.com/martinemde/sqlcrew/toolloop"
	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

const (
	factsSection   = "Known facts"
	historySection = "Conversation history"
	factSeparator  = "\n---\n"
)

const (
	rewriteName       = "rewrite_question"
	rewriteRole       = "You rewrite the user's question as required so that it is clear and explicit, adding the meaning carried over from earlier turns."
	rewriteConstraint = "- Keep the original meaning and leave nothing out, especially times and answer format requirements. Return only the question.\n" +
		"- With a conversation history, replace vague entities (companies, documents, times) with their concrete form from the history.\n" +
		"- The subject carries over between turns. \"Q: Who is A's largest shareholder? A: B. Q: How many shareholders are there?\" becomes \"How many shareholders does A have?\"\n" +
		"- Keep any \"suppose ...\" clause; it sets a new rule.\n" +
		"- If the time is vague, consider whether it refers to the event in the previous exchange."
	rewriteFormat  = "Return only the rewritten question with nothing else."
	noHistory      = "Conversation history: none.\n"
	historyPrompt  = "The conversation history, in order:\n'''\n%s\n'''\n"
	rewriteRequest = "The user now asks a follow-up. Understand its full meaning from what is known and rewrite it so that it can be understood on its own: %s"
)

// Config is the solver's view of the runtime configuration.
type Config struct {
	Agents       config.Agents
	Loop         config.Loop
	Selection    config.Selection
	Coordinator  config.Coordinator
	ResultLimit  int
	Generate     unifiedllm.GenerateOptions
	Replacements map[string]string
	// LogDir, when set, receives a debug log per question.
	LogDir    string
	LogFormat string
}

// NewConfig extracts the solver's Config from cfg.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Agents:       cfg.Agents,
		Loop:         cfg.Loop,
		Selection:    cfg.Selection,
		Coordinator:  cfg.Coordinator,
		ResultLimit:  cfg.Executor.ResultLimit,
		Generate:     GenerateOptions(cfg.LLM),
		Replacements: cfg.Replacements,
		LogDir:       cfg.Logging.Dir,
		LogFormat:    cfg.Logging.Format,
	}
}

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Solver) { s.logger = logger }
}

// WithStore persists every answered question.
func WithStore(st *store.SQLite) Option {
	return func(s *Solver) { s.store = st }
}

// Solver answers questions. It holds only shared read-only state; every
// question gets freshly built Actors, so a Solver may serve several teams
// at once.
type Solver struct {
	cfg     Config
	backend unifiedllm.Backend
	exec    toolloop.Executor
	catalog *schema.Catalog
	store   *store.SQLite
	logger  *slog.Logger
}

// New creates a Solver.
func New(backend unifiedllm.Backend, exec toolloop.Executor, catalog *schema.Catalog, cfg Config, opts ...Option) *Solver {
	s := &Solver{cfg: cfg, backend: backend, exec: exec, catalog: catalog}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Question is one question to answer. Position is its index in the team.
type Question struct {
	ID       string
	Team     string
	Position int
	Text     string
}

// Session is the context a team's questions share.
type Session struct {
	Team string
	// Facts are entity facts gathered so far.
	Facts []string
	// SQLResults are the tool loop's cached result summaries.
	SQLResults []string
	// Exchanges are earlier questions and their answers.
	Exchanges []Exchange
}

// Exchange is an answered question.
type Exchange struct {
	Question string
	Answer   string
}

// Remember records an answered question in the session.
func (s *Session) Remember(question, answer string) {
	s.Exchanges = append(s.Exchanges, Exchange{Question: question, Answer: answer})
}

func (s *Session) transcript() []string {
	lines := make([]string, 0, 2*len(s.Exchanges))
	for _, e := range s.Exchanges {
		lines = append(lines, "Question: "+e.Question, "Answer: "+e.Answer)
	}
	return lines
}

// Resume rebuilds a team's session from the stored records: the exchanges
// in position order and the facts and result summaries of the latest one.
// Without a store, or for an unknown team, the session is empty.
func (s *Solver) Resume(ctx context.Context, team string) (*Session, error) {
	sess := &Session{Team: team}
	if s.store == nil {
		return sess, nil
	}
	last, err := s.store.LastForTeam(ctx, team)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return sess, nil
	case err != nil:
		return nil, fmt.Errorf("resume team %s: %w", team, err)
	}
	recs, err := s.store.ListTeam(ctx, team)
	if err != nil {
		return nil, fmt.Errorf("resume team %s: %w", team, err)
	}
	for _, rec := range recs {
		sess.Remember(s.Normalize(rec.Question), rec.Answer)
	}
	sess.Facts = slices.Clone(last.Facts)
	sess.SQLResults = slices.Clone(last.SQLResults)
	return sess, nil
}

// crew holds the Actors and pipelines built for one question.
type crew struct {
	extract   *actor.Actor
	rewrite   *actor.Actor
	selectors selection.Actors
	pipeline  *selection.Pipeline
	drivers   toolloop.Actors
	loop      *toolloop.Loop
}

func (s *Solver) newCrew(logger *slog.Logger) *crew {
	aopts := []actor.Option{actor.WithLogger(logger)}
	base := actor.Config{
		RetryLimit: s.cfg.Agents.RetryLimit,
		MaxHistory: s.cfg.Agents.MaxHistory,
		Options:    s.cfg.Generate,
	}

	extract := base
	extract.Name = extractName
	extract.Role = extractRole
	extract.OutputFormat = extractFormat
	extract.DisableHistory = true
	rewrite := base
	rewrite.Name = rewriteName
	rewrite.Role = rewriteRole
	rewrite.Constraint = rewriteConstraint
	rewrite.OutputFormat = rewriteFormat

	c := &crew{
		extract: actor.New(s.backend, extract, aopts...),
		rewrite: actor.New(s.backend, rewrite, aopts...),
	}
	c.extract.AddSection(entityExamplesSection, entityExamples)

	c.selectors = selection.NewActors(s.backend, "check_db_structure", s.catalog.Info(), selection.ActorOptions{
		RetryLimit: s.cfg.Agents.RetryLimit,
		Generate:   s.cfg.Generate,
		Logger:     logger,
	})
	c.pipeline = selection.New(c.selectors, s.catalog, selection.Config{
		Name:             "check_db_structure",
		Attempts:         s.cfg.Selection.Attempts,
		DatabaseHook:     selection.RequireTogether(s.cfg.Selection.RequiredDatabases...),
		TableHook:        selection.RequireTogether(s.cfg.Selection.RequiredTables...),
		ImportantColumns: s.cfg.Selection.ImportantColumns,
		ForeignKeyHub:    s.cfg.Selection.ForeignKeyHub,
	}, selection.WithLogger(logger))

	c.drivers = toolloop.NewActors(s.backend, "sql_query", toolloop.ActorOptions{
		RetryLimit: s.cfg.Agents.RetryLimit,
		MaxHistory: s.cfg.Agents.MaxHistory,
		Generate:   s.cfg.Generate,
		Interpret:  s.cfg.Loop.Interpret,
		Logger:     logger,
	})
	c.loop = toolloop.New(c.drivers, s.exec, toolloop.Config{
		Name:          "sql_query",
		MaxIterations: s.cfg.Loop.MaxIterations,
		ResultCap:     s.cfg.ResultLimit,
		CacheFacts:    s.cfg.Loop.CacheFacts,
		EnumColumns:   s.catalog.EnumColumns(),
	}, toolloop.WithLogger(logger))
	return c
}

// setSection sets key on the loop driver and the table and column
// selectors, or removes it when value is empty.
func (c *crew) setSection(key, value string) {
	for _, a := range []*actor.Actor{c.drivers.Driver, c.selectors.Tables, c.selectors.Columns} {
		if value == "" {
			a.RemoveSection(key)
		} else {
			a.AddSection(key, value)
		}
	}
}

func (c *crew) usage() map[string]int {
	return map[string]int{
		c.extract.Name():  c.extract.UsageTokens(),
		c.rewrite.Name():  c.rewrite.UsageTokens(),
		c.pipeline.Name(): c.pipeline.UsageTokens(),
		c.loop.Name():     c.loop.UsageTokens(),
	}
}

// Normalize applies the configured substring replacements in key order.
func (s *Solver) Normalize(question string) string {
	keys := make([]string, 0, len(s.cfg.Replacements))
	for k := range s.cfg.Replacements {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		question = strings.ReplaceAll(question, k, s.cfg.Replacements[k])
	}
	return question
}

// Answer answers q within sess and updates sess with the new facts, result
// summaries and exchange. The returned record is saved when a store is
// configured.
func (s *Solver) Answer(ctx context.Context, sess *Session, q Question) (*store.Record, error) {
	start := time.Now()
	logger, closeLog := s.questionLogger(q.ID)
	defer closeLog()
	logger = logger.With("question_id", q.ID)

	ctx, span := tracing.StartSpan(ctx, "solver.answer", trace.WithAttributes(
		tracing.StringAttr("question.id", q.ID),
		tracing.StringAttr("question.team", q.Team),
	))
	defer span.End()

	question := s.Normalize(q.Text)
	logger.Info("question", "original", q.Text)
	c := s.newCrew(logger)
	c.loop.SeedFacts(sess.SQLResults)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	extracted := c.extract.Answer(ctx, fmt.Sprintf(extractPrompt, question))
	if extracted.OK() {
		if fact := entityFacts(ctx, s.exec, s.catalog, extracted.Value, logger); fact != "" && !slices.Contains(sess.Facts, fact) {
			sess.Facts = append(sess.Facts, fact)
		}
	}

	history := sess.transcript()
	prompt := noHistory
	if len(history) > 0 {
		prompt = fmt.Sprintf(historyPrompt, strings.Join(history, "\n"))
	}
	rewritten := question
	if res := c.rewrite.Answer(ctx, prompt+fmt.Sprintf(rewriteRequest, question)); res.OK() && strings.TrimSpace(res.Value) != "" {
		rewritten = strings.TrimSpace(res.Value)
	}
	logger.Info("rewritten question", "question", rewritten)

	c.setSection(factsSection, strings.Join(sess.Facts, factSeparator))
	c.setSection(historySection, strings.Join(history, "\n"))
	logger.Debug("known facts", "facts", strings.Join(sess.Facts, factSeparator))

	c.pipeline.ClearHistory()
	sel, err := c.pipeline.Run(ctx, []unifiedllm.Message{unifiedllm.UserMessage(rewritten)})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("question %s: %w", q.ID, err)
	}

	c.loop.ClearHistory()
	res, err := c.loop.Run(ctx, []unifiedllm.Message{
		unifiedllm.AssistantMessage(sel.Structure),
		unifiedllm.UserMessage(rewritten),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("question %s: %w", q.ID, err)
	}

	sess.SQLResults = c.loop.Facts()
	sess.Remember(question, res.Answer)

	rec := &store.Record{
		ID:                q.ID,
		Team:              q.Team,
		Position:          q.Position,
		Question:          q.Text,
		Answer:            res.Answer,
		RewrittenQuestion: rewritten,
		Facts:             slices.Clone(sess.Facts),
		SQLResults:        slices.Clone(sess.SQLResults),
		UsageTokens:       c.usage(),
		Elapsed:           elapsed(time.Since(start)),
	}
	logger.Info("answered", "answer", rec.Answer, "elapsed", rec.Elapsed, "outcome", res.Outcome.String())

	if s.store != nil {
		if err := s.store.Save(ctx, rec); err != nil {
			logger.Warn("save record failed", "error", err)
		}
	}
	tracing.SetOK(span)
	return rec, nil
}

// questionLogger tees the solver's logger into a per-question debug file
// when a log directory is configured.
func (s *Solver) questionLogger(id string) (*slog.Logger, func()) {
	if s.cfg.LogDir == "" || id == "" {
		return s.logger, func() {}
	}
	file, closeFile, err := logging.NewFile(filepath.Join(s.cfg.LogDir, id+".log"), s.cfg.LogFormat, "debug")
	if err != nil {
		s.logger.Warn("per-question log unavailable", "question_id", id, "error", err)
		return s.logger, func() {}
	}
	return logging.Tee(s.logger, file), func() { _ = closeFile() }
}

func elapsed(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
