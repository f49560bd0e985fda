// Package actor implements the conversational Actor: a named wrapper around
// one language model backend with a composable system prompt, a bounded
// history and retry-with-repair.
//
// Chat never returns a Go error. When every attempt fails the Result is
// degraded: its Value holds an error-marker string that callers may pass on
// as ordinary text, and Degraded carries the cause.
//
// With history enabled, a successful Chat replaces the stored history with
// the messages it was given plus the reply. When that exceeds MaxHistory the
// oldest len/2+1 turns are summarised into a single assistant turn by one
// extra backend call. If the summary fails the uncompressed history is kept.
package actor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

const (
	DefaultRetryLimit = 3
	DefaultMaxHistory = 30

	// ErrorPrefix starts the Value of a degraded result.
	ErrorPrefix = "error: "

	repairInstruction   = "Please correct the problem and try again."
	compressInstruction = "Condense the whole conversation into one paragraph. Keep every important fact. No line breaks, no markdown."
)

// Config is the immutable configuration of an Actor.
type Config struct {
	Name         string
	Role         string
	Constraint   string
	OutputFormat string
	Knowledge    string

	// RetryLimit is the number of attempts per Chat. Zero means DefaultRetryLimit.
	RetryLimit int
	// DisableHistory stops Chat from recording turns.
	DisableHistory bool
	// MaxHistory bounds the stored history. Zero means DefaultMaxHistory.
	MaxHistory int

	Options unifiedllm.GenerateOptions
	Tools   []unifiedllm.Tool

	// PreProcess may rewrite the messages before the first attempt. It runs
	// outside the Actor's lock, so it may call AddSection.
	PreProcess func(a *Actor, messages []unifiedllm.Message) []unifiedllm.Message
	// PostProcess transforms a successful reply. An error fails the attempt.
	PostProcess func(reply string) (string, error)
}

// Option configures an Actor.
type Option func(*Actor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Actor) { a.logger = logger }
}

// Actor is a named, history-bearing conversational entity.
type Actor struct {
	cfg     Config
	backend unifiedllm.Backend
	logger  *slog.Logger

	mu       sync.Mutex
	history  []unifiedllm.Message
	sections sections
	tokens   int
}

// New creates an Actor over backend.
func New(backend unifiedllm.Backend, cfg Config, opts ...Option) *Actor {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	a := &Actor{cfg: cfg, backend: backend}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	a.logger = a.logger.With("actor", cfg.Name)
	return a
}

// Name returns the Actor's name.
func (a *Actor) Name() string { return a.cfg.Name }

// Chat sends messages with the composed system prompt, retrying with repair
// until an attempt succeeds or RetryLimit is reached.
func (a *Actor) Chat(ctx context.Context, messages []unifiedllm.Message) Result[string] {
	ctx, span := tracing.StartSpan(ctx, "actor.chat",
		trace.WithAttributes(tracing.StringAttr("actor.name", a.cfg.Name)))
	defer span.End()

	if a.cfg.PreProcess != nil {
		messages = a.cfg.PreProcess(a, messages)
	}
	messages = slices.Clone(messages)

	var (
		reply   string
		lastErr error
		tokens  int
		ok      bool
		attempt int
		calls   int
	)
	for attempt = 1; attempt <= a.cfg.RetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		msgs := messages
		if attempt > 1 {
			a.logger.Info("retrying", "attempt", attempt, "error", lastErr)
			msgs = append(slices.Clone(messages),
				unifiedllm.AssistantMessage(reply),
				unifiedllm.UserMessage(repairInstruction))
		}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			a.logger.Debug("input", "role", last.Role, "content", last.TextContent())
		}

		c := a.backend.Generate(ctx, unifiedllm.GenerateRequest{
			System:   a.SystemPrompt(),
			Messages: msgs,
			Tools:    a.cfg.Tools,
			Options:  a.cfg.Options,
		})
		calls++
		a.addTokens(c.Tokens)
		reply = c.Content
		a.logger.Debug("output", "content", reply, "tokens", c.Tokens, "ok", c.OK)

		if !c.OK {
			lastErr = c.Err
			if lastErr == nil {
				lastErr = errors.New(c.Content)
			}
			continue
		}
		if a.cfg.PostProcess != nil {
			out, err := a.cfg.PostProcess(reply)
			if err != nil {
				lastErr = err
				reply += "\n" + ErrorPrefix + err.Error()
				continue
			}
			reply = out
		}
		tokens = c.Tokens
		ok = true
		break
	}

	if !ok {
		d := &Degraded{Attempts: calls, Err: lastErr}
		tracing.RecordError(span, d)
		a.logger.Warn("all attempts failed", "attempts", d.Attempts, "error", lastErr)
		return Result[string]{Value: ErrorPrefix + reply, Degraded: d}
	}

	if !a.cfg.DisableHistory {
		tokens += a.record(ctx, append(messages, unifiedllm.AssistantMessage(reply)))
	}
	span.SetAttributes(tracing.IntAttr("actor.tokens", tokens), tracing.IntAttr("actor.attempts", attempt))
	tracing.SetOK(span)
	return Result[string]{Value: reply, Tokens: tokens}
}

// Answer is Chat over the stored history plus one user message.
func (a *Actor) Answer(ctx context.Context, message string) Result[string] {
	return a.Chat(ctx, append(a.History(), unifiedllm.UserMessage(message)))
}

// record stores history, compressing the oldest half while it exceeds
// MaxHistory. It returns the tokens spent on compression.
func (a *Actor) record(ctx context.Context, history []unifiedllm.Message) int {
	spent := 0
	for len(history) > a.cfg.MaxHistory {
		half := len(history)/2 + 1
		c := a.backend.Generate(ctx, unifiedllm.GenerateRequest{
			System:   compressInstruction,
			Messages: slices.Clone(history[:half]),
			Options:  unifiedllm.GenerateOptions{Model: a.cfg.Options.Model, Stream: a.cfg.Options.Stream},
		})
		spent += c.Tokens
		a.addTokens(c.Tokens)
		if !c.OK {
			a.logger.Debug("history compression failed", "error", c.Err)
			break
		}
		a.logger.Debug("history compressed", "turns", half, "summary", c.Content)
		history = append([]unifiedllm.Message{unifiedllm.AssistantMessage(c.Content)}, history[half:]...)
	}

	a.mu.Lock()
	a.history = history
	a.mu.Unlock()
	return spent
}

func (a *Actor) addTokens(n int) {
	a.mu.Lock()
	a.tokens += n
	a.mu.Unlock()
}

// SystemPrompt returns the prompt sent with every call.
func (a *Actor) SystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemPrompt()
}

// AddSection sets a supplemental system prompt section. Setting an existing
// key replaces its value in place.
func (a *Actor) AddSection(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sections.set(key, value)
}

// RemoveSection deletes a supplemental section if present.
func (a *Actor) RemoveSection(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sections.remove(key)
}

// ClearSections deletes every supplemental section.
func (a *Actor) ClearSections() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sections.clear()
}

// Section returns a supplemental section's value.
func (a *Actor) Section(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.sections.values[key]
	return v, ok
}

// History returns a copy of the stored history.
func (a *Actor) History() []unifiedllm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// UsageTokens returns the tokens spent since the last ClearHistory,
// including failed attempts and compression.
func (a *Actor) UsageTokens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}

// ClearHistory resets history and the token counter. Configuration and
// supplemental sections are kept.
func (a *Actor) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.tokens = 0
}
