// Package coordinator solves a problem by letting a coordinating Actor hand
// turns to registered sub-agents until one of them, usually the built-in
// deliverer, produces a final answer.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/parse"
	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

// DefaultMaxIterations caps coordinator turns when Solve is given none.
const DefaultMaxIterations = 10

// ErrDuplicateRegistrant is returned by Register for a name already taken.
var ErrDuplicateRegistrant = errors.New("agent name already registered")

const (
	problemSection   = "Problem"
	agentListSection = "Agent List"

	openingTemplate  = "Let us solve this problem:\n%s"
	standingQuestion = "Can the Problem be solved now? Decide which agent should answer next. " +
		"Follow the call agent format strictly."
	deliverInstruction = "Give the final answer to the Problem."
	actInstruction     = "Act as instructed."
	unknownAgent       = "unknown agent_name: %s"
	saidTemplate       = "%s said:\n%s"

	coordinatorRole = "You are a rational and clever meeting host. Based on the Problem and the Agent List, " +
		"you ask the right agent to speak. You always call an agent until a Final Answer to the Problem " +
		"can be given."
	coordinatorConstraint = "- Call only one agent at a time"
	coordinatorFormat     = "To call an agent, output:\n\n" + parse.AgentCallMarker + "\n```json\n" +
		`{"agent_name": "<AgentName>", "instruction": "<OptionalInstruction>"}` + "\n```\n\n" +
		"<AgentName> is the agent's name and <OptionalInstruction> is an optional instruction."

	delivererRole      = "You restate the replies in the context as the answer to the Problem."
	delivererFormat    = "Be concise."
	delivererBackstory = "This agent gives the final reply."
	delivererUsage     = "Call this agent when the Problem can be answered or the task should end.\n" +
		"Always call this agent to end the task!"
)

// Config is the immutable configuration of a Coordinator.
type Config struct {
	Name       string
	RetryLimit int
	MaxHistory int
	Options    unifiedllm.GenerateOptions
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used by the coordinator and its Actors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

type entry struct {
	Name      string `json:"name"`
	Backstory string `json:"backstory"`
	Usage     string `json:"usecase"`
	r         Registrant
}

// Coordinator owns a registry of sub-agents. A Coordinator is not safe for
// concurrent Solve calls.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	host      *actor.Actor
	deliverer *actor.Actor

	mu         sync.Mutex
	entries    []entry
	transcript []unifiedllm.Message
}

// New creates a Coordinator. The host Actor runs on hostBackend and the
// built-in deliverer, registered as "<name>.deliver", on deliverBackend.
func New(hostBackend, deliverBackend unifiedllm.Backend, cfg Config, opts ...Option) *Coordinator {
	if cfg.Name == "" {
		cfg.Name = "Teamwork"
	}
	c := &Coordinator{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	aopts := []actor.Option{actor.WithLogger(c.logger)}

	c.deliverer = actor.New(deliverBackend, actor.Config{
		Name:         cfg.Name + ".deliver",
		Role:         delivererRole,
		OutputFormat: delivererFormat,
		RetryLimit:   cfg.RetryLimit,
		MaxHistory:   cfg.MaxHistory,
		Options:      cfg.Options,
		PostProcess: func(reply string) (string, error) {
			return parse.FormatFinalAnswer(reply), nil
		},
	}, aopts...)
	c.host = actor.New(hostBackend, actor.Config{
		Name:         cfg.Name + ".coordinator",
		Role:         coordinatorRole,
		Constraint:   coordinatorConstraint,
		OutputFormat: coordinatorFormat,
		RetryLimit:   cfg.RetryLimit,
		MaxHistory:   cfg.MaxHistory,
		Options:      cfg.Options,
	}, aopts...)

	c.entries = []entry{{
		Name:      c.deliverer.Name(),
		Backstory: delivererBackstory,
		Usage:     delivererUsage,
		r:         ActorRegistrant{Actor: c.deliverer},
	}}
	c.logger = c.logger.With("coordinator", cfg.Name)
	return c
}

// Name returns the coordinator's name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// DelivererName returns the name the built-in deliverer is registered under.
func (c *Coordinator) DelivererName() string { return c.deliverer.Name() }

// Register adds r to the registry under name.
func (c *Coordinator) Register(name, backstory, usage string, r Registrant) error {
	if name == "" {
		return errors.New("register: empty agent name")
	}
	if r == nil {
		return fmt.Errorf("register %q: nil registrant", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookup(name) != nil {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateRegistrant)
	}
	c.entries = append(c.entries, entry{Name: name, Backstory: backstory, Usage: usage, r: r})
	return nil
}

func (c *Coordinator) lookup(name string) Registrant {
	for _, e := range c.entries {
		if e.Name == name {
			return e.r
		}
	}
	return nil
}

func (c *Coordinator) agentList() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c.entries); err != nil {
		return "[]"
	}
	return strings.TrimSpace(buf.String())
}

// Transcript returns a copy of the accumulated turns.
func (c *Coordinator) Transcript() []unifiedllm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// Solve works on problem until a turn yields a final answer or maxIterations
// coordinator turns have run, then forces the deliverer. The returned answer
// has the final-answer marker stripped. err is non-nil only when ctx ends
// between turns.
func (c *Coordinator) Solve(ctx context.Context, problem string, maxIterations int) (string, int, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID)
	ctx, span := tracing.StartSpan(ctx, "coordinator.solve",
		trace.WithAttributes(
			tracing.StringAttr("coordinator.name", c.cfg.Name),
			tracing.StringAttr("coordinator.run_id", runID)))
	defer span.End()

	c.mu.Lock()
	list := c.agentList()
	c.transcript = append(c.transcript, unifiedllm.UserMessage(fmt.Sprintf(openingTemplate, problem)))
	c.mu.Unlock()

	c.host.AddSection(problemSection, problem)
	c.host.AddSection(agentListSection, list)
	c.deliverer.AddSection(problemSection, problem)
	logger.Debug("solving", "problem", problem)

	transcript := c.Transcript()
	answer, err := c.turn(ctx, logger, append(transcript[len(transcript)-1:], unifiedllm.UserMessage(standingQuestion)))
	iterations := 1
	for err == nil && !parse.HasFinalAnswer(answer) && iterations < maxIterations {
		iterations++
		latest := c.latest()
		answer, err = c.turn(ctx, logger, []unifiedllm.Message{
			unifiedllm.UserMessage(latest + "\n\n" + standingQuestion),
		})
	}
	span.SetAttributes(tracing.IntAttr("coordinator.iterations", iterations))
	if err != nil {
		tracing.RecordError(span, err)
		return "", iterations, err
	}

	if !parse.HasFinalAnswer(answer) {
		logger.Info("iteration cap reached, forcing delivery", "iterations", iterations)
		answer = c.deliverer.Chat(ctx, withInstruction(c.Transcript(), deliverInstruction)).Value
	}
	answer = parse.StripFinalAnswer(answer)
	logger.Debug("final answer", "answer", answer)
	tracing.SetOK(span)
	return answer, iterations, nil
}

// turn asks the host who speaks next and runs that registrant. Without a
// dispatch the host's reply is the turn's output.
func (c *Coordinator) turn(ctx context.Context, logger *slog.Logger, msgs []unifiedllm.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reply := c.host.Chat(ctx, msgs).Value
	call, err := parse.FindAgentCall(reply)
	if err != nil {
		if !errors.Is(err, parse.ErrNoAgentCall) {
			logger.Warn("malformed agent call", "error", err)
		}
		return reply, nil
	}

	answer := c.dispatch(ctx, call)
	logger.Debug("agent answered", "agent", call.AgentName, "answer", answer)
	c.mu.Lock()
	c.transcript = append(c.transcript, unifiedllm.AssistantMessage(fmt.Sprintf(saidTemplate, call.AgentName, answer)))
	c.mu.Unlock()
	return answer, nil
}

func (c *Coordinator) dispatch(ctx context.Context, call parse.AgentCall) string {
	c.mu.Lock()
	r := c.lookup(call.AgentName)
	transcript := slices.Clone(c.transcript)
	c.mu.Unlock()
	if r == nil {
		return fmt.Sprintf(unknownAgent, call.AgentName)
	}

	ctx, span := tracing.StartSpan(ctx, "coordinator.dispatch",
		trace.WithAttributes(tracing.StringAttr("agent.name", call.AgentName)))
	defer span.End()

	instruction := actInstruction
	switch {
	case call.AgentName == c.deliverer.Name():
		instruction = deliverInstruction
	case call.HasInstruction():
		instruction = *call.Instruction + "\n" + actInstruction
	}
	out := r.Invoke(ctx, transcript, instruction)
	tracing.SetOK(span)
	return out
}

func (c *Coordinator) latest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript[len(c.transcript)-1].TextContent()
}

// ClearHistory resets every registrant, the host and the transcript.
func (c *Coordinator) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.r.clearHistory()
	}
	c.host.ClearHistory()
	c.transcript = nil
}

// AddSection sets a system prompt section on the host and every registrant.
func (c *Coordinator) AddSection(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host.AddSection(key, value)
	for _, e := range c.entries {
		e.r.addSection(key, value)
	}
}

// RemoveSection deletes a system prompt section everywhere AddSection sets it.
func (c *Coordinator) RemoveSection(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host.RemoveSection(key)
	for _, e := range c.entries {
		e.r.removeSection(key)
	}
}

// ClearSections deletes every supplemental section from the host and every
// registrant.
func (c *Coordinator) ClearSections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host.ClearSections()
	for _, e := range c.entries {
		e.r.clearSections()
	}
}

// UsageTokens returns the tokens the host and every registrant spent since
// their last ClearHistory.
func (c *Coordinator) UsageTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.host.UsageTokens()
	for _, e := range c.entries {
		n += e.r.usageTokens()
	}
	return n
}
