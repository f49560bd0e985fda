package solver

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sqlcrew/coordinator"
	"github.com/martinemde/sqlcrew/toolloop"
	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

const (
	sqlBackstory = "Queries the financial databases with SQL and reports what the data says."
	sqlUsage     = "Call this agent when the Problem needs facts from the databases. " +
		"Say in the instruction what to look up."
)

// Teamwork answers question through a coordinator that delegates to the SQL
// tool loop. The schema is selected once up front and handed to the loop as
// its known structure.
func (s *Solver) Teamwork(ctx context.Context, question string) (string, int, error) {
	ctx, span := tracing.StartSpan(ctx, "solver.teamwork",
		trace.WithAttributes(tracing.StringAttr("question", question)))
	defer span.End()

	question = s.Normalize(question)
	c := s.newCrew(s.logger)

	sel, err := c.pipeline.Run(ctx, []unifiedllm.Message{unifiedllm.UserMessage(question)})
	if err != nil {
		tracing.RecordError(span, err)
		return "", 0, fmt.Errorf("teamwork: %w", err)
	}
	c.loop.AddSection(toolloop.StructureSection, sel.Structure)

	coord := coordinator.New(s.backend, s.backend, coordinator.Config{
		Name:       "Teamwork",
		RetryLimit: s.cfg.Agents.RetryLimit,
		MaxHistory: s.cfg.Agents.MaxHistory,
		Options:    s.cfg.Generate,
	}, coordinator.WithLogger(s.logger))
	if err := coord.Register(c.loop.Name(), sqlBackstory, sqlUsage, coordinator.LoopRegistrant{Loop: c.loop}); err != nil {
		return "", 0, err
	}

	answer, iterations, err := coord.Solve(ctx, question, s.cfg.Coordinator.MaxIterations)
	if err != nil {
		tracing.RecordError(span, err)
		return "", iterations, fmt.Errorf("teamwork: %w", err)
	}
	s.logger.Info("teamwork answered", "iterations", iterations, "tokens",
		coord.UsageTokens()+c.pipeline.UsageTokens())
	tracing.SetOK(span)
	return answer, iterations, nil
}
