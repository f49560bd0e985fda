package coordinator

import (
	"context"
	"slices"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/toolloop"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

// Registrant is something the coordinator can hand a turn to. The set of
// implementations is closed: ActorRegistrant and LoopRegistrant.
type Registrant interface {
	// Invoke answers instruction in the context of transcript. Failures
	// come back as text so the coordinator can reason about them.
	Invoke(ctx context.Context, transcript []unifiedllm.Message, instruction string) string

	clearHistory()
	usageTokens() int
	addSection(key, value string)
	removeSection(key string)
	clearSections()
}

// ActorRegistrant delegates a turn to a single Actor.
type ActorRegistrant struct {
	Actor *actor.Actor
}

// Invoke implements Registrant.
func (r ActorRegistrant) Invoke(ctx context.Context, transcript []unifiedllm.Message, instruction string) string {
	return r.Actor.Chat(ctx, withInstruction(transcript, instruction)).Value
}

func (r ActorRegistrant) clearHistory()                { r.Actor.ClearHistory() }
func (r ActorRegistrant) usageTokens() int             { return r.Actor.UsageTokens() }
func (r ActorRegistrant) addSection(key, value string) { r.Actor.AddSection(key, value) }
func (r ActorRegistrant) removeSection(key string)     { r.Actor.RemoveSection(key) }
func (r ActorRegistrant) clearSections()               { r.Actor.ClearSections() }

// LoopRegistrant delegates a turn to a ToolLoop.
type LoopRegistrant struct {
	Loop *toolloop.Loop
}

// Invoke implements Registrant. A loop error is returned as
// actor.ErrorPrefix text.
func (r LoopRegistrant) Invoke(ctx context.Context, transcript []unifiedllm.Message, instruction string) string {
	res, err := r.Loop.Run(ctx, withInstruction(transcript, instruction))
	if err != nil {
		return actor.ErrorPrefix + err.Error()
	}
	return res.Answer
}

func (r LoopRegistrant) clearHistory()                { r.Loop.ClearHistory() }
func (r LoopRegistrant) usageTokens() int             { return r.Loop.UsageTokens() }
func (r LoopRegistrant) addSection(key, value string) { r.Loop.AddSection(key, value) }
func (r LoopRegistrant) removeSection(key string)     { r.Loop.RemoveSection(key) }
func (r LoopRegistrant) clearSections()               { r.Loop.ClearSections() }

func withInstruction(transcript []unifiedllm.Message, instruction string) []unifiedllm.Message {
	return append(slices.Clone(transcript), unifiedllm.UserMessage(instruction))
}
