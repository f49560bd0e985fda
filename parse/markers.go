package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// AgentCallMarker precedes the ```json dispatch payload.
	AgentCallMarker = "CALL_AGENT:"
	// FinalAnswerMarker terminates a coordinated run.
	FinalAnswerMarker = "Final Answer is:"
)

// ErrNoAgentCall is returned when text carries no dispatch payload.
var ErrNoAgentCall = errors.New("no agent call")

var thinkExpr = regexp.MustCompile(`(?s)<think>.*?</think>`)

// AgentCall is a coordinator's request to hand the turn to a registrant.
type AgentCall struct {
	AgentName   string  `json:"agent_name"`
	Instruction *string `json:"instruction,omitempty"`
}

// HasInstruction reports whether a non-empty instruction was given.
func (c AgentCall) HasInstruction() bool {
	return c.Instruction != nil && *c.Instruction != ""
}

const agentCallSchema = `{
	"type": "object",
	"properties": {
		"agent_name": {"type": "string", "minLength": 1},
		"instruction": {"type": ["string", "null"]}
	},
	"required": ["agent_name"]
}`

var agentCallValidator = MustCompileSchema(agentCallSchema)

// FindAgentCall decodes the last ```json block following CALL_AGENT:.
// It returns ErrNoAgentCall when the marker or block is missing.
func FindAgentCall(text string) (AgentCall, error) {
	if !strings.Contains(text, AgentCallMarker) {
		return AgentCall{}, ErrNoAgentCall
	}
	payload, ok := LastJSON(text)
	if !ok {
		return AgentCall{}, ErrNoAgentCall
	}
	var call AgentCall
	if err := agentCallValidator.Decode(payload, &call); err != nil {
		return AgentCall{}, fmt.Errorf("agent call: %w", err)
	}
	return call, nil
}

// FormatAgentCall renders a dispatch payload the way FindAgentCall reads it.
func FormatAgentCall(name, instruction string) string {
	call := AgentCall{AgentName: name}
	if instruction != "" {
		call.Instruction = &instruction
	}
	b, _ := json.Marshal(call)
	return AgentCallMarker + "\n```json\n" + string(b) + "\n```"
}

// HasFinalAnswer reports whether text contains the termination marker.
func HasFinalAnswer(text string) bool {
	return strings.Contains(text, FinalAnswerMarker)
}

// FormatFinalAnswer prefixes answer with the termination marker.
func FormatFinalAnswer(answer string) string {
	return FinalAnswerMarker + " " + answer
}

// StripFinalAnswer returns the trimmed text after the first marker, or the
// trimmed text itself when there is none.
func StripFinalAnswer(text string) string {
	if _, after, ok := strings.Cut(text, FinalAnswerMarker); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(text)
}

// StripThinking removes <think>...</think> blocks emitted by reasoning models.
func StripThinking(text string) string {
	return thinkExpr.ReplaceAllString(text, "")
}
