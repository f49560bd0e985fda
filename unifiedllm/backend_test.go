package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// sequenceAdapter returns responses or errors in order, repeating the last.
type sequenceAdapter struct {
	name  string
	steps []sequenceStep
	idx   int
	reqs  []Request
}

type sequenceStep struct {
	resp *Response
	err  error
}

func (s *sequenceAdapter) Name() string { return s.name }

func (s *sequenceAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	s.reqs = append(s.reqs, req)
	step := s.steps[len(s.steps)-1]
	if s.idx < len(s.steps) {
		step = s.steps[s.idx]
		s.idx++
	}
	return step.resp, step.err
}

func (s *sequenceAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func textResponse(text string, tokens int) *Response {
	return &Response{
		Message: Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}},
		Usage:   Usage{TotalTokens: tokens},
	}
}

func newTestBackend(adapter ProviderAdapter, opts ...BackendOption) *ClientBackend {
	opts = append([]BackendOption{WithRetryPolicy(fastPolicy(2))}, opts...)
	return NewClientBackend(NewClient(WithProvider(adapter.Name(), adapter)), opts...)
}

func TestBackendGenerate(t *testing.T) {
	adapter := &sequenceAdapter{name: "zhipu", steps: []sequenceStep{{resp: textResponse("  42 funds \n", 17)}}}
	b := newTestBackend(adapter, WithBackendModel("glm-4-plus"))

	c := b.Generate(context.Background(), GenerateRequest{
		System:   "You are a SQL analyst.",
		Messages: []Message{UserMessage("How many funds?")},
	})
	if !c.OK {
		t.Fatalf("expected OK, got error %v", c.Err)
	}
	if c.Content != "42 funds" {
		t.Errorf("expected trimmed content, got %q", c.Content)
	}
	if c.Tokens != 17 {
		t.Errorf("expected 17 tokens, got %d", c.Tokens)
	}

	req := adapter.reqs[0]
	if req.Model != "glm-4-plus" {
		t.Errorf("expected default model, got %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem {
		t.Errorf("expected system prompt first, got %+v", req.Messages)
	}
}

func TestBackendRetriesTransientFailures(t *testing.T) {
	adapter := &sequenceAdapter{name: "zhipu", steps: []sequenceStep{
		{err: &ServerError{ProviderError: ProviderError{Retryable: true}}},
		{resp: textResponse("ok", 1)},
	}}
	b := newTestBackend(adapter)

	c := b.Generate(context.Background(), GenerateRequest{Messages: []Message{UserMessage("hi")}})
	if !c.OK || c.Content != "ok" {
		t.Fatalf("expected recovery after retry, got %+v", c)
	}
	if len(adapter.reqs) != 2 {
		t.Errorf("expected 2 provider calls, got %d", len(adapter.reqs))
	}
}

func TestBackendFailureIsNotOK(t *testing.T) {
	adapter := &sequenceAdapter{name: "zhipu", steps: []sequenceStep{
		{err: &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "bad key"}}}},
	}}
	b := newTestBackend(adapter)

	c := b.Generate(context.Background(), GenerateRequest{Messages: []Message{UserMessage("hi")}})
	if c.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(c.Content, "bad key") {
		t.Errorf("expected error text as content, got %q", c.Content)
	}
	var authErr *AuthenticationError
	if !errors.As(c.Err, &authErr) {
		t.Errorf("expected AuthenticationError, got %T", c.Err)
	}
	if len(adapter.reqs) != 1 {
		t.Errorf("non-retryable errors must not be retried, got %d calls", len(adapter.reqs))
	}
}

func toolCallResponse(text string, calls ...ToolCall) *Response {
	parts := []ContentPart{TextPart(text)}
	for _, c := range calls {
		parts = append(parts, ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &Response{Message: Message{Role: RoleAssistant, Content: parts}, Usage: Usage{TotalTokens: 5}}
}

func TestBackendRunsTools(t *testing.T) {
	var order []string
	tools := []Tool{
		{Name: "first", Execute: func(args json.RawMessage) (string, error) {
			order = append(order, "first")
			return "one", nil
		}},
		{Name: "second", Execute: func(args json.RawMessage) (string, error) {
			order = append(order, "second:"+string(args))
			return "two", nil
		}},
	}
	adapter := &sequenceAdapter{name: "zhipu", steps: []sequenceStep{{resp: toolCallResponse("calling",
		ToolCall{ID: "1", Name: "first", Arguments: json.RawMessage(`{}`)},
		ToolCall{ID: "2", Name: "second", Arguments: json.RawMessage(`{"x":1}`)},
	)}}}
	b := newTestBackend(adapter)

	c := b.Generate(context.Background(), GenerateRequest{Messages: []Message{UserMessage("go")}, Tools: tools})
	if !c.OK {
		t.Fatalf("expected OK, got %v", c.Err)
	}
	want := "calling" + ToolResultMarker + "one" + ToolResultMarker + "two"
	if c.Content != want {
		t.Errorf("expected %q, got %q", want, c.Content)
	}
	if len(order) != 2 || order[1] != `second:{"x":1}` {
		t.Errorf("unexpected execution order %v", order)
	}
	if len(adapter.reqs[0].ToolDefs) != 2 {
		t.Errorf("expected tool definitions on the request")
	}
}

func TestBackendToolFailureRunsRemainingTools(t *testing.T) {
	called := false
	tools := []Tool{
		{Name: "broken", Execute: func(json.RawMessage) (string, error) { return "", errors.New("boom") }},
		{Name: "after", Execute: func(json.RawMessage) (string, error) { called = true; return "done", nil }},
	}
	adapter := &sequenceAdapter{name: "zhipu", steps: []sequenceStep{{resp: toolCallResponse("x",
		ToolCall{ID: "1", Name: "broken"},
		ToolCall{ID: "2", Name: "missing"},
		ToolCall{ID: "3", Name: "after"},
	)}}}
	postProcessed := false
	b := newTestBackend(adapter, WithPostProcess(func(s string) string { postProcessed = true; return s }))

	c := b.Generate(context.Background(), GenerateRequest{Messages: []Message{UserMessage("go")}, Tools: tools})
	if c.OK {
		t.Fatal("expected failing tool to clear OK")
	}
	if !called {
		t.Error("expected tools after a failure to run")
	}
	want := "x" + ToolResultMarker + "error executing broken: boom" +
		ToolResultMarker + "no function named missing" +
		ToolResultMarker + "done"
	if c.Content != want {
		t.Errorf("expected content %q, got %q", want, c.Content)
	}
	if c.Err == nil || !strings.Contains(c.Err.Error(), "tool broken") {
		t.Errorf("expected the first tool error, got %v", c.Err)
	}
	if postProcessed {
		t.Error("post-process must only run on success")
	}
}

func TestBackendUnknownTool(t *testing.T) {
	adapter := &sequenceAdapter{name: "zhipu", steps: []sequenceStep{{resp: toolCallResponse("x",
		ToolCall{ID: "1", Name: "missing"},
	)}}}
	b := newTestBackend(adapter)

	c := b.Generate(context.Background(), GenerateRequest{Messages: []Message{UserMessage("go")}})
	if c.OK {
		t.Fatal("expected unknown tool to clear OK")
	}
	if !strings.HasSuffix(c.Content, "no function named missing") {
		t.Errorf("unexpected content %q", c.Content)
	}
}

func TestBackendPostProcess(t *testing.T) {
	adapter := &sequenceAdapter{name: "ollama", steps: []sequenceStep{{resp: textResponse("<think>hmm</think>answer", 3)}}}
	b := newTestBackend(adapter, WithPostProcess(func(s string) string {
		return strings.TrimPrefix(s, "<think>hmm</think>")
	}))

	c := b.Generate(context.Background(), GenerateRequest{Messages: []Message{UserMessage("q")}})
	if c.Content != "answer" {
		t.Errorf("expected post-processed content, got %q", c.Content)
	}
}

func TestBackendStream(t *testing.T) {
	mock := &mockAdapter{
		name: "zhipu",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "SELECT "},
			{Type: TextDelta, Delta: "1;"},
			{Type: StreamFinish, Usage: &Usage{TotalTokens: 9}},
		},
	}
	b := newTestBackend(mock)

	c := b.Generate(context.Background(), GenerateRequest{
		Messages: []Message{UserMessage("q")},
		Options:  GenerateOptions{Stream: true},
	})
	if !c.OK || c.Content != "SELECT 1;" {
		t.Fatalf("unexpected completion %+v", c)
	}
	if c.Tokens != 9 {
		t.Errorf("expected 9 tokens, got %d", c.Tokens)
	}
}

func TestBackendStreamLogsReasoning(t *testing.T) {
	mock := &mockAdapter{
		name: "deepseek",
		events: []StreamEvent{
			{Type: ReasoningDelta, ReasoningDelta: "count the rows first"},
			{Type: TextDelta, Delta: "42"},
			{Type: StreamFinish},
		},
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := newTestBackend(mock, WithBackendLogger(logger))

	c := b.Generate(context.Background(), GenerateRequest{
		Messages: []Message{UserMessage("q")},
		Options:  GenerateOptions{Stream: true},
	})
	if !c.OK || c.Content != "42" {
		t.Fatalf("unexpected completion %+v", c)
	}
	if !strings.Contains(buf.String(), "count the rows first") {
		t.Errorf("expected reasoning in the debug log, got %q", buf.String())
	}
}

func TestBackendStreamError(t *testing.T) {
	mock := &mockAdapter{
		name: "zhipu",
		events: []StreamEvent{
			{Type: TextDelta, Delta: "partial"},
			{Type: StreamError, Error: &InvalidRequestError{ProviderError: ProviderError{SDKError: SDKError{Message: "bad"}}}},
			{Type: StreamFinish},
		},
	}
	b := newTestBackend(mock)

	c := b.Generate(context.Background(), GenerateRequest{
		Messages: []Message{UserMessage("q")},
		Options:  GenerateOptions{Stream: true},
	})
	if c.OK {
		t.Fatal("expected stream error to fail the completion")
	}
}
