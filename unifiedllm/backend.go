package unifiedllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ToolResultMarker separates the model's text from appended tool output.
const ToolResultMarker = "\n调用结果:\n"

// Backend is the language model contract the agents are written against.
// It never returns a Go error: failures come back as a Completion with OK
// unset and the error text as Content.
type Backend interface {
	Generate(ctx context.Context, req GenerateRequest) Completion
}

// BackendFunc adapts an ordinary function to Backend.
type BackendFunc func(ctx context.Context, req GenerateRequest) Completion

// Generate calls f(ctx, req).
func (f BackendFunc) Generate(ctx context.Context, req GenerateRequest) Completion {
	return f(ctx, req)
}

// GenerateOptions are per-call generation parameters.
type GenerateOptions struct {
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stream      bool
}

// GenerateRequest is one backend call: a system prompt, the conversation and
// optional locally-executed tools.
type GenerateRequest struct {
	System   string
	Messages []Message
	Tools    []Tool
	Options  GenerateOptions
}

// Completion is the outcome of a backend call.
type Completion struct {
	Content string
	Tokens  int
	OK      bool
	Err     error
}

// ClientBackend adapts a Client to Backend. It retries transient provider
// failures, runs tool handlers and appends their output, and applies an
// optional post-process to successful content.
type ClientBackend struct {
	client      *Client
	provider    string
	model       string
	retry       RetryPolicy
	postProcess func(string) string
	logger      *slog.Logger
}

// BackendOption configures a ClientBackend.
type BackendOption func(*ClientBackend)

// WithBackendProvider pins the provider used for every call.
func WithBackendProvider(name string) BackendOption {
	return func(b *ClientBackend) { b.provider = name }
}

// WithBackendModel sets the default model.
func WithBackendModel(model string) BackendOption {
	return func(b *ClientBackend) { b.model = model }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) BackendOption {
	return func(b *ClientBackend) { b.retry = p }
}

// WithPostProcess transforms successful content before it is returned,
// e.g. stripping <think> blocks from reasoning models.
func WithPostProcess(fn func(string) string) BackendOption {
	return func(b *ClientBackend) { b.postProcess = fn }
}

// WithBackendLogger sets the logger.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *ClientBackend) { b.logger = logger }
}

// NewClientBackend wraps client.
func NewClientBackend(client *Client, opts ...BackendOption) *ClientBackend {
	b := &ClientBackend{
		client: client,
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	if b.retry.OnRetry == nil {
		logger := b.logger
		b.retry.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying llm call", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return b
}

var _ Backend = (*ClientBackend)(nil)

// Generate implements Backend.
func (b *ClientBackend) Generate(ctx context.Context, greq GenerateRequest) Completion {
	req := b.buildRequest(greq)

	var (
		resp *Response
		err  error
	)
	if greq.Options.Stream {
		resp, err = Retry(ctx, b.retry, func(ctx context.Context) (*Response, error) {
			return b.stream(ctx, req)
		})
	} else {
		resp, err = Retry(ctx, b.retry, func(ctx context.Context) (*Response, error) {
			return b.client.Complete(ctx, req)
		})
	}
	if err != nil {
		b.logger.Debug("llm call failed", "error", err)
		return Completion{Content: err.Error(), Err: err}
	}

	if reasoning := resp.Reasoning(); reasoning != "" {
		b.logger.Debug("llm reasoning", "reasoning", reasoning)
	}
	content := resp.Text()
	ok := true
	if calls := resp.ToolCallsFromResponse(); len(calls) > 0 {
		var toolOut string
		toolOut, err = runTools(greq.Tools, calls, b.logger)
		content += toolOut
		ok = err == nil
	}
	if ok && b.postProcess != nil {
		content = b.postProcess(content)
	}
	return Completion{
		Content: strings.TrimSpace(content),
		Tokens:  resp.Usage.TotalTokens,
		OK:      ok,
		Err:     err,
	}
}

func (b *ClientBackend) buildRequest(greq GenerateRequest) Request {
	model := greq.Options.Model
	if model == "" {
		model = b.model
	}
	msgs := make([]Message, 0, len(greq.Messages)+1)
	if greq.System != "" {
		msgs = append(msgs, SystemMessage(greq.System))
	}
	msgs = append(msgs, greq.Messages...)

	req := Request{
		Model:       model,
		Provider:    b.provider,
		Messages:    msgs,
		Temperature: greq.Options.Temperature,
		TopP:        greq.Options.TopP,
		MaxTokens:   greq.Options.MaxTokens,
	}
	for _, t := range greq.Tools {
		req.ToolDefs = append(req.ToolDefs, t.Definition())
	}
	return req
}

// stream drains a streaming call into a single Response.
func (b *ClientBackend) stream(ctx context.Context, req Request) (*Response, error) {
	events, err := b.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := NewStreamAccumulator()
	for ev := range events {
		if ev.Type == StreamError {
			// Drain so the producer goroutine can exit.
			for range events {
			}
			return nil, ev.Error
		}
		acc.Process(ev)
	}
	return acc.Response(), nil
}

// runTools executes every tool call in order and renders their output. A
// failing or unknown tool is reported in place; the first such error is
// returned once all calls have run.
func runTools(tools []Tool, calls []ToolCall, logger *slog.Logger) (string, error) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	var (
		sb    strings.Builder
		first error
	)
	for _, call := range calls {
		logger.Debug("tool call", "name", call.Name, "arguments", string(call.Arguments))
		sb.WriteString(ToolResultMarker)
		tool, ok := byName[call.Name]
		if !ok || tool.Execute == nil {
			fmt.Fprintf(&sb, "no function named %s", call.Name)
			if first == nil {
				first = fmt.Errorf("unknown tool %q", call.Name)
			}
			continue
		}
		out, err := tool.Execute(call.Arguments)
		if err != nil {
			fmt.Fprintf(&sb, "error executing %s: %v", call.Name, err)
			if first == nil {
				first = fmt.Errorf("tool %s: %w", call.Name, err)
			}
			continue
		}
		sb.WriteString(out)
	}
	return sb.String(), first
}

// StreamAccumulator collects stream events into a complete Response.
type StreamAccumulator struct {
	text         strings.Builder
	reasoning    strings.Builder
	toolCalls    []ToolCall
	finishReason *FinishReason
	usage        *Usage
	response     *Response
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		sa.text.WriteString(event.Delta)
	case ReasoningDelta:
		sa.reasoning.WriteString(event.ReasoningDelta)
	case ToolCallEnd:
		if event.ToolCall != nil {
			sa.toolCalls = append(sa.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	}
}

// Response returns the accumulated response.
func (sa *StreamAccumulator) Response() *Response {
	if sa.response != nil {
		return sa.response
	}
	var content []ContentPart
	if sa.reasoning.Len() > 0 {
		content = append(content, ThinkingPart(sa.reasoning.String()))
	}
	if sa.text.Len() > 0 {
		content = append(content, TextPart(sa.text.String()))
	}
	for _, tc := range sa.toolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	fr := FinishReason{Reason: "stop"}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	}
	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}
	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
	}
}
