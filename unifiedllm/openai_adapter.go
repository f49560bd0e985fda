package unifiedllm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Well-known OpenAI-compatible endpoints.
const (
	ZhipuBaseURL    = "https://open.bigmodel.cn/api/paas/v4/"
	DeepSeekBaseURL = "https://api.deepseek.com/v1/"
	OllamaBaseURL   = "http://localhost:11434/v1/"
)

// OpenAIAdapter implements ProviderAdapter over the Chat Completions API.
// Any OpenAI-compatible endpoint (Zhipu, DeepSeek, Ollama) works by setting a
// base URL.
type OpenAIAdapter struct {
	name   string
	model  string
	client openai.Client
	tokens *TokenCounter
	// o-series models take the system prompt as a developer message.
	developerRole bool
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
	tokens     *TokenCounter
}

// WithBaseURL points the adapter at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAIModel sets the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *openAIConfig) { c.httpClient = hc }
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithOpenAITokenCounter shares a token counter for providers that omit usage.
func WithOpenAITokenCounter(tc *TokenCounter) OpenAIOption {
	return func(c *openAIConfig) { c.tokens = tc }
}

// NewOpenAIAdapter creates an adapter registered under name.
func NewOpenAIAdapter(name, apiKey string, opts ...OpenAIOption) (*OpenAIAdapter, error) {
	cfg := &openAIConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = defaultBaseURL(name)
	}
	model := cfg.model
	if model == "" {
		info := GetLatestModel(name, false)
		if info == nil {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "no model configured for provider " + name}}
		}
		model = info.ID
	}
	if apiKey == "" && name != "ollama" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "missing api key for provider " + name}}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithMaxRetries(0), // retries happen in Retry and the actor
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSpace(cfg.baseURL)))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	tokens := cfg.tokens
	if tokens == nil {
		tokens = NewTokenCounter()
	}
	return &OpenAIAdapter{
		name:          name,
		model:         model,
		client:        openai.NewClient(reqOpts...),
		tokens:        tokens,
		developerRole: strings.HasPrefix(model, "o"),
	}, nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "zhipu":
		return ZhipuBaseURL
	case "deepseek":
		return DeepSeekBaseURL
	case "ollama":
		return OllamaBaseURL
	default:
		return ""
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// Complete sends a blocking chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	model := string(params.Model)
	out := &Response{
		ID:       resp.ID,
		Model:    model,
		Provider: a.name,
		Message:  Message{Role: RoleAssistant},
		Created:  time.Unix(resp.Created, 0),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if out.ID == "" {
		out.ID = "resp_" + uuid.NewString()[:8]
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.FinishReason = FinishReason{Reason: mapFinishReason(choice.FinishReason), Raw: choice.FinishReason}
		if choice.Message.Content != "" {
			out.Message.Content = append(out.Message.Content, TextPart(choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()[:8]
			}
			args := strings.TrimSpace(tc.Function.Arguments)
			if args == "" {
				args = "{}"
			}
			out.Message.Content = append(out.Message.Content, ToolCallPart(id, tc.Function.Name, []byte(args)))
		}
	}
	if len(out.Message.ToolCalls()) > 0 {
		out.FinishReason = FinishReason{Reason: "tool_calls", Raw: out.FinishReason.Raw}
	}

	if out.Usage.TotalTokens == 0 {
		in := a.tokens.CountRequest(Request{Model: model, Messages: req.Messages})
		o := a.tokens.Count(model, out.Text())
		out.Usage = Usage{InputTokens: in, OutputTokens: o, TotalTokens: in + o}
	}
	return out, nil
}

// Stream sends a streaming chat completion request.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}

		acc := openai.ChatCompletionAccumulator{}
		textID := "text_0"
		started := false
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !started {
				ch <- StreamEvent{Type: TextStart, TextID: textID}
				started = true
			}
			ch <- StreamEvent{Type: TextDelta, Delta: delta, TextID: textID}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
			return
		}
		if started {
			ch <- StreamEvent{Type: TextEnd, TextID: textID}
		}

		if len(acc.Choices) > 0 {
			for _, call := range acc.Choices[0].Message.ToolCalls {
				ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: []byte(call.Function.Arguments),
				}}
			}
		}

		usage := Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:  int(acc.Usage.TotalTokens),
		}
		reason := "stop"
		if len(acc.Choices) > 0 && acc.Choices[0].FinishReason != "" {
			reason = mapFinishReason(acc.Choices[0].FinishReason)
		}
		ch <- StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: reason}, Usage: &usage}
	}()

	return ch, nil
}

// SupportsToolChoice reports whether the adapter supports a tool choice mode.
func (a *OpenAIAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	default:
		return false
	}
}

func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: a.buildMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.ToolDefs))
		for _, def := range req.ToolDefs {
			fn := shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
			}
			if def.Parameters != nil {
				fn.Parameters = shared.FunctionParameters(def.Parameters)
			}
			tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
		}
		params.Tools = tools
		mode := "auto"
		if req.ToolChoice != nil && req.ToolChoice.Mode != "" {
			mode = req.ToolChoice.Mode
		}
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(mode)}
	}
	return params
}

func (a *OpenAIAdapter) buildMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.TextContent()
		switch msg.Role {
		case RoleSystem:
			if a.developerRole {
				out = append(out, openai.DeveloperMessage(text))
			} else {
				out = append(out, openai.SystemMessage(text))
			}
		case RoleUser:
			out = append(out, openai.UserMessage(text))
		case RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			params := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
			for _, c := range calls {
				params = append(params, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: string(c.Arguments),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: params}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					out = append(out, openai.ToolMessage(string(part.ToolResult.Content), part.ToolResult.ToolCallID))
				}
			}
		}
	}
	return out
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return ErrorFromStatusCode(apiErr.StatusCode, msg, a.name, apiErr.Code, nil, nil)
	}
	return classifyError(a.name, err)
}

func mapFinishReason(raw string) string {
	switch raw {
	case "stop", "length", "tool_calls", "content_filter":
		return raw
	case "function_call":
		return "tool_calls"
	case "":
		return "stop"
	default:
		return "other"
	}
}
