package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("SystemMessage", func(t *testing.T) {
		msg := SystemMessage("You are helpful.")
		if msg.Role != RoleSystem {
			t.Errorf("expected role %q, got %q", RoleSystem, msg.Role)
		}
		if msg.TextContent() != "You are helpful." {
			t.Errorf("expected text %q, got %q", "You are helpful.", msg.TextContent())
		}
	})

	t.Run("UserMessage", func(t *testing.T) {
		msg := UserMessage("Hello")
		if msg.Role != RoleUser {
			t.Errorf("expected role %q, got %q", RoleUser, msg.Role)
		}
		if msg.TextContent() != "Hello" {
			t.Errorf("expected text %q, got %q", "Hello", msg.TextContent())
		}
	})

	t.Run("AssistantMessage", func(t *testing.T) {
		msg := AssistantMessage("Hi there")
		if msg.Role != RoleAssistant {
			t.Errorf("expected role %q, got %q", RoleAssistant, msg.Role)
		}
		if msg.TextContent() != "Hi there" {
			t.Errorf("expected text %q, got %q", "Hi there", msg.TextContent())
		}
	})
}

func TestContentPartConstructors(t *testing.T) {
	t.Run("TextPart", func(t *testing.T) {
		part := TextPart("hello")
		if part.Kind != ContentText {
			t.Errorf("expected kind %q, got %q", ContentText, part.Kind)
		}
		if part.Text != "hello" {
			t.Errorf("expected text %q, got %q", "hello", part.Text)
		}
	})

	t.Run("ToolCallPart", func(t *testing.T) {
		args := json.RawMessage(`{"city": "SF"}`)
		part := ToolCallPart("call_1", "get_weather", args)
		if part.Kind != ContentToolCall {
			t.Errorf("expected kind %q, got %q", ContentToolCall, part.Kind)
		}
		if part.ToolCall.Name != "get_weather" {
			t.Errorf("expected name %q, got %q", "get_weather", part.ToolCall.Name)
		}
	})

	t.Run("ThinkingPart", func(t *testing.T) {
		part := ThinkingPart("Let me think...")
		if part.Kind != ContentThinking {
			t.Errorf("expected kind %q, got %q", ContentThinking, part.Kind)
		}
		if part.Thinking.Text != "Let me think..." {
			t.Errorf("expected text %q, got %q", "Let me think...", part.Thinking.Text)
		}
	})
}

func TestMessageTextContent(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Hello "),
			ThinkingPart("thinking..."),
			TextPart("world"),
		},
	}
	text := msg.TextContent()
	if text != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", text)
	}
}

func TestMessageToolCalls(t *testing.T) {
	args1 := json.RawMessage(`{"city":"SF"}`)
	args2 := json.RawMessage(`{"city":"NYC"}`)
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Let me check the weather."),
			ToolCallPart("call_1", "get_weather", args1),
			ToolCallPart("call_2", "get_weather", args2),
		},
	}
	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("expected name %q, got %q", "get_weather", calls[0].Name)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}
	b := Usage{InputTokens: 5, OutputTokens: 15, TotalTokens: 20}
	result := a.Add(b)

	if result.InputTokens != 15 {
		t.Errorf("expected input_tokens 15, got %d", result.InputTokens)
	}
	if result.OutputTokens != 35 {
		t.Errorf("expected output_tokens 35, got %d", result.OutputTokens)
	}
	if result.TotalTokens != 50 {
		t.Errorf("expected total_tokens 50, got %d", result.TotalTokens)
	}
	if result.ReasoningTokens != nil {
		t.Errorf("expected reasoning_tokens nil, got %v", result.ReasoningTokens)
	}
}

func TestUsageAddOptionalFields(t *testing.T) {
	five := 5
	ten := 10
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, ReasoningTokens: &five}
	b := Usage{InputTokens: 5, OutputTokens: 15, TotalTokens: 20, ReasoningTokens: &ten}
	result := a.Add(b)

	if result.ReasoningTokens == nil {
		t.Fatal("expected non-nil reasoning_tokens")
	}
	if *result.ReasoningTokens != 15 {
		t.Errorf("expected reasoning_tokens 15, got %d", *result.ReasoningTokens)
	}
}

func TestUsageAddOneNilOptional(t *testing.T) {
	five := 5
	a := Usage{ReasoningTokens: &five}
	b := Usage{}
	result := a.Add(b)

	if result.ReasoningTokens == nil {
		t.Fatal("expected non-nil reasoning_tokens")
	}
	if *result.ReasoningTokens != 5 {
		t.Errorf("expected reasoning_tokens 5, got %d", *result.ReasoningTokens)
	}
}

func TestRequestSystemPrompt(t *testing.T) {
	req := Request{Messages: []Message{
		SystemMessage("You are a SQL analyst."),
		UserMessage("How many funds?"),
		SystemMessage("Answer in Chinese."),
	}}
	want := "You are a SQL analyst.\nAnswer in Chinese."
	if got := req.SystemPrompt(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestToolDefinition(t *testing.T) {
	tool := Tool{
		Name:        "run_sql",
		Description: "Execute a query",
		Parameters:  map[string]interface{}{"type": "object"},
		Execute:     func(json.RawMessage) (string, error) { return "", nil },
	}
	def := tool.Definition()
	if def.Name != "run_sql" || def.Description != "Execute a query" {
		t.Errorf("unexpected definition %+v", def)
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("expected parameters to carry through")
	}
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{
		Message: Message{
			Role: RoleAssistant,
			Content: []ContentPart{
				ThinkingPart("reasoning here"),
				TextPart("The answer is 42."),
				ToolCallPart("call_1", "calc", json.RawMessage(`{}`)),
			},
		},
	}

	if resp.Text() != "The answer is 42." {
		t.Errorf("expected text %q, got %q", "The answer is 42.", resp.Text())
	}

	if resp.Reasoning() != "reasoning here" {
		t.Errorf("expected reasoning %q, got %q", "reasoning here", resp.Reasoning())
	}

	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Name != "calc" {
		t.Errorf("expected tool name %q, got %q", "calc", calls[0].Name)
	}
}
