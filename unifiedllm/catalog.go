package unifiedllm

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	DisplayName   string `json:"display_name"`
	ContextWindow int    `json:"context_window"`
	MaxOutput     int    `json:"max_output,omitempty"`
	SupportsTools bool   `json:"supports_tools"`

	// ThinkTags marks reasoning models that emit <think>...</think> blocks
	// inline with the answer.
	ThinkTags bool `json:"think_tags"`

	// Encoding is the tiktoken encoding used to estimate token counts.
	Encoding string   `json:"encoding"`
	Aliases  []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	// Zhipu (OpenAI-compatible endpoint)
	{
		ID: "glm-4-plus", Provider: "zhipu", DisplayName: "GLM-4 Plus",
		ContextWindow: 128000, MaxOutput: 4096, SupportsTools: true,
		Encoding: "cl100k_base", Aliases: []string{"glm4-plus"},
	},
	{
		ID: "glm-4-air", Provider: "zhipu", DisplayName: "GLM-4 Air",
		ContextWindow: 128000, MaxOutput: 4096, SupportsTools: true,
		Encoding: "cl100k_base",
	},

	// OpenAI
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true,
		Encoding: "o200k_base", Aliases: []string{"4o-mini"},
	},
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true,
		Encoding: "o200k_base",
	},

	// DeepSeek (OpenAI-compatible endpoint)
	{
		ID: "deepseek-chat", Provider: "deepseek", DisplayName: "DeepSeek V3",
		ContextWindow: 64000, MaxOutput: 8192, SupportsTools: true,
		Encoding: "cl100k_base", Aliases: []string{"deepseek/deepseek-chat", "deepseek-v3"},
	},
	{
		ID: "deepseek-reasoner", Provider: "deepseek", DisplayName: "DeepSeek R1",
		ContextWindow: 64000, MaxOutput: 8192, ThinkTags: true,
		Encoding: "cl100k_base", Aliases: []string{"deepseek-r1"},
	},

	// Ollama (local)
	{
		ID: "deepseek-r1:14b", Provider: "ollama", DisplayName: "DeepSeek R1 14B (local)",
		ContextWindow: 5120, ThinkTags: true,
		Encoding: "cl100k_base",
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// GetLatestModel returns the first catalog model for a provider, optionally
// restricted to models that support tools.
func GetLatestModel(provider string, needTools bool) *ModelInfo {
	for i := range Models {
		if Models[i].Provider != provider {
			continue
		}
		if needTools && !Models[i].SupportsTools {
			continue
		}
		return &Models[i]
	}
	return nil
}

// IsReasoningModel reports whether the model emits inline <think> blocks.
// Unknown models are matched by name.
func IsReasoningModel(modelID string) bool {
	if info := GetModelInfo(modelID); info != nil {
		return info.ThinkTags
	}
	lower := strings.ToLower(modelID)
	return strings.Contains(lower, "-r1") || strings.Contains(lower, "reasoner")
}
