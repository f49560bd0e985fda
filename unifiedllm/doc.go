// Package unifiedllm is the language model layer the agents talk to. It
// routes requests to provider adapters, classifies provider failures, and
// exposes a Backend that never returns a Go error.
//
// # Architecture
//
//   - Provider adapters: OpenAIAdapter for OpenAI-compatible endpoints
//     (OpenAI, Zhipu, DeepSeek, Ollama) and GollmAdapter for everything
//     github.com/teilomillet/gollm supports
//   - Client: provider routing and middleware (circuit breaker, rate limit,
//     tracing, logging)
//   - Backend: retries, local tool execution, post-processing
//
// # Using the Backend
//
//	adapter, _ := unifiedllm.NewOpenAIAdapter("zhipu", os.Getenv("ZHIPU_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("zhipu", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.TracingMiddleware()),
//	)
//	backend := unifiedllm.NewClientBackend(client, unifiedllm.WithBackendModel("glm-4-plus"))
//
//	c := backend.Generate(ctx, unifiedllm.GenerateRequest{
//	    System:   "You are a SQL analyst.",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("How many funds are listed?")},
//	})
//	if !c.OK {
//	    // c.Content holds the error text
//	}
//
// # Tools
//
// Tools run locally, in call order. Each result is appended to the completion
// after ToolResultMarker; the first failing or unknown tool stops execution
// and marks the completion as not OK.
package unifiedllm
