package solver

import (
	"fmt"
	"log/slog"

	"github.com/martinemde/sqlcrew/config"
	"github.com/martinemde/sqlcrew/parse"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

// NewBackend builds the model backend cfg describes: an OpenAI-compatible or
// gollm provider behind logging, tracing, circuit breaker and rate limit
// middleware, with transport retries. The returned func releases the client.
func NewBackend(cfg config.LLM, logger *slog.Logger) (unifiedllm.Backend, func() error, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tokens := unifiedllm.NewTokenCounter()

	var (
		adapter unifiedllm.ProviderAdapter
		err     error
	)
	switch cfg.Adapter {
	case "gollm":
		opts := []unifiedllm.GollmAdapterOption{
			unifiedllm.WithModel(cfg.Model),
			unifiedllm.WithTokenCounter(tokens),
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, unifiedllm.WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.Temperature != nil {
			opts = append(opts, unifiedllm.WithTemperature(*cfg.Temperature))
		}
		if cfg.RequestTimeout > 0 {
			opts = append(opts, unifiedllm.WithTimeout(cfg.RequestTimeout))
		}
		adapter, err = unifiedllm.NewGollmAdapter(cfg.Provider, cfg.APIKey, opts...)
	default:
		opts := []unifiedllm.OpenAIOption{
			unifiedllm.WithOpenAIModel(cfg.Model),
			unifiedllm.WithOpenAITokenCounter(tokens),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, unifiedllm.WithBaseURL(cfg.BaseURL))
		}
		if cfg.RequestTimeout > 0 {
			opts = append(opts, unifiedllm.WithRequestTimeout(cfg.RequestTimeout))
		}
		adapter, err = unifiedllm.NewOpenAIAdapter(cfg.Provider, cfg.APIKey, opts...)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create %s adapter for %s: %w", cfg.Adapter, cfg.Provider, err)
	}

	limiter := unifiedllm.NewLimiter(cfg.RatePerMinute, cfg.Burst)
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Provider),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.TracingMiddleware(),
			unifiedllm.CircuitBreakerMiddleware(cfg.Provider, unifiedllm.BreakerConfig{
				MaxFailures: cfg.Breaker.MaxFailures,
				Timeout:     cfg.Breaker.Timeout,
			}, logger),
			unifiedllm.RateLimitMiddleware(limiter),
		),
		unifiedllm.WithStreamMiddleware(unifiedllm.RateLimitStreamMiddleware(limiter)),
		unifiedllm.WithClientLogger(logger),
	)

	opts := []unifiedllm.BackendOption{
		unifiedllm.WithBackendProvider(cfg.Provider),
		unifiedllm.WithBackendModel(cfg.Model),
		unifiedllm.WithRetryPolicy(retryPolicy(cfg.Retry)),
		unifiedllm.WithBackendLogger(logger),
	}
	if cfg.StripThinking || unifiedllm.IsReasoningModel(cfg.Model) {
		opts = append(opts, unifiedllm.WithPostProcess(parse.StripThinking))
	}
	return unifiedllm.NewClientBackend(client, opts...), client.Close, nil
}

func retryPolicy(cfg config.Retry) unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxRetries = cfg.MaxRetries
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	p.Jitter = cfg.Jitter
	return p
}

// GenerateOptions derives per-call generation parameters from cfg.
func GenerateOptions(cfg config.LLM) unifiedllm.GenerateOptions {
	opts := unifiedllm.GenerateOptions{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		Stream:      cfg.Stream,
	}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		opts.MaxTokens = &n
	}
	return opts
}
