package unifiedllm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/martinemde/sqlcrew/unifiedllm"

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures CircuitBreakerMiddleware.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero uses the default.
	Interval time.Duration
}

// CircuitBreakerMiddleware fails fast once a provider keeps failing, so the
// actor's repair retries do not hammer an unavailable endpoint. Only
// retryable errors count as failures; a bad request says nothing about the
// provider's health.
func CircuitBreakerMiddleware(name string, cfg BreakerConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cb := newBreaker[*Response]("llm:"+name, cfg, logger)

	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		resp, err := cb.Execute(func() (*Response, error) {
			return next(ctx, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CircuitOpenError{SDKError: SDKError{Message: "provider " + name + " circuit open", Cause: err}}
		}
		return resp, err
	}
}

// NewBreaker builds a gobreaker circuit breaker with the package defaults.
// It is exported for other transports, such as the SQL executor, that want
// the same trip policy.
func NewBreaker[T any](name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return newBreaker[T](name, cfg, logger)
}

func newBreaker[T any](name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})
}

// RateLimitMiddleware blocks each call until the limiter admits it.
func RateLimitMiddleware(limiter *rate.Limiter) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "rate limiter wait", Cause: err}}
		}
		return next(ctx, req)
	}
}

// RateLimitStreamMiddleware is RateLimitMiddleware for streaming calls.
func RateLimitStreamMiddleware(limiter *rate.Limiter) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "rate limiter wait", Cause: err}}
		}
		return next(ctx, req)
	}
}

// NewLimiter returns a limiter admitting perMinute calls with the given burst.
// A non-positive rate disables limiting.
func NewLimiter(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
}

// TracingMiddleware records a span per provider call with token usage.
func TracingMiddleware() Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.complete")
		defer span.End()
		span.SetAttributes(
			attribute.String("llm.provider", req.Provider),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages", len(req.Messages)),
		)

		resp, err := next(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.usage.output_tokens", resp.Usage.OutputTokens),
			attribute.String("llm.finish_reason", resp.FinishReason.Reason),
		)
		span.SetStatus(codes.Ok, "")
		return resp, nil
	}
}

// LoggingMiddleware logs each provider call at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			logger.Debug("llm call failed",
				"provider", req.Provider,
				"model", req.Model,
				"duration", time.Since(start),
				"error", err,
			)
			return nil, err
		}
		logger.Debug("llm call",
			"provider", req.Provider,
			"model", resp.Model,
			"duration", time.Since(start),
			"tokens", resp.Usage.TotalTokens,
		)
		return resp, nil
	}
}
