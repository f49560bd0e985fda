// Package sqlexec runs SQL against the remote query endpoint.
//
// The endpoint accepts POST {"sql", "limit"} with a bearer token and answers
// {"success", "data", "detail"}. Transport failures count against a circuit
// breaker; a query the database rejects does not.
package sqlexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/martinemde/sqlcrew/config"
	"github.com/martinemde/sqlcrew/tracing"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

// DefaultURL is the public query endpoint.
const DefaultURL = "https://comm.chatglm.cn/finglm2/api/query"

const outOfSync = "Commands out of sync"

var (
	// ErrTimeout is returned when the endpoint does not answer in time. It is
	// retryable.
	ErrTimeout = errors.New("sql query timed out, simplify the query and retry")
	// ErrMultipleStatements matches a RemoteError caused by sending more than
	// one statement in a single query.
	ErrMultipleStatements = errors.New("cannot execute multiple SQL statements at once")
)

// RemoteError carries the endpoint's explanation for a rejected query.
type RemoteError struct {
	Detail string
}

func (e *RemoteError) Error() string { return e.Detail }

// Is reports ErrMultipleStatements for out-of-sync failures.
func (e *RemoteError) Is(target error) bool {
	return target == ErrMultipleStatements && strings.Contains(e.Detail, outOfSync)
}

type request struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit"`
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Detail  json.RawMessage `json:"detail"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client executes SQL over HTTP. It is safe for concurrent use.
type Client struct {
	url     string
	token   string
	limit   int
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a Client from cfg. An empty URL uses DefaultURL.
func New(cfg config.Executor, opts ...Option) *Client {
	c := &Client{
		url:     cfg.URL,
		token:   cfg.Token,
		limit:   cfg.ResultLimit,
		timeout: cfg.Timeout,
		http:    &http.Client{},
		limiter: unifiedllm.NewLimiter(cfg.RatePerMinute, cfg.Burst),
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.breaker = unifiedllm.NewBreaker[[]byte]("sql:"+c.url, unifiedllm.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
	}, c.logger)
	return c
}

// Limit returns the row limit sent with every query.
func (c *Client) Limit() int { return c.limit }

// Execute runs sql and returns the result rows as a JSON array.
func (c *Client) Execute(ctx context.Context, sql string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "sqlexec.execute",
		trace.WithAttributes(tracing.StringAttr("sql", sql)))
	defer span.End()

	sql = strings.ReplaceAll(sql, `\n`, " ")
	c.logger.Info("executing sql", "sql", sql)

	if err := c.limiter.Wait(ctx); err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("sql rate limiter: %w", err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, sql)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("sql endpoint circuit open: %w", err)
		}
		c.logger.Info("sql request failed", "error", err)
		tracing.RecordError(span, err)
		return "", err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		err = fmt.Errorf("decode sql response: %w", err)
		tracing.RecordError(span, err)
		return "", err
	}
	if !resp.Success {
		rerr := &RemoteError{Detail: detailText(resp.Detail)}
		c.logger.Info("sql query failed", "detail", rerr.Detail)
		tracing.RecordError(span, rerr)
		return "", rerr
	}

	data := strings.TrimSpace(string(resp.Data))
	if data == "" || data == "null" {
		data = "[]"
	}
	c.logger.Info("sql result", "data", data)
	tracing.SetOK(span)
	return data, nil
}

func (c *Client) post(ctx context.Context, sql string) ([]byte, error) {
	payload, err := json.Marshal(request{SQL: sql, Limit: c.limit})
	if err != nil {
		return nil, fmt.Errorf("encode sql request: %w", err)
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build sql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("sql request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read sql response: %w", err)
	}
	return body, nil
}

// isTimeout reports a deadline hit by the request timeout rather than by
// the caller's context.
func isTimeout(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// detailText returns a string detail unquoted and anything else as raw JSON.
func detailText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if len(raw) == 0 {
		return "unknown error"
	}
	return string(raw)
}
