package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateExecutor(cfg, ve)
	validateAgents(cfg, ve)
	validateSelection(cfg, ve)
	validateLogging(cfg, ve)
	validateTracing(cfg, ve)
	validateBatch(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.Provider == "" {
		ve.Add("llm.provider must not be empty")
	}
	switch cfg.LLM.Adapter {
	case "openai", "gollm":
	default:
		ve.Add("llm.adapter must be \"openai\" or \"gollm\", got %q", cfg.LLM.Adapter)
	}
	if t := cfg.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		ve.Add("llm.temperature must be in [0, 2]")
	}
	if p := cfg.LLM.TopP; p != nil && (*p <= 0 || *p > 1) {
		ve.Add("llm.top_p must be in (0, 1]")
	}
	if cfg.LLM.MaxTokens < 0 {
		ve.Add("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.Retry.MaxRetries < 0 {
		ve.Add("llm.retry.max_retries must be >= 0")
	}
	if cfg.LLM.RatePerMinute < 0 {
		ve.Add("llm.rate_per_minute must be >= 0")
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	if cfg.Executor.Timeout <= 0 {
		ve.Add("executor.timeout must be > 0")
	}
	if cfg.Executor.ResultLimit <= 0 {
		ve.Add("executor.result_limit must be > 0")
	}
	if cfg.Executor.RatePerMinute < 0 {
		ve.Add("executor.rate_per_minute must be >= 0")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.RetryLimit < 1 {
		ve.Add("agents.retry_limit must be >= 1")
	}
	if cfg.Agents.MaxHistory < 2 {
		ve.Add("agents.max_history must be >= 2")
	}
	if cfg.Loop.MaxIterations < 1 {
		ve.Add("loop.max_iterations must be >= 1")
	}
	if cfg.Coordinator.MaxIterations < 1 {
		ve.Add("coordinator.max_iterations must be >= 1")
	}
}

func validateSelection(cfg *Config, ve *ValidationError) {
	if cfg.Selection.Attempts < 1 {
		ve.Add("selection.attempts must be >= 1")
	}
	for table := range cfg.Selection.ForeignKeyHub {
		if strings.Count(table, ".") != 1 {
			ve.Add("selection.foreign_key_hub: %q must be database.table", table)
		}
	}
}

func validateLogging(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		ve.Add("logging.format must be \"text\" or \"json\", got %q", cfg.Logging.Format)
	}
}

func validateTracing(cfg *Config, ve *ValidationError) {
	if !cfg.Tracing.Enabled {
		return
	}
	switch cfg.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracing.exporter must be \"stdout\" or \"noop\", got %q", cfg.Tracing.Exporter)
	}
}

func validateBatch(cfg *Config, ve *ValidationError) {
	if cfg.Batch.Workers < 1 {
		ve.Add("batch.workers must be >= 1")
	}
	if cfg.Batch.StartTeam < 0 || cfg.Batch.StartQuestion < 0 {
		ve.Add("batch start indices must be >= 0")
	}
	if cfg.Batch.EndTeam >= 0 && cfg.Batch.EndTeam < cfg.Batch.StartTeam {
		ve.Add("batch.end_team must be >= batch.start_team")
	}
}
