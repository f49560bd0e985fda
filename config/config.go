// Package config loads the read-only runtime configuration. A Config is built
// once by Load and passed by value or pointer into constructors; nothing in
// the module reads configuration from package state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SQLCREW_LLM_API_KEY.
const EnvPrefix = "SQLCREW_"

// Config is the top-level configuration.
type Config struct {
	LLM          LLM               `yaml:"llm" envPrefix:"LLM_"`
	Executor     Executor          `yaml:"executor" envPrefix:"EXECUTOR_"`
	Agents       Agents            `yaml:"agents" envPrefix:"AGENTS_"`
	Loop         Loop              `yaml:"loop" envPrefix:"LOOP_"`
	Coordinator  Coordinator       `yaml:"coordinator" envPrefix:"COORDINATOR_"`
	Selection    Selection         `yaml:"selection"`
	Schema       Schema            `yaml:"schema" envPrefix:"SCHEMA_"`
	Store        Store             `yaml:"store" envPrefix:"STORE_"`
	Logging      Logging           `yaml:"logging" envPrefix:"LOG_"`
	Tracing      Tracing           `yaml:"tracing" envPrefix:"TRACING_"`
	Batch        Batch             `yaml:"batch" envPrefix:"BATCH_"`
	Replacements map[string]string `yaml:"replacements"`
}

// LLM selects and tunes the language model provider.
type LLM struct {
	Provider       string        `yaml:"provider" env:"PROVIDER"` // zhipu, deepseek, ollama, openai, or any gollm provider
	Adapter        string        `yaml:"adapter" env:"ADAPTER"`   // "openai" or "gollm"
	Model          string        `yaml:"model" env:"MODEL"`
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	Temperature    *float64      `yaml:"temperature" env:"TEMPERATURE"`
	TopP           *float64      `yaml:"top_p" env:"TOP_P"`
	MaxTokens      int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Stream         bool          `yaml:"stream" env:"STREAM"`
	StripThinking  bool          `yaml:"strip_thinking" env:"STRIP_THINKING"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	Retry          Retry         `yaml:"retry" envPrefix:"RETRY_"`
	Breaker        Breaker       `yaml:"breaker" envPrefix:"BREAKER_"`
	RatePerMinute  float64       `yaml:"rate_per_minute" env:"RATE_PER_MINUTE"`
	Burst          int           `yaml:"burst" env:"BURST"`
}

// Retry configures transport-level retries of a single backend call.
type Retry struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter     bool          `yaml:"jitter" env:"JITTER"`
}

// Breaker configures a circuit breaker. Zero values use library defaults.
type Breaker struct {
	MaxFailures uint32        `yaml:"max_failures" env:"MAX_FAILURES"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Executor configures the remote SQL endpoint.
type Executor struct {
	URL           string        `yaml:"url" env:"URL"`
	Token         string        `yaml:"token" env:"TOKEN"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	ResultLimit   int           `yaml:"result_limit" env:"RESULT_LIMIT"`
	Breaker       Breaker       `yaml:"breaker" envPrefix:"BREAKER_"`
	RatePerMinute float64       `yaml:"rate_per_minute" env:"RATE_PER_MINUTE"`
	Burst         int           `yaml:"burst" env:"BURST"`
}

// Agents holds defaults shared by every Actor.
type Agents struct {
	RetryLimit int `yaml:"retry_limit" env:"RETRY_LIMIT"`
	MaxHistory int `yaml:"max_history" env:"MAX_HISTORY"`
}

// Loop configures the SQL tool loop.
type Loop struct {
	MaxIterations int  `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	CacheFacts    bool `yaml:"cache_facts" env:"CACHE_FACTS"`
	Interpret     bool `yaml:"interpret" env:"INTERPRET"`
}

// Coordinator configures teamwork mode.
type Coordinator struct {
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
}

// Selection configures the database/table/column selection pipeline.
type Selection struct {
	Attempts int `yaml:"attempts"`
	// RequiredDatabases and RequiredTables are co-selection groups: choosing
	// some members of a group pulls in the rest.
	RequiredDatabases [][]string `yaml:"required_databases"`
	RequiredTables    [][]string `yaml:"required_tables"`
	// ForeignKeyHub lists tables whose key columns are always offered.
	ForeignKeyHub    map[string][]string `yaml:"foreign_key_hub"`
	ImportantColumns []string            `yaml:"important_columns"`
}

// Schema points at the static catalog files.
type Schema struct {
	DBInfo      string `yaml:"db_info" env:"DB_INFO"`
	DBTable     string `yaml:"db_table" env:"DB_TABLE"`
	TableColumn string `yaml:"table_column" env:"TABLE_COLUMN"`
}

// Store configures the sqlite record store.
type Store struct {
	Path string `yaml:"path" env:"PATH"`
}

// Logging configures the slog logger. Dir, when set, receives one log file
// per question.
type Logging struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
	Dir    string `yaml:"dir" env:"DIR"`
}

// Tracing configures OpenTelemetry.
type Tracing struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Exporter string `yaml:"exporter" env:"EXPORTER"` // "stdout", "noop"
}

// Batch configures the question file runner. End indices are inclusive; a
// negative end means "through the last".
type Batch struct {
	Input         string `yaml:"input" env:"INPUT"`
	Output        string `yaml:"output" env:"OUTPUT"`
	Workers       int    `yaml:"workers" env:"WORKERS"`
	StartTeam     int    `yaml:"start_team" env:"START_TEAM"`
	StartQuestion int    `yaml:"start_question" env:"START_QUESTION"`
	EndTeam       int    `yaml:"end_team" env:"END_TEAM"`
	EndQuestion   int    `yaml:"end_question" env:"END_QUESTION"`
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	return &Config{
		LLM: LLM{
			Provider:       "zhipu",
			Adapter:        "openai",
			Model:          "glm-4-plus",
			RequestTimeout: 2 * time.Minute,
			Retry: Retry{
				MaxRetries: 2,
				BaseDelay:  time.Second,
				MaxDelay:   time.Minute,
				Jitter:     true,
			},
		},
		Executor: Executor{
			Timeout:     30 * time.Second,
			ResultLimit: 100,
		},
		Agents: Agents{
			RetryLimit: 3,
			MaxHistory: 30,
		},
		Loop: Loop{
			MaxIterations: 20,
			CacheFacts:    true,
			Interpret:     true,
		},
		Coordinator: Coordinator{
			MaxIterations: 10,
		},
		Selection: Selection{
			Attempts: 3,
			RequiredDatabases: [][]string{
				{"astockbasicinfodb", "hkstockdb", "usstockdb"},
			},
			RequiredTables: [][]string{
				{"astockbasicinfodb.lc_stockarchives", "hkstockdb.hk_stockarchives", "usstockdb.us_companyinfo", "constantdb.lc_areacode"},
				{"astockmarketquotesdb.qt_dailyquote", "hkstockdb.cs_hkstockperformance", "usstockdb.us_dailyquote"},
				{"astockmarketquotesdb.qt_stockperformance", "hkstockdb.cs_hkstockperformance"},
				{"publicfunddb.mf_fundprodname", "publicfunddb.mf_fundarchives"},
				{"astockmarketquotesdb.lc_suspendresumption", "constantdb.hk_secumain", "constantdb.us_secumain"},
				{"astockmarketquotesdb.qt_dailyquote", "astockmarketquotesdb.cs_stockpatterns"},
				{"astockshareholderdb.lc_sharestru", "astockshareholderdb.lc_mainshlistnew"},
			},
			ForeignKeyHub: map[string][]string{
				"constantdb.secumain":    {"InnerCode", "CompanyCode", "SecuCode", "SecuAbbr", "ChiNameAbbr"},
				"constantdb.hk_secumain": {"InnerCode", "CompanyCode", "SecuCode", "SecuAbbr", "ChiNameAbbr"},
				"constantdb.us_secumain": {"InnerCode", "CompanyCode", "SecuCode", "SecuAbbr"},
			},
			ImportantColumns: []string{
				"InnerCode", "CompanyCode", "SecuCode", "ChiNameAbbr", "ChiSpelling",
				"ConceptCode", "FirstIndustryCode", "SecondIndustryCode", "ThirdIndustryCode",
				"FourthIndustryCode", "IndustryNum", "IndexCode", "IndexInnerCode",
				"SecuInnerCode", "FirstPublDate",
			},
		},
		Schema: Schema{
			DBInfo:      "assets/db_info.json",
			DBTable:     "assets/db_table.json",
			TableColumn: "assets/table_column.json",
		},
		Store: Store{
			Path: "output/sqlcrew.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracing: Tracing{
			Exporter: "noop",
		},
		Batch: Batch{
			Input:       "assets/question.json",
			Output:      "output/result.json",
			Workers:     1,
			EndTeam:     -1,
			EndQuestion: -1,
		},
		Replacements: map[string]string{
			"合并报表调整后": "合并报表",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites fields whose SQLCREW_* variable is set.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}
