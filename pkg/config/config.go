// Package config loads and validates the tabletalk configuration.
//
// Configuration is a single YAML file with ${VAR} / ${VAR:-default}
// environment expansion. Secrets (API keys, DSNs) are expected to come
// from the environment, optionally seeded from .env files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "90s" / "10m" strings as
// well as bare integers (interpreted as seconds).
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %v", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Grounding GroundingConfig `yaml:"grounding"`
	Agent     AgentConfig     `yaml:"agent"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TableCacheTTL bounds the response cache for the table metadata
	// endpoints.
	TableCacheTTL Duration `yaml:"table_cache_ttl"`
}

// LLMConfig configures the model capability.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	MaxRetries  int     `yaml:"max_retries"`

	Timeout Duration `yaml:"timeout"`
}

// WarehouseConfig configures the tabular data source.
type WarehouseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`

	// Schema is the dataset/schema the agent answers questions about.
	Schema string `yaml:"schema"`

	// Tables optionally restricts the agent to specific tables. Empty
	// means every base table in the schema.
	Tables []string `yaml:"tables"`

	// ProfilesTable is the optional table holding pre-computed column
	// profiles. Empty disables profile grounding (samples are used).
	ProfilesTable string `yaml:"profiles_table"`

	MaxConns int `yaml:"max_conns"`
	MaxIdle  int `yaml:"max_idle"`
}

// DriverName maps the configured driver to its database/sql name.
func (c *WarehouseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// GroundingConfig configures the metadata grounding cache.
type GroundingConfig struct {
	TTL        Duration `yaml:"ttl"`
	SampleRows int      `yaml:"sample_rows"`

	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// ClarificationMode controls how eagerly the agent asks follow-up
// questions instead of issuing a best-effort query. The mode only changes
// the instruction text handed to the model; the decision remains the
// model's.
type ClarificationMode string

const (
	ClarifyAlwaysAsk  ClarificationMode = "always-ask"
	ClarifyBestEffort ClarificationMode = "best-effort"
)

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	// MaxSteps bounds model calls plus tool calls per user turn.
	MaxSteps int `yaml:"max_steps"`

	// MaxToolCalls bounds tool executions per user turn.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// PromptBudgetTokens is the total prompt budget per model call.
	PromptBudgetTokens int `yaml:"prompt_budget_tokens"`

	// HistoryBudgetTokens bounds the evictable history window.
	HistoryBudgetTokens int `yaml:"history_budget_tokens"`

	ToolTimeout      Duration          `yaml:"tool_timeout"`
	ToolMaxAttempts  int               `yaml:"tool_max_attempts"`
	ToolRetryBackoff Duration          `yaml:"tool_retry_backoff"`
	Clarification    ClarificationMode `yaml:"clarification"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	Backend string `yaml:"backend"` // memory, sql
	Driver  string `yaml:"driver"`  // sqlite, mysql, postgres
	DSN     string `yaml:"dsn"`

	// MaxIdle expires sessions idle longer than this. Zero disables the
	// sweeper.
	MaxIdle Duration `yaml:"max_idle"`
}

// DriverName maps the configured driver to its database/sql name.
func (c *SessionsConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads, expands and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applying env expansion and defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := ExpandEnvVarsInData(raw)

	// Round-trip through YAML so the expanded tree decodes into the
	// typed config with proper scalar conversions.
	expandedData, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills unset fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.TableCacheTTL == 0 {
		c.Server.TableCacheTTL = Duration(time.Hour)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gemini-2.5-pro"
	}
	if c.LLM.Host == "" {
		c.LLM.Host = "https://generativelanguage.googleapis.com"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.1
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = Duration(2 * time.Minute)
	}

	if c.Warehouse.MaxConns == 0 {
		c.Warehouse.MaxConns = 10
	}
	if c.Warehouse.MaxIdle == 0 {
		c.Warehouse.MaxIdle = 2
	}

	if c.Grounding.TTL == 0 {
		c.Grounding.TTL = Duration(time.Hour)
	}
	if c.Grounding.SampleRows == 0 {
		c.Grounding.SampleRows = 3
	}
	if c.Grounding.FetchTimeout == 0 {
		c.Grounding.FetchTimeout = Duration(30 * time.Second)
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 16
	}
	if c.Agent.MaxToolCalls == 0 {
		c.Agent.MaxToolCalls = 8
	}
	if c.Agent.PromptBudgetTokens == 0 {
		c.Agent.PromptBudgetTokens = 32000
	}
	if c.Agent.HistoryBudgetTokens == 0 {
		c.Agent.HistoryBudgetTokens = 8000
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = Duration(60 * time.Second)
	}
	if c.Agent.ToolMaxAttempts == 0 {
		c.Agent.ToolMaxAttempts = 3
	}
	if c.Agent.ToolRetryBackoff == 0 {
		c.Agent.ToolRetryBackoff = Duration(time.Second)
	}
	if c.Agent.Clarification == "" {
		c.Agent.Clarification = ClarifyAlwaysAsk
	}

	if c.Sessions.Backend == "" {
		c.Sessions.Backend = "memory"
	}
	if c.Sessions.Backend == "sql" && c.Sessions.Driver == "" {
		c.Sessions.Driver = "sqlite"
	}
	if c.Sessions.Backend == "sql" && c.Sessions.Driver == "sqlite" && c.Sessions.DSN == "" {
		c.Sessions.DSN = "./tabletalk.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "gemini":
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}

	switch c.Warehouse.Driver {
	case "sqlite", "mysql", "postgres":
	case "":
		return fmt.Errorf("warehouse driver is required")
	default:
		return fmt.Errorf("unsupported warehouse driver: %s (supported: sqlite, mysql, postgres)", c.Warehouse.Driver)
	}
	if c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse dsn is required")
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sql":
		switch c.Sessions.Driver {
		case "sqlite", "mysql", "postgres":
		default:
			return fmt.Errorf("unsupported session driver: %s", c.Sessions.Driver)
		}
		if c.Sessions.DSN == "" {
			return fmt.Errorf("sessions dsn is required for sql backend")
		}
	default:
		return fmt.Errorf("unsupported session backend: %s (supported: memory, sql)", c.Sessions.Backend)
	}

	switch c.Agent.Clarification {
	case ClarifyAlwaysAsk, ClarifyBestEffort:
	default:
		return fmt.Errorf("unsupported clarification mode: %s", c.Agent.Clarification)
	}

	return nil
}
