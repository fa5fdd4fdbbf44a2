package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/workforce/internal/otel"
	"github.com/basket/workforce/internal/shared"
)

// LLMProviderConfig holds configuration for the language-model providers
// backing workers, the planner, the coordinator and the failure analyzer.
type LLMProviderConfig struct {
	// Provider names the active provider: "google", "anthropic", "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// APIKeyEnv names the environment variable carrying the provider key.
	// The /chat request may override the key per project.
	APIKeyEnv string `yaml:"api_key_env"`
}

// WorkforceConfig holds the scheduling-core tunables.
type WorkforceConfig struct {
	// PoolSize is the number of workers started per session and the
	// concurrency cap of the scheduler. Default 4.
	PoolSize int `yaml:"pool_size"`

	// MaxRetries is the per-subtask failure budget before the task is
	// marked FAILED. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// PollIntervalMS is the scheduler's bounded fallback tick. Default 500.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// StopGraceSeconds bounds how long in-flight subtasks get after a stop
	// action before they are dropped. Default 1.
	StopGraceSeconds int `yaml:"stop_grace_seconds"`

	// EnabledStrategies restricts the recovery strategies available to the
	// recovery engine. Empty means all five.
	EnabledStrategies []string `yaml:"enabled_strategies"`

	// QualityThreshold is the minimum quality score (0-100) below which a
	// successful subtask triggers rework. Default 60.
	QualityThreshold int `yaml:"quality_threshold"`

	// WorkflowMemorySize bounds the per-worker memory FIFO. Default 10.
	WorkflowMemorySize int `yaml:"workflow_memory_size"`
}

// LimitsConfig bounds the per-project state containers.
type LimitsConfig struct {
	// ActionQueueSize bounds each TaskLock's action queue. Default 1000.
	ActionQueueSize int `yaml:"action_queue_size"`

	// HistoryMaxChars caps the total character count of retained
	// conversation history. Default 10000.
	HistoryMaxChars int `yaml:"history_max_chars"`

	// EventQueueSize bounds the bus delivery queue feeding the SSE adapter.
	// Default 256.
	EventQueueSize int `yaml:"event_queue_size"`

	// ContextMaxTokens is the model context ceiling used for the
	// context_too_long signal. Default 128000.
	ContextMaxTokens int `yaml:"context_max_tokens"`

	// BudgetUSD is the per-session spend ceiling driving budget_not_enough.
	// 0 disables budget enforcement.
	BudgetUSD float64 `yaml:"budget_usd"`
}

// JanitorConfig controls the background sweep of idle TaskLocks.
type JanitorConfig struct {
	// Schedule is a cron expression. Default "*/5 * * * *".
	Schedule string `yaml:"schedule"`

	// IdleTTLMinutes is how long an untouched TaskLock survives. Default 60.
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// HeartbeatSeconds is the SSE sync-frame interval. Default 30.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	LLM       LLMProviderConfig `yaml:"llm"`
	Workforce WorkforceConfig   `yaml:"workforce"`
	Limits    LimitsConfig      `yaml:"limits"`
	Janitor   JanitorConfig     `yaml:"janitor"`
	OTel      otel.Config       `yaml:"otel"`

	// DBPath locates the SQLite archive. Empty uses <home>/workforce.db.
	DBPath string `yaml:"db_path"`

	// EnvApplied lists the environment overrides applied during Load, with
	// secret-bearing values already redacted, for startup logging.
	EnvApplied []string `yaml:"-"`

	apiKeyOverride string
}

// DefaultHomeDir returns ~/.workforce, creating nothing.
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".workforce"), nil
}

// Load reads config.yaml from homeDir, applying defaults for anything unset.
// A missing file yields the pure-default config.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides lets WORKFORCE_* environment variables override file
// settings. Each applied override is recorded in EnvApplied with its value
// passed through the shared secret redaction.
func (c *Config) applyEnvOverrides() {
	set := func(key string, apply func(string) bool) {
		v := os.Getenv(key)
		if v == "" || !apply(v) {
			return
		}
		c.EnvApplied = append(c.EnvApplied, key+"="+shared.RedactEnvValue(key, v))
	}

	set("WORKFORCE_BIND_ADDR", func(v string) bool { c.BindAddr = v; return true })
	set("WORKFORCE_LOG_LEVEL", func(v string) bool { c.LogLevel = v; return true })
	set("WORKFORCE_DB_PATH", func(v string) bool { c.DBPath = v; return true })
	set("WORKFORCE_PROVIDER", func(v string) bool { c.LLM.Provider = v; return true })
	set("WORKFORCE_API_KEY", func(v string) bool { c.apiKeyOverride = v; return true })
	set("WORKFORCE_POOL_SIZE", func(v string) bool {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return false
		}
		c.Workforce.PoolSize = n
		return true
	})
	set("WORKFORCE_MAX_RETRIES", func(v string) bool {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return false
		}
		c.Workforce.MaxRetries = n
		return true
	})
	set("WORKFORCE_BUDGET_USD", func(v string) bool {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return false
		}
		c.Limits.BudgetUSD = f
		return true
	})
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8618"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 30
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.Workforce.PoolSize <= 0 {
		c.Workforce.PoolSize = 4
	}
	if c.Workforce.MaxRetries <= 0 {
		c.Workforce.MaxRetries = 3
	}
	if c.Workforce.PollIntervalMS <= 0 {
		c.Workforce.PollIntervalMS = 500
	}
	if c.Workforce.StopGraceSeconds <= 0 {
		c.Workforce.StopGraceSeconds = 1
	}
	if c.Workforce.QualityThreshold <= 0 {
		c.Workforce.QualityThreshold = 60
	}
	if c.Workforce.WorkflowMemorySize <= 0 {
		c.Workforce.WorkflowMemorySize = 10
	}
	if c.Limits.ActionQueueSize <= 0 {
		c.Limits.ActionQueueSize = 1000
	}
	if c.Limits.HistoryMaxChars <= 0 {
		c.Limits.HistoryMaxChars = 10000
	}
	if c.Limits.EventQueueSize <= 0 {
		c.Limits.EventQueueSize = 256
	}
	if c.Limits.ContextMaxTokens <= 0 {
		c.Limits.ContextMaxTokens = 128000
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "*/5 * * * *"
	}
	if c.Janitor.IdleTTLMinutes <= 0 {
		c.Janitor.IdleTTLMinutes = 60
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "workforce.db")
	}
}

// PollInterval returns the scheduler fallback tick as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workforce.PollIntervalMS) * time.Millisecond
}

// StopGrace returns the stop grace period as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Workforce.StopGraceSeconds) * time.Second
}

// Heartbeat returns the SSE heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// JanitorIdleTTL returns the idle-TaskLock lifetime as a duration.
func (c *Config) JanitorIdleTTL() time.Duration {
	return time.Duration(c.Janitor.IdleTTLMinutes) * time.Minute
}

// APIKey resolves the provider API key: the WORKFORCE_API_KEY override wins,
// then the env var named by the config.
func (c *Config) APIKey() string {
	if c.apiKeyOverride != "" {
		return c.apiKeyOverride
	}
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
