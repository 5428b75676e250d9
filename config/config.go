package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the report pipeline.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	SSEKeepAlive      time.Duration `mapstructure:"sse_keepalive"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	StreamReplayLimit int           `mapstructure:"stream_replay_limit"`
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, anthropic, etc.
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for each pipeline stage.
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`
	Classify   string `mapstructure:"classify"`
	Research   string `mapstructure:"research"`
	Synthesize string `mapstructure:"synthesize"`
	Verify     string `mapstructure:"verify"`
	Fallback   string `mapstructure:"fallback"`
}

// OrchestratorConfig contains step execution policy.
type OrchestratorConfig struct {
	StepTimeout     time.Duration `mapstructure:"step_timeout"`      // classify, analyze_attachment, draft_answer
	LongStepTimeout time.Duration `mapstructure:"long_step_timeout"` // research, synthesize, verify
	MaxRetries      int           `mapstructure:"max_retries"`       // retries of transient collaborator errors
	ParallelDraft   bool          `mapstructure:"parallel_draft"`    // run draft_answer alongside research
}

// JobsConfig contains job lifecycle policy.
type JobsConfig struct {
	MaxActive       int           `mapstructure:"max_active"`      // queued+running admission cap
	ProgressCap     int           `mapstructure:"progress_cap"`    // bounded progress buffer
	TraceCap        int           `mapstructure:"trace_cap"`       // bounded trace buffer
	BufferPrefix    int           `mapstructure:"buffer_prefix"`   // verbatim head kept on eviction
	MaxRuntime      time.Duration `mapstructure:"max_runtime"`     // stale-cancel bound for running jobs
	TerminalTTL     time.Duration `mapstructure:"terminal_ttl"`    // eviction age for terminal jobs
	ReaperSchedule  string        `mapstructure:"reaper_schedule"` // cron expression for sweeps
	PersistOnChange bool          `mapstructure:"persist_on_change"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains the job-state KV settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PostgresConfig contains the report archive settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// DSN builds a Postgres connection string; empty when not configured.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Host == "" || p.DBName == "" {
		return ""
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LoadConfig reads configuration from file (optional) and environment.
// Environment variables use the FINBRIEF_ prefix with underscores, e.g.
// FINBRIEF_JOBS_MAX_ACTIVE, FINBRIEF_STORAGE_REDIS_HOST.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("FINBRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env are still a valid config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvSecrets(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "30s")

	v.SetDefault("server.address", ":10020")
	v.SetDefault("server.sse_keepalive", "15s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.stream_replay_limit", 250)

	v.SetDefault("orchestrator.step_timeout", "2m")
	v.SetDefault("orchestrator.long_step_timeout", "5m")
	v.SetDefault("orchestrator.max_retries", 2)
	v.SetDefault("orchestrator.parallel_draft", true)

	v.SetDefault("jobs.max_active", 10)
	v.SetDefault("jobs.progress_cap", 200)
	v.SetDefault("jobs.trace_cap", 50)
	v.SetDefault("jobs.buffer_prefix", 10)
	v.SetDefault("jobs.max_runtime", "30m")
	v.SetDefault("jobs.terminal_ttl", "1h")
	v.SetDefault("jobs.reaper_schedule", "*/1 * * * *")
	v.SetDefault("jobs.persist_on_change", true)

	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.redis.ttl", "24h")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
}

// applyEnvSecrets fills API keys from conventional environment variables when
// the config file leaves them blank.
func applyEnvSecrets(cfg *Config) {
	for name, p := range cfg.LLM.Providers {
		if p.APIKey != "" {
			continue
		}
		switch p.Type {
		case "openai":
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		cfg.LLM.Providers[name] = p
	}
}

// Validate rejects configurations that cannot produce a working pipeline.
func (c *Config) Validate() error {
	if c.Jobs.MaxActive <= 0 {
		return fmt.Errorf("jobs.max_active must be positive")
	}
	if c.Jobs.ProgressCap <= c.Jobs.BufferPrefix {
		return fmt.Errorf("jobs.progress_cap must exceed jobs.buffer_prefix")
	}
	if c.Jobs.TraceCap <= c.Jobs.BufferPrefix {
		return fmt.Errorf("jobs.trace_cap must exceed jobs.buffer_prefix")
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must not be negative")
	}
	return nil
}
