package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// Dispatch selects how created tasks are executed: "queue" hands them
	// to the worker fleet over Redis Streams, "local" runs them in-process.
	Dispatch string `mapstructure:"dispatch"`
}

func (s ServerConfig) Validate() error {
	switch s.Dispatch {
	case "queue", "local":
		return nil
	default:
		return fmt.Errorf("server.dispatch must be \"queue\" or \"local\", got %q", s.Dispatch)
	}
}

// PostgresConfig contains the task store connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles the connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
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

// RedisConfig contains the task queue connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// StreamMaxLen bounds the transitions stream; 0 disables trimming.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// ToolsConfig configures the tool adapters.
type ToolsConfig struct {
	MaxResults int             `mapstructure:"max_results"`
	WebSearch  WebSearchConfig `mapstructure:"web_search"`
	Arxiv      AdapterConfig   `mapstructure:"arxiv"`
	Wikipedia  AdapterConfig   `mapstructure:"wikipedia"`
	WebFetch   WebFetchConfig  `mapstructure:"web_fetch"`
}

// WebFetchConfig toggles the page fetch adapter.
type WebFetchConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxChars int  `mapstructure:"max_chars"`
}

// WebSearchConfig selects and configures the web search provider.
type WebSearchConfig struct {
	Provider string `mapstructure:"provider"` // serper or brave
	APIKey   string `mapstructure:"api_key"`
}

func (w WebSearchConfig) Validate() error {
	if w.Provider == "" {
		return nil
	}
	if w.Provider != "serper" && w.Provider != "brave" {
		return fmt.Errorf("tools.web_search.provider must be \"serper\" or \"brave\", got %q", w.Provider)
	}
	if strings.TrimSpace(w.APIKey) == "" {
		return fmt.Errorf("tools.web_search.api_key required for provider %s", w.Provider)
	}
	return nil
}

// AdapterConfig toggles one keyless tool adapter.
type AdapterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

// EngineConfig carries the state machine and executor policy knobs.
type EngineConfig struct {
	MaxQueryLength     int           `mapstructure:"max_query_length"`
	MaxRevisions       int           `mapstructure:"max_revisions"`
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	RetryMaxAttempts   int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter        float64       `mapstructure:"retry_jitter"`
	LivenessThreshold  time.Duration `mapstructure:"liveness_threshold"`
	WorkerMaxTasks     int           `mapstructure:"worker_max_tasks"`
}

func (e EngineConfig) Validate() error {
	if e.MaxRevisions < 0 {
		return fmt.Errorf("engine.max_revisions must be >= 0")
	}
	if e.RetryMaxAttempts < 1 {
		return fmt.Errorf("engine.retry_max_attempts must be >= 1")
	}
	if e.RetryJitter < 0 || e.RetryJitter > 1 {
		return fmt.Errorf("engine.retry_jitter must be within [0, 1]")
	}
	return nil
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Postgres.Validate(); err != nil {
		return err
	}
	if err := c.Tools.WebSearch.Validate(); err != nil {
		return err
	}
	return c.Engine.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.dispatch", "queue")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.stream_max_len", int64(10000))
	v.SetDefault("tools.max_results", 5)
	v.SetDefault("tools.web_search.provider", "serper")
	v.SetDefault("tools.arxiv.enabled", true)
	v.SetDefault("tools.wikipedia.enabled", true)
	v.SetDefault("tools.web_fetch.enabled", true)
	v.SetDefault("tools.web_fetch.max_chars", 4000)
	v.SetDefault("engine.max_query_length", 2000)
	v.SetDefault("engine.max_revisions", 2)
	v.SetDefault("engine.max_concurrent_steps", 4)
	v.SetDefault("engine.step_timeout", 30*time.Second)
	v.SetDefault("engine.retry_max_attempts", 3)
	v.SetDefault("engine.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("engine.retry_max_delay", 10*time.Second)
	v.SetDefault("engine.retry_jitter", 0.5)
	v.SetDefault("engine.liveness_threshold", 2*time.Minute)
	v.SetDefault("engine.worker_max_tasks", 4)
	v.SetDefault("telemetry.enabled", true)
}

// Load reads configuration from an optional file plus QUESTOR_* environment
// variables. A missing file is fine; env and defaults carry a minimal
// deployment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("QUESTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Connection settings are validated by the commands that use them, so
	// e.g. a migrate run does not demand a search API key.
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
