// Package config loads agentflow settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTFLOW_POOL_MAX_WORKERS.
const EnvPrefix = "AGENTFLOW"

// Config is the complete runtime configuration.
type Config struct {
	Store   StoreConfig            `mapstructure:"store"`
	Pool    PoolConfig             `mapstructure:"pool"`
	Engine  EngineConfig           `mapstructure:"engine"`
	Metrics MetricsConfig          `mapstructure:"metrics"`
	Tracing TracingConfig          `mapstructure:"tracing"`
	Events  EventsConfig           `mapstructure:"events"`
	Log     LogConfig              `mapstructure:"log"`
	Catalog CatalogConfig          `mapstructure:"catalog"`
	Agents  map[string]AgentConfig `mapstructure:"agents"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MySQLDSN   string `mapstructure:"mysql_dsn"`
}

type PoolConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
	QueueSize  int `mapstructure:"queue_size"`
}

// EngineConfig holds execution limits. Zero timeouts mean none.
type EngineConfig struct {
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// TimeoutThreshold is the age at which a RUNNING execution is reported
	// as overdue.
	TimeoutThreshold time.Duration `mapstructure:"timeout_threshold"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type EventsConfig struct {
	Driver       string `mapstructure:"driver"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
	History      int64  `mapstructure:"history"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Prewarm  int           `mapstructure:"prewarm"`
}

// AgentConfig binds an agent reference to a provider.
type AgentConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `mapstructure:"api_key_env"`

	// Reply is the fixed answer of a mock agent.
	Reply string `mapstructure:"reply"`
}

// APIKey reads the configured key variable, falling back to the provider's
// conventional one.
func (a AgentConfig) APIKey() string {
	name := a.APIKeyEnv
	if name == "" {
		switch a.Provider {
		case "anthropic":
			name = "ANTHROPIC_API_KEY"
		case "openai":
			name = "OPENAI_API_KEY"
		case "google":
			name = "GEMINI_API_KEY"
		}
	}
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Store:   StoreConfig{Driver: "memory", SQLitePath: "agentflow.db"},
		Pool:    PoolConfig{MaxWorkers: 16, QueueSize: 64},
		Engine:  EngineConfig{TimeoutThreshold: 5 * time.Minute},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Tracing: TracingConfig{ServiceName: "agentflow", Exporter: "stdout", OTLPEndpoint: "localhost:4317", SampleRate: 1},
		Events:  EventsConfig{Driver: "memory", RedisAddr: "localhost:6379", RedisChannel: "agentflow:executions:completed"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Catalog: CatalogConfig{CacheTTL: 5 * time.Minute, Prewarm: 4},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.mysql_dsn", d.Store.MySQLDSN)
	v.SetDefault("pool.max_workers", d.Pool.MaxWorkers)
	v.SetDefault("pool.queue_size", d.Pool.QueueSize)
	v.SetDefault("engine.step_timeout", d.Engine.StepTimeout)
	v.SetDefault("engine.execution_timeout", d.Engine.ExecutionTimeout)
	v.SetDefault("engine.timeout_threshold", d.Engine.TimeoutThreshold)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("events.driver", d.Events.Driver)
	v.SetDefault("events.redis_addr", d.Events.RedisAddr)
	v.SetDefault("events.redis_channel", d.Events.RedisChannel)
	v.SetDefault("events.history", d.Events.History)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("catalog.cache_ttl", d.Catalog.CacheTTL)
	v.SetDefault("catalog.prewarm", d.Catalog.Prewarm)
}

// Load reads configuration from path, or from agentflow.yaml in the current
// directory or $HOME/.agentflow when path is empty. A missing default file
// is not an error; a missing explicit file is. Environment variables
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".agentflow"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return errors.New("store.mysql_dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, mysql", c.Store.Driver)
	}

	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.QueueSize < 0 {
		return fmt.Errorf("pool.queue_size must not be negative, got %d", c.Pool.QueueSize)
	}
	if c.Engine.StepTimeout < 0 || c.Engine.ExecutionTimeout < 0 {
		return errors.New("engine timeouts must not be negative")
	}

	switch c.Events.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("events.driver %q is not one of memory, redis", c.Events.Driver)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter %q is not one of none, stdout, otlp", c.Tracing.Exporter)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}

	for _, ref := range c.AgentRefs() {
		switch p := c.Agents[ref].Provider; p {
		case "anthropic", "openai", "google", "mock":
		default:
			return fmt.Errorf("agents.%s.provider %q is not one of anthropic, openai, google, mock", ref, p)
		}
	}
	return nil
}

// AgentRefs returns the configured agent references, sorted.
func (c *Config) AgentRefs() []string {
	refs := make([]string, 0, len(c.Agents))
	for ref := range c.Agents {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return l, fmt.Errorf("log.level %q: %w", name, err)
	}
	return l, nil
}

// Logger builds the process logger described by c.Log.
func (c *Config) Logger() *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
