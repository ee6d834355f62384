// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Actor     ActorConfig     `mapstructure:"actor"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	State     StateConfig     `mapstructure:"state"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ActorConfig governs per-site actors.
type ActorConfig struct {
	MailboxSize        int `mapstructure:"mailbox_size"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
	ChatContextTurns   int `mapstructure:"chat_context_turns"`
}

// TimeoutsConfig bounds collaborator calls and request handling.
type TimeoutsConfig struct {
	AnalyzeSeconds int `mapstructure:"analyze_seconds"`
	InsightSeconds int `mapstructure:"insight_seconds"`
	RequestSeconds int `mapstructure:"request_seconds"`
	WriteSeconds   int `mapstructure:"write_seconds"`
}

// AnalyzerConfig configures the default HTTP analyzer and lab vitals.
type AnalyzerConfig struct {
	UserAgent            string  `mapstructure:"user_agent"`
	FetchTimeoutSeconds  int     `mapstructure:"fetch_timeout_seconds"`
	RespectRobots        bool    `mapstructure:"respect_robots"`
	MaxBodyBytes         int     `mapstructure:"max_body_bytes"`
	VitalsEnabled        bool    `mapstructure:"vitals_enabled"`
	VitalsTimeoutSeconds int     `mapstructure:"vitals_timeout_seconds"`
	VitalsMaxParallel    int     `mapstructure:"vitals_max_parallel"`
	RateLimitRPS         float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int     `mapstructure:"rate_limit_burst"`
}

// Supported state backends.
const (
	StateMemory   = "memory"
	StatePostgres = "postgres"
	StateRedis    = "redis"
	StateSQLite   = "sqlite"
)

// StateConfig selects where actor state is persisted.
type StateConfig struct {
	Backend       string `mapstructure:"backend"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	SQLitePath    string `mapstructure:"sqlite_path"`
}

// Supported archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig selects where report JSON snapshots are written.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
	// CacheControl is applied to objects written to GCS.
	CacheControl string `mapstructure:"cache_control"`
}

// PubSubConfig holds metadata for analysis notifications. An empty TopicName
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the event hub.
type EventsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// TelemetryConfig names the service for traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEINSIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	cfg.Archive.Backend = strings.ToLower(strings.TrimSpace(cfg.Archive.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("actor.mailbox_size", 64)
	v.SetDefault("actor.idle_timeout_seconds", 300)
	v.SetDefault("actor.chat_context_turns", 5)
	v.SetDefault("timeouts.analyze_seconds", 25)
	v.SetDefault("timeouts.insight_seconds", 20)
	v.SetDefault("timeouts.request_seconds", 60)
	v.SetDefault("timeouts.write_seconds", 10)
	v.SetDefault("analyzer.user_agent", "site-insights/0.1 (+https://github.com/JakeFAU/site-insights)")
	v.SetDefault("analyzer.fetch_timeout_seconds", 15)
	v.SetDefault("analyzer.respect_robots", false)
	v.SetDefault("analyzer.max_body_bytes", 5<<20)
	v.SetDefault("analyzer.vitals_enabled", false)
	v.SetDefault("analyzer.vitals_timeout_seconds", 20)
	v.SetDefault("analyzer.vitals_max_parallel", 1)
	v.SetDefault("analyzer.rate_limit_rps", 1.0)
	v.SetDefault("analyzer.rate_limit_burst", 2)
	v.SetDefault("state.backend", StateSQLite)
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.max_conns", 8)
	v.SetDefault("state.redis_addr", "localhost:6379")
	v.SetDefault("state.redis_password", "")
	v.SetDefault("state.redis_db", 0)
	v.SetDefault("state.redis_prefix", "siteinsights")
	v.SetDefault("state.sqlite_path", "site-insights.db")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.prefix", "reports")
	v.SetDefault("archive.cache_control", "private, max-age=0")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.sink_timeout_ms", 10000)
	v.SetDefault("telemetry.service_name", "site-insights")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Actor.MailboxSize <= 0 {
		errs = append(errs, errors.New("actor.mailbox_size must be > 0"))
	}
	if c.Actor.ChatContextTurns <= 0 {
		errs = append(errs, errors.New("actor.chat_context_turns must be > 0"))
	}
	if c.Timeouts.AnalyzeSeconds <= 0 || c.Timeouts.InsightSeconds <= 0 {
		errs = append(errs, errors.New("timeouts.analyze_seconds and timeouts.insight_seconds must be > 0"))
	}
	if c.Analyzer.VitalsEnabled && c.Analyzer.VitalsMaxParallel <= 0 {
		errs = append(errs, errors.New("analyzer.vitals_max_parallel must be > 0 when vitals are enabled"))
	}
	switch c.State.Backend {
	case StateMemory:
	case StatePostgres:
		if c.State.DSN == "" {
			errs = append(errs, errors.New("state.dsn is required for the postgres backend"))
		}
	case StateRedis:
		if c.State.RedisAddr == "" {
			errs = append(errs, errors.New("state.redis_addr is required for the redis backend"))
		}
	case StateSQLite:
		if c.State.SQLitePath == "" {
			errs = append(errs, errors.New("state.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend %q is not one of memory, postgres, redis, sqlite", c.State.Backend))
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir is required for the local archive"))
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for the gcs archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic_name is set"))
	}
	return errors.Join(errs...)
}

// Seconds converts an integer seconds knob into a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts an integer milliseconds knob into a time.Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
