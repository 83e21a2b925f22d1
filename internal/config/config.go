package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/health"
)

// EnvPrefix is prepended to every environment override, e.g.
// COORD_SCHEDULER_MAX_RETRIES or COORD_DATABASE_URL.
const EnvPrefix = "COORD"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
	Events    EventsConfig    `mapstructure:"events"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// IdempotencyTTL is how long a response is replayed for a repeated Idempotency-Key.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type SchedulerConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	// MaxQueueDepth of 0 leaves the queue unbounded.
	MaxQueueDepth int `mapstructure:"max_queue_depth"`
	// FinishedRetention is how many terminal tasks stay queryable; 0 keeps all.
	FinishedRetention int `mapstructure:"finished_retention"`
}

type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	DegradedAfter    time.Duration `mapstructure:"degraded_after"`
	UnreachableAfter time.Duration `mapstructure:"unreachable_after"`
	// TaskTimeout of 0 disables assignment timeouts.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// ReapAfter deregisters a worker that stays unreachable this long; 0 never does.
	ReapAfter time.Duration `mapstructure:"reap_after"`
}

type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// Retention is the number of events kept for replay; 0 keeps all.
	Retention int `mapstructure:"retention"`
}

type DatabaseConfig struct {
	// URL enables the Postgres event archive when set.
	URL string `mapstructure:"url"`
	// MaxConns of 0 keeps the pgxpool default.
	MaxConns int32 `mapstructure:"max_conns"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
			IdempotencyTTL:  24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxRetries:        coordinator.DefaultMaxRetries,
			FinishedRetention: 100_000,
		},
		Health: HealthConfig{
			Interval:         30 * time.Second,
			DegradedAfter:    90 * time.Second,
			UnreachableAfter: 5 * time.Minute,
			TaskTimeout:      60 * time.Minute,
		},
		Events: EventsConfig{
			SubscriberBuffer: 256,
			Retention:        100_000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers Default() on v so files and env only need overrides.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.idempotency_ttl", d.Server.IdempotencyTTL)

	v.SetDefault("scheduler.max_retries", d.Scheduler.MaxRetries)
	v.SetDefault("scheduler.max_queue_depth", d.Scheduler.MaxQueueDepth)
	v.SetDefault("scheduler.finished_retention", d.Scheduler.FinishedRetention)

	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.degraded_after", d.Health.DegradedAfter)
	v.SetDefault("health.unreachable_after", d.Health.UnreachableAfter)
	v.SetDefault("health.task_timeout", d.Health.TaskTimeout)
	v.SetDefault("health.reap_after", d.Health.ReapAfter)

	v.SetDefault("events.subscriber_buffer", d.Events.SubscriberBuffer)
	v.SetDefault("events.retention", d.Events.Retention)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("log.level", d.Log.Level)
}

// New returns a viper instance with defaults and env overrides bound. If
// file is non-empty it is read as the config file.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load unmarshals and validates v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

func (c *Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		MaxRetries:        c.Scheduler.MaxRetries,
		MaxQueueDepth:     c.Scheduler.MaxQueueDepth,
		FinishedRetention: c.Scheduler.FinishedRetention,
		Thresholds:        c.Thresholds(),
	}
}

func (c *Config) Thresholds() health.Thresholds {
	return health.Thresholds{
		DegradedAfter:    c.Health.DegradedAfter,
		UnreachableAfter: c.Health.UnreachableAfter,
		TaskTimeout:      c.Health.TaskTimeout,
	}
}

// SlogLevel maps log.level to a slog level; Validate rejects unknown names.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	if len(msgs) == 1 {
		return msgs[0]
	}
	return fmt.Sprintf("%d validation errors: %s", len(msgs), strings.Join(msgs, "; "))
}

func (e ValidationErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, err := range e {
		out[i] = err
	}
	return out
}

var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate returns every invalid field, not just the first.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Port == "" {
		add("server.port", c.Server.Port, "must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", c.Server.ShutdownTimeout, "must be positive")
	}
	if c.Server.IdempotencyTTL <= 0 {
		add("server.idempotency_ttl", c.Server.IdempotencyTTL, "must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		add("scheduler.max_retries", c.Scheduler.MaxRetries, "must not be negative")
	}
	if c.Scheduler.MaxQueueDepth < 0 {
		add("scheduler.max_queue_depth", c.Scheduler.MaxQueueDepth, "must not be negative")
	}
	if c.Scheduler.FinishedRetention < 0 {
		add("scheduler.finished_retention", c.Scheduler.FinishedRetention, "must not be negative")
	}
	if c.Health.Interval <= 0 {
		add("health.interval", c.Health.Interval, "must be positive")
	}
	if err := c.Thresholds().Validate(); err != nil {
		add("health", c.Thresholds(), err.Error())
	}
	if c.Health.ReapAfter < 0 {
		add("health.reap_after", c.Health.ReapAfter, "must not be negative")
	}
	if c.Events.SubscriberBuffer < 1 {
		add("events.subscriber_buffer", c.Events.SubscriberBuffer, "must be at least 1")
	}
	if c.Events.Retention < 0 {
		add("events.retention", c.Events.Retention, "must not be negative")
	}
	if c.Database.MaxConns < 0 {
		add("database.max_conns", c.Database.MaxConns, "must not be negative")
	}
	if !slices.ContainsFunc(ValidLogLevels, func(l string) bool { return strings.EqualFold(c.Log.Level, l) }) {
		add("log.level", c.Log.Level, "must be one of "+strings.Join(ValidLogLevels, ", "))
	}
	return errs
}
