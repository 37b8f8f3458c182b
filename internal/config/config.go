package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"      validate:"required"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"  validate:"required"`
	Callback  CallbackConfig  `mapstructure:"callback"  validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Events    EventsConfig    `mapstructure:"events"    validate:"required"`
	Reaper    ReaperConfig    `mapstructure:"reaper"    validate:"required"`
	Platform  PlatformConfig  `mapstructure:"platform"  validate:"required"`
	Backoff   BackoffConfig   `mapstructure:"backoff"   validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"     validate:"required,min=32"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"required"`
}

// DispatchConfig bounds the dispatcher against the execution platform's
// rate limits.
type DispatchConfig struct {
	// Concurrency is the maximum number of entries claimed per tick.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`

	// MaxAttempts caps dispatch retries before a task fails with
	// dispatch_exhausted.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0"`

	// TickInterval is how often the in-process trigger fires. Ticks can
	// also be requested on demand.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required"`
}

// CallbackConfig covers inbound worker callbacks.
type CallbackConfig struct {
	// SignatureSecret is the shared secret the execution platform signs
	// callback payloads with.
	SignatureSecret string `mapstructure:"signature_secret" validate:"required,min=32"`
}

// RateLimitConfig holds sliding-window admission thresholds per identity
// class.
type RateLimitConfig struct {
	Window           time.Duration `mapstructure:"window"            validate:"required"`
	AuthenticatedMax int           `mapstructure:"authenticated_max" validate:"required,gt=0"`
	AnonymousMax     int           `mapstructure:"anonymous_max"     validate:"required,gt=0"`
}

// EventsConfig tunes the live-update fan-out.
type EventsConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required"`

	// SubscriberBuffer is the per-subscriber event buffer. A subscriber
	// that falls this far behind is dropped rather than allowed to block
	// publishers.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" validate:"required,gt=0"`
}

// ReaperConfig bounds how long a task may sit in dispatched state before
// the reaper recovers it.
type ReaperConfig struct {
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" validate:"required"`
	CheckInterval   time.Duration `mapstructure:"check_interval"   validate:"required"`
	BatchSize       int           `mapstructure:"batch_size"       validate:"required,gt=0"`
}

// PlatformConfig points at the external execution platform.
type PlatformConfig struct {
	BaseURL       string        `mapstructure:"base_url"        validate:"required,url"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"  validate:"required"`
	CallbackURL   string        `mapstructure:"callback_url"    validate:"required,url"`
}

// BackoffPolicyConfig describes one bounded exponential backoff policy.
type BackoffPolicyConfig struct {
	Base        time.Duration `mapstructure:"base"         validate:"required"`
	Factor      float64       `mapstructure:"factor"       validate:"required,gt=1"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"required,gt=0"`
}

// BackoffConfig holds the retry policy for each external dependency.
type BackoffConfig struct {
	Store    BackoffPolicyConfig `mapstructure:"store"    validate:"required"`
	Queue    BackoffPolicyConfig `mapstructure:"queue"    validate:"required"`
	Platform BackoffPolicyConfig `mapstructure:"platform" validate:"required"`
}
