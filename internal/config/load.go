package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over values from the
// config file. Returns a populated Config struct or an error if loading
// or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conveyor")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; the environment can carry
		// everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are invisible to Unmarshal unless bound
	// explicitly; AutomaticEnv alone only covers keys viper already
	// knows about.
	for _, key := range []string{
		"database.url",
		"auth.jwt_secret",
		"callback.signature_secret",
		"platform.base_url",
		"platform.callback_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults for everything that has a sensible one.
// Secrets and endpoints deliberately have no default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("auth.token_lifetime", time.Hour)

	v.SetDefault("dispatch.concurrency", 8)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.tick_interval", 5*time.Second)

	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.authenticated_max", 120)
	v.SetDefault("rate_limit.anonymous_max", 20)

	v.SetDefault("events.heartbeat_interval", 15*time.Second)
	v.SetDefault("events.subscriber_buffer", 64)

	v.SetDefault("reaper.dispatch_timeout", 30*time.Minute)
	v.SetDefault("reaper.check_interval", 5*time.Minute)
	v.SetDefault("reaper.batch_size", 50)

	v.SetDefault("platform.submit_timeout", 10*time.Second)

	for _, dep := range []string{"store", "queue", "platform"} {
		v.SetDefault("backoff."+dep+".base", 200*time.Millisecond)
		v.SetDefault("backoff."+dep+".factor", 2.0)
		v.SetDefault("backoff."+dep+".max_attempts", 5)
	}
}
