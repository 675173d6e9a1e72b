package livefeed

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for a Manager built with ConnectConfig.
// Zero fields fall back to LIVEFEED_* environment variables, then to the
// package defaults.
type Config struct {
	// Endpoint is the persistent (ws/wss) feed endpoint.
	// Fallback: LIVEFEED_ENDPOINT environment variable. Required.
	Endpoint string

	// FallbackEndpoint overrides the derived push-only endpoint.
	// Fallback: LIVEFEED_FALLBACK_ENDPOINT environment variable.
	FallbackEndpoint string

	// DisableFallback turns off the push-only transport.
	// Fallback: LIVEFEED_DISABLE_FALLBACK environment variable.
	DisableFallback bool

	// Fallback: LIVEFEED_MAX_ATTEMPTS. Default 4.
	MaxAttempts int
	// Fallback: LIVEFEED_BASE_DELAY (Go duration). Default 1s.
	BaseDelay time.Duration
	// Fallback: LIVEFEED_MULTIPLIER. Default 2.
	Multiplier float64
	// Fallback: LIVEFEED_MAX_DELAY (Go duration). Default 30s.
	MaxDelay time.Duration
	// Fallback: LIVEFEED_JITTER. Default 0 (disabled).
	Jitter float64

	// Codec is "json" or "msgpack".
	// Fallback: LIVEFEED_CODEC environment variable. Default "json".
	Codec string
}

// Policy builds the reconnect policy described by c.
func (c Config) Policy() (ReconnectPolicy, error) {
	return NewReconnectPolicy(PolicyParams{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
	})
}

// resolveConfig fills empty fields from environment variables and defaults
// and validates required fields.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("LIVEFEED_ENDPOINT")
	}
	if cfg.FallbackEndpoint == "" {
		cfg.FallbackEndpoint = os.Getenv("LIVEFEED_FALLBACK_ENDPOINT")
	}
	if cfg.Codec == "" {
		cfg.Codec = os.Getenv("LIVEFEED_CODEC")
	}
	if !cfg.DisableFallback {
		if v := os.Getenv("LIVEFEED_DISABLE_FALLBACK"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, envError("LIVEFEED_DISABLE_FALLBACK", v, err)
			}
			cfg.DisableFallback = b
		}
	}

	var err error
	if cfg.MaxAttempts, err = envInt("LIVEFEED_MAX_ATTEMPTS", cfg.MaxAttempts, DefaultMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.BaseDelay, err = envDuration("LIVEFEED_BASE_DELAY", cfg.BaseDelay, DefaultBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.MaxDelay, err = envDuration("LIVEFEED_MAX_DELAY", cfg.MaxDelay, DefaultMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.Multiplier, err = envFloat("LIVEFEED_MULTIPLIER", cfg.Multiplier, DefaultMultiplier); err != nil {
		return cfg, err
	}
	if cfg.Jitter, err = envFloat("LIVEFEED_JITTER", cfg.Jitter, 0); err != nil {
		return cfg, err
	}

	if cfg.Endpoint == "" {
		return cfg, &ConfigError{Field: "endpoint", Reason: "Endpoint is required (set in Config or LIVEFEED_ENDPOINT env)"}
	}
	return cfg, nil
}

func envError(key, value string, err error) error {
	return &ConfigError{Field: key, Reason: fmt.Sprintf("invalid value %q: %v", value, err)}
}

func envInt(key string, current, def int) (int, error) {
	if current != 0 {
		return current, nil
	}
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, envError(key, v, err)
	}
	return n, nil
}

func envFloat(key string, current, def float64) (float64, error) {
	if current != 0 {
		return current, nil
	}
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, envError(key, v, err)
	}
	return f, nil
}

func envDuration(key string, current, def time.Duration) (time.Duration, error) {
	if current != 0 {
		return current, nil
	}
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, envError(key, v, err)
	}
	return d, nil
}
