// Package config loads the delivery service configuration from YAML with
// LIVEFEED_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rockwatch/livefeed"
	"github.com/rockwatch/livefeed/internal/logging"
)

// Source kinds of a channel.
const (
	SourceDir = "dir"
	SourceS3  = "s3"
)

// Config is the complete service configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Log       logging.Config  `yaml:"log"`
	Heartbeat time.Duration   `yaml:"heartbeat"` // 0 disables heartbeats
	Feeds     []string        `yaml:"feeds"`     // feeds that receive heartbeats and channel status
	Reconnect ReconnectConfig `yaml:"reconnect"` // advertised to clients in /api/status
	Channels  []ChannelConfig `yaml:"channels"`
	Journal   JournalConfig   `yaml:"journal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Control   ControlConfig   `yaml:"control"`
}

// ReconnectConfig mirrors livefeed.PolicyParams.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"baseDelay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"maxDelay"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// Params converts r to policy parameters.
func (r ReconnectConfig) Params() livefeed.PolicyParams {
	return livefeed.PolicyParams{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// ChannelConfig describes one loop channel.
type ChannelConfig struct {
	ID        string  `yaml:"id"`
	Title     string  `yaml:"title"`
	Source    string  `yaml:"source"` // dir or s3
	Dir       string  `yaml:"dir"`
	Pattern   string  `yaml:"pattern"`
	Bucket    string  `yaml:"bucket"`
	Prefix    string  `yaml:"prefix"`
	Region    string  `yaml:"region"`
	Endpoint  string  `yaml:"endpoint"`
	FPS       float64 `yaml:"fps"`
	Autostart bool    `yaml:"autostart"`
}

// JournalConfig selects the SQL journal. An empty driver disables it.
type JournalConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite
	DSN    string `yaml:"dsn"`
}

// MQTTConfig selects the MQTT status publisher. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ControlConfig throttles the channel control endpoint per remote address.
type ControlConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the stock configuration: the east, west and north camera
// loops read from data/camera_data.
func Default() Config {
	p := livefeed.DefaultPolicyParams()
	cfg := Config{
		Listen:    ":8000",
		Log:       logging.Config{Level: "info", Format: "text"},
		Heartbeat: 15 * time.Second,
		Feeds:     []string{"rockfall"},
		Reconnect: ReconnectConfig{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   p.BaseDelay,
			Multiplier:  p.Multiplier,
			MaxDelay:    p.MaxDelay,
			Jitter:      p.Jitter,
		},
		Journal: JournalConfig{Driver: "sqlite", DSN: "livefeed.db"},
		MQTT:    MQTTConfig{TopicPrefix: "livefeed"},
		Control: ControlConfig{RPS: 5, Burst: 10},
	}
	for i, name := range []string{"East", "West", "North"} {
		cfg.Channels = append(cfg.Channels, ChannelConfig{
			ID:        strings.ToLower(name),
			Title:     name + " Camera",
			Source:    SourceDir,
			Dir:       fmt.Sprintf("data/camera_data/%d", i+1),
			FPS:       30,
			Autostart: true,
		})
	}
	return cfg
}

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"LIVEFEED_LISTEN":         &cfg.Listen,
		"LIVEFEED_LOG_LEVEL":      &cfg.Log.Level,
		"LIVEFEED_LOG_FORMAT":     &cfg.Log.Format,
		"LIVEFEED_JOURNAL_DRIVER": &cfg.Journal.Driver,
		"LIVEFEED_JOURNAL_DSN":    &cfg.Journal.DSN,
		"LIVEFEED_MQTT_BROKER":    &cfg.MQTT.Broker,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v := os.Getenv("LIVEFEED_HEARTBEAT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("LIVEFEED_HEARTBEAT", v, err)
		}
		cfg.Heartbeat = d
	}
	if v := os.Getenv("LIVEFEED_CONTROL_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("LIVEFEED_CONTROL_RPS", v, err)
		}
		cfg.Control.RPS = f
	}
	if v := os.Getenv("LIVEFEED_CONTROL_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("LIVEFEED_CONTROL_BURST", v, err)
		}
		cfg.Control.Burst = n
	}
	return nil
}

func envError(key, value string, err error) error {
	return &livefeed.ConfigError{Field: key, Reason: fmt.Sprintf("invalid value %q: %v", value, err)}
}

// Validate reports the first invalid field as a *livefeed.ConfigError.
func (c Config) Validate() error {
	if c.Listen == "" {
		return &livefeed.ConfigError{Field: "listen", Reason: "is required"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &livefeed.ConfigError{Field: "log.level", Reason: err.Error()}
	}
	if c.Heartbeat < 0 {
		return &livefeed.ConfigError{Field: "heartbeat", Reason: "must not be negative"}
	}
	for i, feed := range c.Feeds {
		if feed == "" || strings.ContainsAny(feed, "/ ") {
			return &livefeed.ConfigError{Field: fmt.Sprintf("feeds[%d]", i), Reason: fmt.Sprintf("invalid feed name %q", feed)}
		}
	}
	if _, err := livefeed.NewReconnectPolicy(c.Reconnect.Params()); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		switch {
		case ch.ID == "" || strings.ContainsAny(ch.ID, "/ "):
			return &livefeed.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("invalid channel id %q", ch.ID)}
		case seen[ch.ID]:
			return &livefeed.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("duplicate channel id %q", ch.ID)}
		case ch.FPS <= 0:
			return &livefeed.ConfigError{Field: field + ".fps", Reason: "must be > 0"}
		}
		seen[ch.ID] = true

		switch ch.Source {
		case SourceDir, "":
			if ch.Dir == "" {
				return &livefeed.ConfigError{Field: field + ".dir", Reason: "is required for a dir source"}
			}
		case SourceS3:
			if ch.Bucket == "" {
				return &livefeed.ConfigError{Field: field + ".bucket", Reason: "is required for an s3 source"}
			}
		default:
			return &livefeed.ConfigError{Field: field + ".source", Reason: fmt.Sprintf("unknown source %q", ch.Source)}
		}
	}

	switch c.Journal.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Journal.DSN == "" {
			return &livefeed.ConfigError{Field: "journal.dsn", Reason: "is required when a driver is set"}
		}
	default:
		return &livefeed.ConfigError{Field: "journal.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Journal.Driver)}
	}
	if c.MQTT.QoS > 2 {
		return &livefeed.ConfigError{Field: "mqtt.qos", Reason: "must be 0, 1 or 2"}
	}
	if c.Control.RPS <= 0 || c.Control.Burst < 1 {
		return &livefeed.ConfigError{Field: "control", Reason: "rps must be > 0 and burst >= 1"}
	}
	return nil
}
