// Package config loads commander settings from an optional YAML file and
// COMMANDER_* environment variables, the latter taking precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/OpenAgentsInc/commander/internal/dvm"
	"github.com/OpenAgentsInc/commander/internal/relay"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "COMMANDER_"

type (
	Config struct {
		Relays         []string      `yaml:"relays" env:"RELAYS" envSeparator:","`
		FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
		PublishTimeout time.Duration `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT"`
		PublishPolicy  string        `yaml:"publish_policy" env:"PUBLISH_POLICY"`
		// SecretKey is the long-lived key used for chat. Job requests always
		// use a fresh key.
		SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`

		Poll    Poll    `yaml:"poll" envPrefix:"POLL_"`
		Redis   Redis   `yaml:"redis" envPrefix:"REDIS_"`
		Mongo   Mongo   `yaml:"mongo" envPrefix:"MONGO_"`
		Log     Log     `yaml:"log" envPrefix:"LOG_"`
		Metrics Metrics `yaml:"metrics" envPrefix:"METRICS_"`
	}

	Poll struct {
		Attempts        int           `yaml:"attempts" env:"ATTEMPTS"`
		Interval        time.Duration `yaml:"interval" env:"INTERVAL"`
		MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
		Multiplier      float64       `yaml:"multiplier" env:"MULTIPLIER"`
		IncludeFeedback bool          `yaml:"include_feedback" env:"INCLUDE_FEEDBACK"`
	}

	// Redis is optional. Without an address identities live in memory and
	// do not survive the process.
	Redis struct {
		Addr        string        `yaml:"addr" env:"ADDR"`
		Password    string        `yaml:"password" env:"PASSWORD"`
		DB          int           `yaml:"db" env:"DB"`
		IdentityTTL time.Duration `yaml:"identity_ttl" env:"IDENTITY_TTL"`
		SealKey     string        `yaml:"seal_key" env:"SEAL_KEY"`
	}

	// Mongo is optional. Without a URI no job history is kept.
	Mongo struct {
		URI      string `yaml:"uri" env:"URI"`
		Database string `yaml:"database" env:"DATABASE"`
	}

	Log struct {
		Level       string `yaml:"level" env:"LEVEL"`
		Development bool   `yaml:"development" env:"DEVELOPMENT"`
	}

	Metrics struct {
		Addr string `yaml:"addr" env:"ADDR"`
	}
)

func Default() *Config {
	poll := dvm.DefaultPollPolicy()
	return &Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		FetchTimeout:   relay.DefaultFetchTimeout,
		PublishTimeout: relay.DefaultPublishTimeout,
		PublishPolicy:  relay.AtLeastOne.String(),
		Poll: Poll{
			Attempts:    poll.Attempts,
			Interval:    poll.Interval,
			MaxInterval: poll.MaxInterval,
			Multiplier:  poll.Multiplier,
		},
		Redis: Redis{
			IdentityTTL: 24 * time.Hour,
		},
		Mongo: Mongo{
			Database: "commander",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load applies the YAML document b over the defaults, then the environment,
// and validates the result.
func Load(b []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load on the contents of path. An empty path means defaults
// and environment only.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func (cfg *Config) Validate() error {
	if len(cfg.Relays) == 0 {
		return errors.New("config: no relays configured")
	}
	for _, u := range cfg.Relays {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("config: relay %q is not a websocket url", u)
		}
	}
	if cfg.FetchTimeout <= 0 || cfg.PublishTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if _, err := relay.ParsePublishPolicy(cfg.PublishPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Poll.Attempts <= 0 {
		return errors.New("config: poll attempts must be positive")
	}
	if cfg.Poll.Interval < 0 || cfg.Poll.MaxInterval < 0 || cfg.Poll.Multiplier < 0 {
		return errors.New("config: poll intervals must not be negative")
	}
	if cfg.Redis.Addr != "" && cfg.Redis.SealKey == "" {
		return errors.New("config: redis identity store needs a seal key")
	}
	return nil
}

func (cfg *Config) Policy() relay.PublishPolicy {
	p, _ := relay.ParsePublishPolicy(cfg.PublishPolicy)
	return p
}

func (cfg *Config) PollPolicy() dvm.PollPolicy {
	return dvm.PollPolicy{
		Attempts:        cfg.Poll.Attempts,
		Interval:        cfg.Poll.Interval,
		MaxInterval:     cfg.Poll.MaxInterval,
		Multiplier:      cfg.Poll.Multiplier,
		FetchTimeout:    cfg.FetchTimeout,
		IncludeFeedback: cfg.Poll.IncludeFeedback,
	}
}
