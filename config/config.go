// Package config loads the service settings from the environment.
//
// Settings are read from environment variables, with an optional .env file
// for development convenience. Environment variables always win over the
// .env file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings holds every recognized option of the event bus service.
type Settings struct {
	// CloudEvents envelope attributes.
	CloudEventsSource string `env:"CLOUD_EVENTS_SOURCE" envDefault:"https://api.kernelci.org/"`
	EventType         string `env:"CLOUD_EVENTS_TYPE" envDefault:"api.kernelci.org"`

	// Broker backing.
	Broker        string `env:"PUBSUB_BROKER" envDefault:"redis"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"redis"`
	RedisDBNumber int    `env:"REDIS_DB_NUMBER" envDefault:"1"`
	NatsURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Persistent store backing.
	Store       string `env:"PUBSUB_STORE" envDefault:"mongo"`
	MongoService string `env:"MONGO_SERVICE" envDefault:"mongodb://db:27017"`
	MongoDBName  string `env:"MONGO_DB_NAME" envDefault:"kernelci"`

	// Engine tuning.
	KeepAlivePeriod  time.Duration `env:"KEEP_ALIVE_PERIOD" envDefault:"45s"`
	EventRetention   time.Duration `env:"EVENT_RETENTION" envDefault:"604800s"`
	MaxCatchupEvents int           `env:"MAX_CATCHUP_EVENTS" envDefault:"1000"`
	PollTimeout      time.Duration `env:"POLL_TIMEOUT" envDefault:"1s"`

	// Reaper policies.
	SubscriptionMaxAge    time.Duration `env:"SUBSCRIPTION_MAX_AGE" envDefault:"30m"`
	SubscriberStateMaxAge time.Duration `env:"SUBSCRIBER_STATE_MAX_AGE" envDefault:"720h"`

	// HTTP surface.
	APIAddr string `env:"API_ADDR" envDefault:":8001"`

	// Logging.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads settings from the environment. A .env file is honoured when
// present but is never required.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	cfg := &Settings{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks settings for errors.
func (s *Settings) Validate() error {
	switch s.Broker {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("PUBSUB_BROKER must be one of: redis, nats, memory (got: %s)", s.Broker)
	}
	switch s.Store {
	case "mongo", "memory":
	default:
		return fmt.Errorf("PUBSUB_STORE must be one of: mongo, memory (got: %s)", s.Store)
	}
	if s.MaxCatchupEvents < 1 {
		return fmt.Errorf("MAX_CATCHUP_EVENTS must be > 0, got %d", s.MaxCatchupEvents)
	}
	if s.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION must be > 0, got %s", s.EventRetention)
	}
	if s.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be > 0, got %s", s.PollTimeout)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", s.LogLevel)
	}
	return nil
}

// RedisURL returns the connection URL for the configured Redis database.
func (s *Settings) RedisURL() string {
	return fmt.Sprintf("redis://%s/%d", s.RedisHost, s.RedisDBNumber)
}
