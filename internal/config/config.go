// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime settings for the storykeep API.
type Config struct {
	Addr  string `env:"ADDR" envDefault:":8080"`
	PGDSN string `env:"PG_DSN"`
	// AutoMigrate applies pending migrations on startup when a database is configured.
	AutoMigrate bool   `env:"AUTO_MIGRATE"`
	AuthSecret  string `env:"AUTH_SECRET"`
	AppURL      string `env:"APP_URL" envDefault:"http://localhost:8080"`
	// DevTokens exposes POST /v1/auth/token for local development.
	DevTokens bool `env:"DEV_TOKENS"`

	WebhookTimeout         time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookWorkers         int           `env:"WEBHOOK_WORKERS" envDefault:"4"`
	WebhookQueueSize       int           `env:"WEBHOOK_QUEUE_SIZE" envDefault:"256"`
	WebhookBreakerFailures uint32        `env:"WEBHOOK_BREAKER_FAILURES" envDefault:"5"`

	RateBurst  int     `env:"RATE_BURST" envDefault:"20"`
	RatePerSec float64 `env:"RATE_PER_SEC" envDefault:"10"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAuditTopic string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"storykeep.audit"`

	AuditExportLimit int `env:"AUDIT_EXPORT_LIMIT" envDefault:"1000"`
}

// Prefix is prepended to every variable name.
const Prefix = "STORYKEEP_"

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	if c.AuthSecret == "" {
		return errors.New("config: STORYKEEP_AUTH_SECRET is required")
	}
	if c.WebhookWorkers <= 0 {
		return errors.New("config: webhook workers must be positive")
	}
	if c.WebhookQueueSize <= 0 {
		return errors.New("config: webhook queue size must be positive")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("config: rate limit must be positive")
	}
	if c.AuditExportLimit <= 0 {
		return errors.New("config: audit export limit must be positive")
	}
	return nil
}

// KafkaEnabled reports whether the audit kafka sink should be started.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaAuditTopic != ""
}
