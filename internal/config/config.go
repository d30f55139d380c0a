package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Instance identity. Every replica must have a stable, unique id; it is
	// the value written into ownership leases and bot attachment records.
	InstanceID string `env:"AGOND_INSTANCE_ID"`

	// Server basics
	Addr      string `env:"AGOND_ADDR" envDefault:":3004"`
	NATSURL   string `env:"AGOND_NATS_URL" envDefault:"nats://localhost:4222"`
	DBPath    string `env:"AGOND_DB_PATH" envDefault:"agond.db"`
	KVBucket  string `env:"AGOND_KV_BUCKET" envDefault:"agond-coord"`

	// Ownership and recovery
	OwnershipTTL     time.Duration `env:"AGOND_OWNERSHIP_TTL" envDefault:"300s"`
	OwnershipRefresh time.Duration `env:"AGOND_OWNERSHIP_REFRESH" envDefault:"120s"`
	UnownedSweep     time.Duration `env:"AGOND_UNOWNED_SWEEP" envDefault:"30s"`
	RecoveryLockTTL  time.Duration `env:"AGOND_RECOVERY_LOCK_TTL" envDefault:"120s"`

	// Bot transport
	BotHeartbeat     time.Duration `env:"AGOND_BOT_HEARTBEAT" envDefault:"30s"`
	BotAttachmentTTL time.Duration `env:"AGOND_BOT_ATTACHMENT_TTL" envDefault:"120s"`

	// Matchmaker
	MatchmakerSweep time.Duration `env:"AGOND_MATCHMAKER_SWEEP" envDefault:"2s"`

	// Rating
	RatingK         int `env:"AGOND_RATING_K" envDefault:"32"`
	RatingRangeBase int `env:"AGOND_RATING_RANGE_BASE" envDefault:"100"`
	RatingRangeStep int `env:"AGOND_RATING_RANGE_STEP" envDefault:"50"`
	RatingRangeCap  int `env:"AGOND_RATING_RANGE_CAP" envDefault:"500"`

	// Contests
	DefaultPreset string `env:"AGOND_DEFAULT_PRESET" envDefault:"classic"`

	// Shutdown
	ShutdownGrace time.Duration `env:"AGOND_SHUTDOWN_GRACE" envDefault:"3s"`

	// Fan-out worker pool
	WorkerCount     int `env:"AGOND_WORKER_COUNT" envDefault:"8"`
	WorkerQueueSize int `env:"AGOND_WORKER_QUEUE_SIZE" envDefault:"800"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets env vars directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("AGOND_INSTANCE_ID is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("AGOND_ADDR is required")
	}
	if c.OwnershipRefresh >= c.OwnershipTTL {
		return fmt.Errorf("AGOND_OWNERSHIP_REFRESH (%s) must be < AGOND_OWNERSHIP_TTL (%s)",
			c.OwnershipRefresh, c.OwnershipTTL)
	}
	if c.BotHeartbeat >= c.BotAttachmentTTL {
		return fmt.Errorf("AGOND_BOT_HEARTBEAT (%s) must be < AGOND_BOT_ATTACHMENT_TTL (%s)",
			c.BotHeartbeat, c.BotAttachmentTTL)
	}
	if c.MatchmakerSweep <= 0 {
		return fmt.Errorf("AGOND_MATCHMAKER_SWEEP must be > 0, got %s", c.MatchmakerSweep)
	}
	if c.RatingK < 1 {
		return fmt.Errorf("AGOND_RATING_K must be > 0, got %d", c.RatingK)
	}
	if c.RatingRangeCap < c.RatingRangeBase {
		return fmt.Errorf("AGOND_RATING_RANGE_CAP (%d) must be >= AGOND_RATING_RANGE_BASE (%d)",
			c.RatingRangeCap, c.RatingRangeBase)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("AGOND_WORKER_COUNT must be > 0, got %d", c.WorkerCount)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the loaded configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("instance_id", c.InstanceID).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Str("db_path", c.DBPath).
		Dur("ownership_ttl", c.OwnershipTTL).
		Dur("ownership_refresh", c.OwnershipRefresh).
		Dur("unowned_sweep", c.UnownedSweep).
		Dur("recovery_lock_ttl", c.RecoveryLockTTL).
		Dur("bot_heartbeat", c.BotHeartbeat).
		Dur("bot_attachment_ttl", c.BotAttachmentTTL).
		Dur("matchmaker_sweep", c.MatchmakerSweep).
		Int("rating_k", c.RatingK).
		Str("default_preset", c.DefaultPreset).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
