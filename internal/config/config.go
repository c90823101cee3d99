// Package config loads server configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds everything the embedding process supplies: broker selection,
// listen addresses, protocol limits, auth and logging.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Agent listener
	Addr string `env:"PASTRY_ADDR" envDefault:"127.0.0.1:8888"`

	// Metrics endpoint; empty disables it
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`

	// Bus selection
	BusDriver string `env:"BUS_DRIVER" envDefault:"redis"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`
	NATSURL   string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Wire protocol
	MaxPacketSize int `env:"MAX_PACKET_SIZE" envDefault:"16384"`

	// Ingress rate limiting (per connection)
	FrameRatePerSec int `env:"FRAME_RATE_PER_SEC" envDefault:"100"`
	FrameRateBurst  int `env:"FRAME_RATE_BURST" envDefault:"200"`

	// Authentication. With a secret set the agent validates JWT credentials;
	// without one it assigns anonymous ids (development).
	AuthSecret string `env:"AUTH_SECRET" envDefault:""`

	// Zone identity for zone processes
	ZoneID string `env:"ZONE_ID" envDefault:"chat"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
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
	if c.Addr == "" {
		return fmt.Errorf("PASTRY_ADDR is required")
	}
	if c.MaxPacketSize < 1024 {
		return fmt.Errorf("MAX_PACKET_SIZE must be >= 1024, got %d", c.MaxPacketSize)
	}
	if c.FrameRatePerSec < 1 {
		return fmt.Errorf("FRAME_RATE_PER_SEC must be > 0, got %d", c.FrameRatePerSec)
	}
	if c.FrameRateBurst < c.FrameRatePerSec {
		return fmt.Errorf("FRAME_RATE_BURST (%d) must be >= FRAME_RATE_PER_SEC (%d)",
			c.FrameRateBurst, c.FrameRatePerSec)
	}

	validDrivers := map[string]bool{"redis": true, "nats": true, "memory": true}
	if !validDrivers[c.BusDriver] {
		return fmt.Errorf("BUS_DRIVER must be one of: redis, nats, memory (got: %s)", c.BusDriver)
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

// LogConfig dumps the effective configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Str("bus_driver", c.BusDriver).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Int("max_packet_size", c.MaxPacketSize).
		Int("frame_rate_per_sec", c.FrameRatePerSec).
		Int("frame_rate_burst", c.FrameRateBurst).
		Bool("jwt_auth", c.AuthSecret != "").
		Str("zone_id", c.ZoneID).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
