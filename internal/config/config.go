// Package config loads link server configuration from the environment,
// following the teacher's env-var-first, .env-assisted convention.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"LINK_ADDR" envDefault:"0.0.0.0:8000"`
	MongoURI string `env:"MONGO_URI" envDefault:"mongodb://mongo:27017"`
	MongoDB  string `env:"MONGO_DATABASE" envDefault:"graffiti"`

	// Expiration sweeping
	ExpirationInterval time.Duration `env:"EXPIRATION_INTERVAL" envDefault:"2s"`

	// Capacity / admission control
	MaxConnections int `env:"LINK_MAX_CONNECTIONS" envDefault:"10000"`

	// CPU safety threshold, compared against host-wide CPU usage sampled
	// by the ResourceGuard (not container-aware)
	CPURejectThreshold float64 `env:"LINK_CPU_REJECT_THRESHOLD" envDefault:"90.0"`

	// Per-socket outbound queue, and the slow-client strike count before
	// disconnect (spec.md 5, "Backpressure").
	SocketSendBuffer  int `env:"LINK_SOCKET_SEND_BUFFER" envDefault:"256"`
	SlowClientStrikes int `env:"LINK_SLOW_CLIENT_STRIKES" envDefault:"3"`

	// Connection-level rate limiting (DoS protection): global system-wide
	// limit plus a per-IP limit, mirroring the teacher's two-level
	// ConnectionRateLimiter.
	ConnRateLimitBurst    int           `env:"LINK_CONN_RATE_BURST" envDefault:"200"`
	ConnRateLimitPerSec   float64       `env:"LINK_CONN_RATE_PER_SEC" envDefault:"50"`
	ConnRateLimitIPBurst  int           `env:"LINK_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateLimitIPPerSec float64       `env:"LINK_CONN_RATE_IP_PER_SEC" envDefault:"1"`
	ConnRateLimitIPTTL    time.Duration `env:"LINK_CONN_RATE_IP_TTL" envDefault:"5m"`

	// Cross-instance relay (optional)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Debug toggles pretty console logging and debug verbosity. There is
	// no hot-reload in a compiled binary, so this is the narrow analogue
	// of the source's reload/dev mode.
	Debug bool `env:"DEBUG" envDefault:"false"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Environment variables always win over .env file contents.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
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

// Validate checks configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LINK_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("LINK_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("LINK_CPU_REJECT_THRESHOLD must be in (0,100], got %.1f", c.CPURejectThreshold)
	}
	if c.ExpirationInterval <= 0 {
		return fmt.Errorf("EXPIRATION_INTERVAL must be > 0")
	}
	return nil
}
