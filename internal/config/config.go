// Package config provides centralized configuration management for the bulk
// loader. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"errors"
	"time"

	"github.com/JonMunkholm/bulkload/internal/core"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Load     LoadConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Events   EventsConfig
	Source   SourceConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout bounds reading request headers and small bodies. Load
	// bodies are streamed under LOAD_TIMEOUT instead. (default: 0 for streaming)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"0s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. ANALYZE works without one.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate creates the record and history tables on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// ErrNoDatabase is returned by RequireDatabase when DATABASE_URL is unset.
var ErrNoDatabase = errors.New("DATABASE_URL is required for loading")

// RequireDatabase reports an error if no connection string is configured.
func (c *DatabaseConfig) RequireDatabase() error {
	if c.URL == "" {
		return ErrNoDatabase
	}
	return nil
}

// LoadConfig holds bulk load processing settings.
type LoadConfig struct {
	// MaxFileSize is the maximum accepted request body in bytes (default: 1GB)
	MaxFileSize int64 `env:"LOAD_MAX_FILE_SIZE" default:"1073741824"`

	// MaxConcurrent is the maximum number of parallel invocations (default: 5)
	MaxConcurrent int `env:"LOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an invocation slot (default: 30s)
	MaxWaitTime time.Duration `env:"LOAD_MAX_WAIT_TIME" default:"30s"`

	// Concurrency is the default number of load workers (default: 4)
	Concurrency int `env:"LOAD_CONCURRENCY" default:"4"`

	// SingleWorkerThreshold is the record count below which a single
	// worker is used (default: 1000)
	SingleWorkerThreshold int `env:"LOAD_SINGLE_WORKER_THRESHOLD" default:"1000"`

	// TopErrorLimit caps the error samples in a load result (default: 10)
	TopErrorLimit int `env:"LOAD_TOP_ERROR_LIMIT" default:"10"`

	// ProgressInterval is the number of records between progress updates (default: 100)
	ProgressInterval int `env:"LOAD_PROGRESS_INTERVAL" default:"100"`

	// Lookahead is the byte budget for format detection (default: 64KB)
	Lookahead int `env:"LOAD_LOOKAHEAD" default:"65536"`

	// Timeout is the maximum duration for a single invocation (default: 30m)
	Timeout time.Duration `env:"LOAD_TIMEOUT" default:"30m"`

	// ResultRetention is how long async load results stay available (default: 5m)
	ResultRetention time.Duration `env:"LOAD_RESULT_RETENTION" default:"5m"`
}

// ServiceConfig converts the load settings for core.NewService.
func (c *LoadConfig) ServiceConfig() core.ServiceConfig {
	return core.ServiceConfig{
		MaxConcurrent:         c.MaxConcurrent,
		MaxWait:               c.MaxWaitTime,
		Lookahead:             c.Lookahead,
		LoadTimeout:           c.Timeout,
		ResultRetention:       c.ResultRetention,
		Concurrency:           c.Concurrency,
		SingleWorkerThreshold: c.SingleWorkerThreshold,
		TopErrorLimit:         c.TopErrorLimit,
		ProgressInterval:      c.ProgressInterval,
	}
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// LoadLimit is requests per minute for analyze and load endpoints (default: 10)
	LoadLimit int `env:"RATE_LIMIT_LOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey rejects API requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// EventsConfig holds load-finished notification settings. Events are
// disabled when NATS_URL is empty.
type EventsConfig struct {
	// NATSURL is the NATS server URL
	NATSURL string `env:"NATS_URL"`

	// Subject is the subject load events are published on
	Subject string `env:"NATS_SUBJECT" default:"bulkload.loads.finished"`

	// ConnectTimeout bounds the initial connection (default: 10s)
	ConnectTimeout time.Duration `env:"NATS_CONNECT_TIMEOUT" default:"10s"`
}

// Enabled reports whether event publishing is configured.
func (c *EventsConfig) Enabled() bool {
	return c.NATSURL != ""
}

// SourceConfig holds settings for reading s3:// inputs.
type SourceConfig struct {
	// S3Region overrides the region from the AWS shared config
	S3Region string `env:"S3_REGION" envAlt:"AWS_REGION"`

	// S3Endpoint points the client at an S3-compatible store such as MinIO
	S3Endpoint string `env:"S3_ENDPOINT"`

	// S3UsePathStyle forces path-style bucket addressing (default: false)
	S3UsePathStyle bool `env:"S3_USE_PATH_STYLE" default:"false"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
