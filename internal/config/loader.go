package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads the configuration from the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct fills the env-tagged fields of v, descending into the section
// structs.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		value := lookupEnv(name, field.Tag.Get("envAlt"), field.Tag.Get("default"))
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}

	return nil
}

// lookupEnv returns the first non-empty of the primary variable, the
// alternate variable and the default.
func lookupEnv(name, alt, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	if alt != "" {
		if v := os.Getenv(alt); v != "" {
			return v
		}
	}
	return def
}

// setField parses value into one of the field kinds the config sections
// use: string, int, int64, time.Duration, bool and comma-separated []string.
func setField(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))

	case field.Kind() == reflect.String:
		field.SetString(value)

	case field.Kind() == reflect.Int, field.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)

	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		field.Set(reflect.ValueOf(splitList(value)))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}
	return nil
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(value string) []string {
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation. The URL itself is optional; see RequireDatabase.
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Load validation
	if c.Load.MaxFileSize <= 0 {
		errs = append(errs, "LOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Load.MaxConcurrent <= 0 {
		errs = append(errs, "LOAD_MAX_CONCURRENT must be positive")
	}
	if c.Load.MaxWaitTime <= 0 {
		errs = append(errs, "LOAD_MAX_WAIT_TIME must be positive")
	}
	if c.Load.Concurrency <= 0 {
		errs = append(errs, "LOAD_CONCURRENCY must be positive")
	}
	if c.Load.SingleWorkerThreshold < 0 {
		errs = append(errs, "LOAD_SINGLE_WORKER_THRESHOLD must be non-negative")
	}
	if c.Load.TopErrorLimit < 0 {
		errs = append(errs, "LOAD_TOP_ERROR_LIMIT must be non-negative")
	}
	if c.Load.Lookahead < 0 {
		errs = append(errs, "LOAD_LOOKAHEAD must be non-negative")
	}
	if c.Load.Timeout <= 0 {
		errs = append(errs, "LOAD_TIMEOUT must be positive")
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.LoadLimit <= 0 {
		errs = append(errs, "RATE_LIMIT_LOAD must be positive when rate limiting is enabled")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Events validation
	if c.Events.Enabled() && c.Events.Subject == "" {
		errs = append(errs, "NATS_SUBJECT is required when NATS_URL is set")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Database and NATS URLs are masked and API keys are counted, not shown.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		mask(c.Database.URL), c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Load: {MaxFileSize: %d, MaxConcurrent: %d, Concurrency: %d, SingleWorkerThreshold: %d}, ",
		c.Load.MaxFileSize, c.Load.MaxConcurrent, c.Load.Concurrency, c.Load.SingleWorkerThreshold))
	b.WriteString(fmt.Sprintf("Rate: {Enabled: %v, RequestsPerMinute: %d, LoadLimit: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute, c.Rate.LoadLimit))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Events: {URL: %s, Subject: %q}, ", mask(c.Events.NATSURL), c.Events.Subject))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return "[UNSET]"
	}
	return "[MASKED]"
}
