package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// LevelTrace is more verbose than debug.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ApplyEnvironmentDefaults fills Format and Level from Environment when
// they were left empty.
func (c Config) ApplyEnvironmentDefaults() Config {
	switch c.Environment {
	case EnvProduction:
		if c.Format == "" {
			c.Format = "json"
		}
		if c.Level == "" {
			c.Level = "info"
		}
		c.AddSource = false
	case EnvTest:
		if c.Format == "" {
			c.Format = "text"
		}
		if c.Level == "" {
			c.Level = "debug"
		}
		c.AddSource = false
	case EnvDevelopment:
		if c.Format == "" {
			c.Format = "text"
		}
		if c.Level == "" {
			c.Level = "debug"
		}
		c.AddSource = true
	}
	return c
}

// GetConfigFromEnv reads ENVIRONMENT, LOG_LEVEL, LOG_FORMAT and
// LOG_ADD_SOURCE. ENVIRONMENT picks the base defaults, the LOG_* variables
// override them.
func GetConfigFromEnv() Config {
	config := DefaultConfig
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config = Config{Environment: strings.ToLower(env)}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}

	config = config.ApplyEnvironmentDefaults()

	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}
	return config
}
