// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/puzzleparty/backplane/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default value. It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password"):
			// For sensitive vars, just log that it was set
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value. Invalid values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", raw).
			Int("default", defaultValue).
			Msg("invalid integer value, using default")
		return defaultValue
	}
	return value
}

// ParseFloat reads a float from an environment variable or returns the
// default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", raw).
			Float64("default", defaultValue).
			Msg("invalid float value, using default")
		return defaultValue
	}
	return value
}

// ParseBool reads a boolean from an environment variable or returns the
// default value.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", raw).
			Bool("default", defaultValue).
			Msg("invalid boolean value, using default")
		return defaultValue
	}
	return value
}

// ParseSeconds reads a duration expressed as whole seconds from an
// environment variable or returns the default.
func ParseSeconds(key string, defaultValue time.Duration) time.Duration {
	secs := ParseInt(key, int(defaultValue/time.Second))
	if secs < 0 {
		return defaultValue
	}
	return time.Duration(secs) * time.Second
}

// ParseMillis reads a duration expressed as whole milliseconds from an
// environment variable or returns the default.
func ParseMillis(key string, defaultValue time.Duration) time.Duration {
	ms := ParseInt(key, int(defaultValue/time.Millisecond))
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
