// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level name (default "info").
//   - MEMBERSHIP_CACHE_TTL: expiry for cached membership results
//     (default "0", meaning entries live until the next catalog mutation;
//     must be >= 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - AUTH_RATE_LIMIT: allowed auth failures per IP per minute (default "10",
//     must be > 0 if set).
//   - SEGMENT_SAMPLE_LIMIT: default sample size for segment tests
//     (default "10", must be > 0 if set; hard-capped at 50 by the service).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
	defaultSegmentSampleLimit       = 10
)

// Config holds the runtime configuration for the segmentz server.
type Config struct {
	DatabaseURL        string
	HTTPAddr           string
	LogLevel           string
	MembershipCacheTTL time.Duration
	AuthRateLimit      int
	MaxJSONBodySize    int64
	SegmentSampleLimit int
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	var membershipCacheTTL time.Duration
	if value := strings.TrimSpace(os.Getenv("MEMBERSHIP_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEMBERSHIP_CACHE_TTL: %w", err)
		}
		if parsed < 0 {
			return Config{}, errors.New("MEMBERSHIP_CACHE_TTL must be >= 0")
		}
		membershipCacheTTL = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	segmentSampleLimit := defaultSegmentSampleLimit
	if v := strings.TrimSpace(os.Getenv("SEGMENT_SAMPLE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("SEGMENT_SAMPLE_LIMIT must be a positive integer")
		}
		segmentSampleLimit = n
	}

	return Config{
		DatabaseURL:        databaseURL,
		HTTPAddr:           envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		MembershipCacheTTL: membershipCacheTTL,
		AuthRateLimit:      authRateLimit,
		MaxJSONBodySize:    maxJSONBodySize,
		SegmentSampleLimit: segmentSampleLimit,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
