// Package config holds server configuration for a DWN node: store
// backends, the small/large payload split, and task-lease tuning.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration, loaded from the environment
// following the same 12-factor pattern as the rest of the ambient stack.
type Config struct {
	Port     string
	LogLevel string

	// MessageStoreDSN selects the backing store for messages, data and
	// events alike. A "sqlite://" or "postgres://" scheme picks the
	// matching SQL-backed store implementation in pkg/store; anything
	// else (including empty) falls back to the in-memory store, which is
	// adequate for a single process and for tests. DataStoreDSN is loaded
	// from the environment but cmd/dwnd does not read it.
	MessageStoreDSN string
	DataStoreDSN    string

	// TaskStoreDSN, when a "redis://" URL, backs the resumable-task
	// lease index with Redis. The underlying task table is the SQLite one
	// when MessageStoreDSN is "sqlite://", and the in-memory task store
	// in every other case.
	TaskStoreDSN string

	// SmallPayloadThresholdBytes is the §4.3 step 6 "threshold" below
	// which a RecordsWrite's data is embedded as encodedData rather
	// than routed through the data store.
	SmallPayloadThresholdBytes int64

	// TaskLeaseSeconds is the initial lease granted to a resumable task
	// on registration; TaskExtendInterval is how often an in-flight
	// task's lease is refreshed (spec §4.8).
	TaskLeaseSeconds   int
	TaskExtendInterval int

	// DefaultReauthorizationTTLSeconds is used by RecordsSubscribe when
	// a subscriber does not specify its own reauthorizationTTL (spec §4.7, §5).
	DefaultReauthorizationTTLSeconds int
}

// Load loads configuration from environment variables, falling back to
// defaults safe for local development and tests.
func Load() *Config {
	return &Config{
		Port:                             envOr("PORT", "8080"),
		LogLevel:                         envOr("LOG_LEVEL", "INFO"),
		MessageStoreDSN:                  envOr("DWN_MESSAGE_STORE_DSN", ""),
		DataStoreDSN:                     envOr("DWN_DATA_STORE_DSN", ""),
		TaskStoreDSN:                     envOr("DWN_TASK_STORE_DSN", ""),
		SmallPayloadThresholdBytes:       envOrInt64("DWN_SMALL_PAYLOAD_THRESHOLD_BYTES", 10_000),
		TaskLeaseSeconds:                 envOrInt("DWN_TASK_LEASE_SECONDS", 30),
		TaskExtendInterval:               envOrInt("DWN_TASK_EXTEND_INTERVAL_SECONDS", 10),
		DefaultReauthorizationTTLSeconds: envOrInt("DWN_DEFAULT_REAUTH_TTL_SECONDS", 60),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
