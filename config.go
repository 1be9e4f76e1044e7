package dbqueue

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultReincarnationTimeout = 3 * time.Second
	defaultGetPollInterval      = time.Second
)

// Config holds queue, connection and history settings.
type Config struct {
	// Delay before a crashed worker is restarted (default: 3 seconds).
	// A negative value disables reincarnation; in-memory databases are never
	// reincarnated.
	ReincarnationTimeout time.Duration

	// Upper bound on the total capacity of pooled stream buffers per
	// connection, in bytes (default: 1 MiB).
	BufferPoolCeiling int

	// TTL for finished job history records (default: 30 days).
	HistoryTTL time.Duration

	// How often the history janitor purges expired records (default: 1 day).
	CleanupInterval time.Duration

	// How often Job.Get re-checks a job while waiting (default: 1 second).
	GetPollInterval time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ReincarnationTimeout: defaultReincarnationTimeout,
		BufferPoolCeiling:    defaultBufferPoolCeiling,
		HistoryTTL:           30 * 24 * time.Hour,
		CleanupInterval:      24 * time.Hour,
		GetPollInterval:      defaultGetPollInterval,
	}
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - DBQUEUE_REINCARNATE_TIMEOUT: worker restart delay (default: 3s).
//     An integer is read as milliseconds; a negative value disables restarts.
//   - DBQUEUE_BUFFER_POOL_CEILING: pooled buffer ceiling in bytes (default: 1048576)
//   - DBQUEUE_HISTORY_TTL: TTL for finished history records (default: 30 days)
//   - DBQUEUE_CLEANUP_INTERVAL: history cleanup interval (default: 1 day)
//   - DBQUEUE_GET_POLL_INTERVAL: Job.Get re-check interval (default: 1s)
//
// TTL and cleanup interval values can be specified as:
//   - Integer number of days (e.g., "30" = 30 days)
//   - Duration string (e.g., "24h", "1h30m")
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	defaults := DefaultConfig()
	cfg := &Config{
		ReincarnationTimeout: getEnvMillis("DBQUEUE_REINCARNATE_TIMEOUT", defaults.ReincarnationTimeout),
		BufferPoolCeiling:    getEnvInt("DBQUEUE_BUFFER_POOL_CEILING", defaults.BufferPoolCeiling),
		HistoryTTL:           getEnvDuration("DBQUEUE_HISTORY_TTL", defaults.HistoryTTL),
		CleanupInterval:      getEnvDuration("DBQUEUE_CLEANUP_INTERVAL", defaults.CleanupInterval),
		GetPollInterval:      getEnvMillis("DBQUEUE_GET_POLL_INTERVAL", defaults.GetPollInterval),
	}

	return cfg
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
