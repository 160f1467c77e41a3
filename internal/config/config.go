package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the coordinator settings, loaded from environment variables
// with sensible defaults for local development.
type Config struct {
	Env      string
	HttpPort string
	DBPath   string // used when DBDriver=sqlite
	DBDriver string // sqlite|postgres
	DBDsn    string // used when DBDriver=postgres (e.g., DATABASE_URL)

	// ExporterTimeout is how long an exporter may miss heartbeats before
	// its resources are marked unavailable.
	ExporterTimeout time.Duration
	// ReservationTimeout is how long an allocated reservation stays valid
	// without a refresh.
	ReservationTimeout time.Duration
	// SweepInterval is the period of the background expiry sweeper.
	SweepInterval time.Duration
}

func Load() *Config {
	cfg := &Config{
		Env:                getEnv("APP_ENV", "dev"),
		HttpPort:           getEnv("HTTP_PORT", "20408"),
		DBPath:             getEnv("DB_PATH", "data/coordinator.db"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite"),
		DBDsn:              getEnv("DATABASE_URL", getEnv("DB_DSN", "")),
		ExporterTimeout:    getDuration("EXPORTER_TIMEOUT", 90*time.Second),
		ReservationTimeout: getDuration("RESERVATION_TIMEOUT", 60*time.Second),
		SweepInterval:      getDuration("SWEEP_INTERVAL", 10*time.Second),
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// bare integers are seconds
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
