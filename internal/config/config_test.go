package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "HTTP_PORT", "DB_PATH", "DB_DRIVER", "DATABASE_URL", "DB_DSN", "EXPORTER_TIMEOUT", "RESERVATION_TIMEOUT", "SWEEP_INTERVAL"} {
		os.Unsetenv(k)
	}
	cfg := Load()
	if cfg.Env != "dev" {
		t.Fatalf("expected dev, got %s", cfg.Env)
	}
	if cfg.HttpPort != "20408" {
		t.Fatalf("expected 20408, got %s", cfg.HttpPort)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected sqlite, got %s", cfg.DBDriver)
	}
	if cfg.ExporterTimeout != 90*time.Second {
		t.Fatalf("expected 90s exporter timeout, got %s", cfg.ExporterTimeout)
	}
	if cfg.ReservationTimeout != 60*time.Second {
		t.Fatalf("expected 60s reservation timeout, got %s", cfg.ReservationTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("APP_ENV", "prod")
	os.Setenv("HTTP_PORT", "9999")
	os.Setenv("DB_DRIVER", "postgres")
	os.Setenv("DATABASE_URL", "postgres://u:p@h/db")
	os.Setenv("EXPORTER_TIMEOUT", "2m")
	os.Setenv("RESERVATION_TIMEOUT", "45")
	t.Cleanup(func() {
		for _, k := range []string{"APP_ENV", "HTTP_PORT", "DB_DRIVER", "DATABASE_URL", "EXPORTER_TIMEOUT", "RESERVATION_TIMEOUT"} {
			os.Unsetenv(k)
		}
	})
	cfg := Load()
	if cfg.Env != "prod" {
		t.Fatalf("env override failed")
	}
	if cfg.HttpPort != "9999" {
		t.Fatalf("port override failed")
	}
	if cfg.DBDriver != "postgres" || cfg.DBDsn == "" {
		t.Fatalf("db override failed")
	}
	if cfg.ExporterTimeout != 2*time.Minute {
		t.Fatalf("duration parse failed: %s", cfg.ExporterTimeout)
	}
	if cfg.ReservationTimeout != 45*time.Second {
		t.Fatalf("bare-seconds parse failed: %s", cfg.ReservationTimeout)
	}
}
