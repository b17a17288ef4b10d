// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all driveberry configuration.
type Config struct {
	// SyncRoot is the local directory mirrored against the cloud root.
	SyncRoot string
	// WorkDir holds the manifests, the change queue, the transfer spool,
	// and crash logs.
	WorkDir string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics / diagnostics listener ("" disables it)
	MetricsAddr string

	// Cloud
	ClientSecretPath string
	CredentialsDir   string
	PollInterval     time.Duration
	DriveQPS         float64

	// Local
	CoalesceWindow time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		SyncRoot:         envOr("DRIVEBERRY_SYNC_ROOT", filepath.Join(home, "Driveberry")),
		WorkDir:          envOr("DRIVEBERRY_WORK_DIR", filepath.Join(home, ".driveberry")),
		LogLevel:         envOr("DRIVEBERRY_LOG_LEVEL", "info"),
		LogFormat:        envOr("DRIVEBERRY_LOG_FORMAT", "console"),
		LogFile:          envOr("DRIVEBERRY_LOG_FILE", ""),
		MetricsAddr:      envOr("DRIVEBERRY_METRICS_ADDR", ":9753"),
		ClientSecretPath: envOr("DRIVEBERRY_CLIENT_SECRET", ""),
		CredentialsDir:   envOr("DRIVEBERRY_CREDENTIALS_DIR", ""),
		PollInterval:     envDuration("DRIVEBERRY_POLL_INTERVAL", 5*time.Second),
		DriveQPS:         envFloat("DRIVEBERRY_DRIVE_QPS", 8),
		CoalesceWindow:   envDuration("DRIVEBERRY_COALESCE_WINDOW", 2*time.Second),
	}

	// The auth artifacts default to their fixed names in the working
	// directory.
	if cfg.ClientSecretPath == "" {
		cfg.ClientSecretPath = filepath.Join(cfg.WorkDir, "client_secret.json")
	}
	if cfg.CredentialsDir == "" {
		cfg.CredentialsDir = filepath.Join(cfg.WorkDir, "google_drive_credentials")
	}

	if cfg.SyncRoot == "" {
		return nil, fmt.Errorf("DRIVEBERRY_SYNC_ROOT is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("DRIVEBERRY_WORK_DIR is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
