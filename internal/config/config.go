// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables (.env
// file) and environment variables directly. There is no settings database in
// this deployment: venue credentials live in the SQLite datastore (read through
// internal/credentials), not in process configuration.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string // path to the SQLite database file
	Port         int    // HTTP server port
	LogLevel     string // log level (debug, info, warn, error)
	DevMode      bool   // development mode flag

	MLServiceURL string // ML validation service base URL

	// WebhookSecret is the legacy master secret. LegacySecretActive reports
	// whether it is set together with DevMode; webhook authentication does
	// not consult either, so requests authenticate by per-user secret only.
	WebhookSecret string

	// Archival (C12) is optional: if Bucket is empty, archival is disabled
	// rather than failing startup.
	Archival ArchivalConfig
}

// ArchivalConfig configures the optional S3-compatible audit archival job.
type ArchivalConfig struct {
	Bucket string
	Region string
}

// Enabled reports whether archival configuration is complete enough to run.
func (a ArchivalConfig) Enabled() bool {
	return a.Bucket != "" && a.Region != ""
}

// Load reads configuration from environment variables.
//
// dbPathOverride, if non-empty, overrides DATABASE_PATH (mirrors the CLI
// flag override convention used elsewhere in this codebase).
func Load(dbPathOverride ...string) (*Config, error) {
	loadDotEnv()

	dbPath := getEnv("DATABASE_PATH", "./data/sentinel.db")
	if len(dbPathOverride) > 0 && dbPathOverride[0] != "" {
		dbPath = dbPathOverride[0]
	}

	absDBPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	cfg := &Config{
		DatabasePath:  absDBPath,
		Port:          getEnvAsInt("PORT", 8080),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		MLServiceURL:  getEnv("ML_SERVICE_URL", "http://localhost:9100"),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		Archival: ArchivalConfig{
			Bucket: getEnv("AWS_S3_BUCKET", ""),
			Region: getEnv("AWS_REGION", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing failures deep in a component.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.WebhookSecret != "" && !c.DevMode {
		// Not an error: the fallback simply stays inert outside dev mode.
		// See Open Questions in DESIGN.md for the reasoning.
		_ = c.WebhookSecret
	}
	return nil
}

// LegacySecretActive reports whether WEBHOOK_SECRET is set and DevMode is on.
// Nothing in the gateway calls it: the dispatcher's authentication accepts
// per-user secrets only and has no master-secret fallback.
func (c *Config) LegacySecretActive() bool {
	return c.WebhookSecret != "" && c.DevMode
}

// ==========================================
// Helper Functions
// ==========================================

// loadDotEnv loads a .env file if present; its absence is not an error.
func loadDotEnv() {
	_ = godotenv.Load()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
