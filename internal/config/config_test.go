package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_PATH", "PORT", "LOG_LEVEL", "DEV_MODE",
		"ML_SERVICE_URL", "WEBHOOK_SECRET", "AWS_S3_BUCKET", "AWS_REGION",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultsWhenNoEnvSet(t *testing.T) {
	clearEnv(t)
	dbPath := filepath.Join(t.TempDir(), "sentinel.db")

	cfg, err := Load(dbPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, "http://localhost:9100", cfg.MLServiceURL)
	assert.Empty(t, cfg.WebhookSecret)
	assert.False(t, cfg.Archival.Enabled())
}

func TestLoad_DatabasePathOverrideTakesPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "env.db"))
	override := filepath.Join(t.TempDir(), "override.db")

	cfg, err := Load(override)
	require.NoError(t, err)

	absOverride, err := filepath.Abs(override)
	require.NoError(t, err)
	assert.Equal(t, absOverride, cfg.DatabasePath)
}

func TestLoad_DatabasePathResolvedToAbsolute(t *testing.T) {
	clearEnv(t)
	rel := filepath.Join(t.TempDir(), "rel.db")

	cfg, err := Load(rel)
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.DatabasePath))
}

func TestLoad_PortFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")

	cfg, err := Load(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
}

func TestLoad_PortInvalidStringFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_LogLevelAndDevModeFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.DevMode)
}

func TestLoad_MLServiceURLFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ML_SERVICE_URL", "http://ml.internal:9100")

	cfg, err := Load(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	assert.Equal(t, "http://ml.internal:9100", cfg.MLServiceURL)
}

func TestLoad_ArchivalConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AWS_S3_BUCKET", "audit-bucket")
	t.Setenv("AWS_REGION", "us-east-1")

	cfg, err := Load(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	assert.True(t, cfg.Archival.Enabled())
	assert.Equal(t, "audit-bucket", cfg.Archival.Bucket)
	assert.Equal(t, "us-east-1", cfg.Archival.Region)
}

func TestArchivalConfig_Enabled_RequiresBothBucketAndRegion(t *testing.T) {
	tests := []struct {
		name   string
		bucket string
		region string
		want   bool
	}{
		{"both set", "b", "r", true},
		{"bucket only", "b", "", false},
		{"region only", "", "r", false},
		{"neither set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ArchivalConfig{Bucket: tt.bucket, Region: tt.region}
			assert.Equal(t, tt.want, a.Enabled())
		})
	}
}

func TestConfig_Validate_RejectsOutOfRangePort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"zero", 0, true},
		{"negative", -1, true},
		{"too large", 70000, true},
		{"valid", 8080, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Port: tt.port}
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_LegacySecretActive_RequiresSecretAndDevMode(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		devMode bool
		want    bool
	}{
		{"secret set and dev mode", "sek", true, true},
		{"secret set but not dev mode", "sek", false, false},
		{"dev mode but no secret", "", true, false},
		{"neither", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{WebhookSecret: tt.secret, DevMode: tt.devMode}
			assert.Equal(t, tt.want, c.LegacySecretActive())
		})
	}
}
