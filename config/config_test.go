package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "roadmap", cfg.Storage.Namespace)
	assert.Equal(t, ".roadmap", cfg.File.Dir)
	assert.Equal(t, "UTC", cfg.App.Location.String())
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Empty(t, cfg.HTTP.APIKeys)
	assert.Equal(t, "day", cfg.Analytics.Granularity)
	assert.True(t, cfg.IsDevelopment())
	assert.True(t, cfg.Features.IsEnabled(FeatureSync, ""))
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_TIMEZONE", "Asia/Almaty")
	t.Setenv("STORAGE_BACKEND", "Redis")
	t.Setenv("STORAGE_ENCRYPT", "true")
	t.Setenv("STORAGE_SECRET", "0123456789abcdef")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("HTTP_API_KEYS", " one, ,two ")
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("ANALYTICS_CACHE_TTL", "5s")
	t.Setenv("FEATURE_API_IMPORT", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "Asia/Almaty", cfg.App.Location.String())
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.True(t, cfg.Storage.Encrypt)
	assert.Equal(t, []string{"one", "two"}, cfg.HTTP.APIKeys)
	assert.Equal(t, 8080, cfg.HTTP.Port, "unparsable values keep the default")
	assert.Equal(t, "5s", cfg.Analytics.CacheTTL.String())
	assert.False(t, cfg.Features.IsEnabled(FeatureImport, "alice"))
}

func TestLoad_InvalidTimezone(t *testing.T) {
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")
	_, err := Load()
	assert.ErrorContains(t, err, "APP_TIMEZONE")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("STORAGE_ENCRYPT", "true")
	t.Setenv("STORAGE_SECRET", "short")
	t.Setenv("ANALYTICS_GRANULARITY", "year")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	for _, want := range []string{
		"DATABASE_URL is required",
		"STORAGE_SECRET must be at least 16 bytes",
		"ANALYTICS_GRANULARITY",
		"LOG_FORMAT",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Storage.Backend = "dynamo"
	assert.ErrorContains(t, cfg.Validate(), `STORAGE_BACKEND "dynamo"`)
}

func TestDatabaseURLFromComponents(t *testing.T) {
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_SSLMODE", "disable")

	assert.Equal(t, "postgres://app:pw@db:5432/postgres?sslmode=disable", loadDatabaseConfig().URL)
}

func TestFeatureFlags_Rollout(t *testing.T) {
	ff := NewFeatureFlags()
	require.NoError(t, ff.SetRolloutPercent(FeatureWebSocket, 50))

	on := 0
	for i := 0; i < 1000; i++ {
		user := "user-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if ff.IsEnabled(FeatureWebSocket, user) {
			on++
		}
		assert.Equal(t, ff.IsEnabled(FeatureWebSocket, user), ff.IsEnabled(FeatureWebSocket, user), "stable bucket")
	}
	assert.InDelta(t, 500, on, 100)
	assert.True(t, ff.IsEnabled(FeatureWebSocket, ""), "partial rollout counts as on process-wide")

	require.NoError(t, ff.DisableFeature(FeatureWebSocket))
	assert.False(t, ff.IsEnabled(FeatureWebSocket, "alice"))
	assert.False(t, ff.IsEnabled(FeatureWebSocket, ""))
}

func TestFeatureFlags_Overrides(t *testing.T) {
	ff := NewFeatureFlags()
	require.NoError(t, ff.DisableFeature(FeatureImport))
	ff.SetUserOverride("alice", FeatureImport, true)

	assert.True(t, ff.IsEnabled(FeatureImport, "alice"))
	assert.False(t, ff.IsEnabled(FeatureImport, "bob"))

	ff.ClearUserOverrides("alice")
	assert.False(t, ff.IsEnabled(FeatureImport, "alice"))

	assert.False(t, ff.IsEnabled("no.such.feature", "alice"))
	var nilFlags *FeatureFlags
	assert.True(t, nilFlags.IsEnabled(FeatureImport, "alice"))
}

func TestFeatureFlags_Environment(t *testing.T) {
	env := map[string]string{
		"FEATURE_API_WEBSOCKET":    "false",
		"FEATURE_STORAGE_SYNC":     "0",
		"FEATURE_EXPORT_ANALYTICS": "100",
		"FEATURE_API_IMPORT":       "maybe",
	}
	ff := NewFeatureFlags()
	ff.loadFromEnvironment(func(k string) string { return env[k] })

	assert.False(t, ff.IsEnabled(FeatureWebSocket, "alice"))
	assert.False(t, ff.IsEnabled(FeatureSync, ""))
	assert.True(t, ff.IsEnabled(FeatureExportStats, "alice"))
	assert.True(t, ff.IsEnabled(FeatureImport, "alice"), "unparsable values are ignored")

	assert.Equal(t, "FEATURE_PROGRESS_AUTO_UNLOCK", featureNameToEnvKey(FeatureAutoUnlock))
	assert.Len(t, ff.Names(), 5)

	var ffErr *FeatureFlagError
	require.ErrorAs(t, ff.SetRolloutPercent(FeatureImport, 101), &ffErr)
	assert.Equal(t, FeatureImport, ffErr.Feature)
}
