package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("BUBBLE_URL", "https://example.test/api/1.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "bubble", cfg.Registry.Backend)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Aggregation.Interval)
	assert.Equal(t, 700, cfg.Reconcile.DefaultCeiling)
	assert.Equal(t, 20*time.Second, cfg.OCR.Timeout)
	assert.Equal(t, 60*time.Second, cfg.QuickCount.RateWindow)
	assert.Equal(t, "direct", cfg.Ingest.Mode)
	assert.Equal(t, time.Minute, cfg.Ingest.ClaimIdle)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("REGISTRY_BACKEND", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("AGGREGATION_INTERVAL", "90s")
	t.Setenv("VOTE_CEILING", "300")
	t.Setenv("INGEST_MODE", "stream")
	t.Setenv("INGEST_CLAIM_IDLE", "45s")
	t.Setenv("WA_GATEWAYS", "1:6281100000001,2:6281100000002,x:bad")
	t.Setenv("QUICKCOUNT_IP_WHITELIST", "10.0.0.1,10.0.0.2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Registry.Backend)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 90*time.Second, cfg.Aggregation.Interval)
	assert.Equal(t, 300, cfg.Reconcile.DefaultCeiling)
	assert.Equal(t, "stream", cfg.Ingest.Mode)
	assert.Equal(t, 45*time.Second, cfg.Ingest.ClaimIdle)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.QuickCount.IPWhitelist)
	assert.Equal(t, map[int]string{1: "6281100000001", 2: "6281100000002"}, cfg.WhatsAppSenders())
}

func TestLoad_Validation(t *testing.T) {
	t.Run("bubble without url", func(t *testing.T) {
		t.Setenv("REGISTRY_BACKEND", "bubble")
		t.Setenv("BUBBLE_URL", "")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BUBBLE_URL")
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("REGISTRY_BACKEND", "sheets")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("unknown ingest mode", func(t *testing.T) {
		t.Setenv("REGISTRY_BACKEND", "postgres")
		t.Setenv("INGEST_MODE", "kafka")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=disable", c.GetDSN())
}

func TestGatewayLocation(t *testing.T) {
	cfg := &Config{}
	cfg.Reconcile.GatewayTZOffsetHours = 7

	ts := time.Date(2024, 2, 14, 13, 0, 0, 0, cfg.GatewayLocation())
	assert.Equal(t, 6, ts.UTC().Hour())
}
