package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "REDIS_TTL", "JOURNAL_PATH", "CORS_ORIGINS", "MATCH_DEPTH",
	"TRADE_RATE_LIMIT", "TRADE_RATE_BURST",
	"AGENT_ENABLED", "AGENT_INTERVAL", "AGENT_STEP_DELAY", "AGENT_MAX_STEPS", "AGENT_COUNT",
	"AGENT_BUDGET", "AGENT_COOLDOWN_MIN", "AGENT_COOLDOWN_MAX", "AGENT_ORDER_TTL",
}

// clearEnv unsets every variable Load reads and restores them after t.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeEnv(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Engine.MatchDepth)
	assert.Equal(t, 5*time.Minute, cfg.Agent.CooldownMin)
	assert.Equal(t, 10, cfg.Server.TradeRateLimit)
	assert.Equal(t, 10, cfg.Server.TradeRateBurst)
}

func TestTradeRateLimitZeroDisables(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRADE_RATE_LIMIT", "0")
	t.Setenv("TRADE_RATE_BURST", "0")
	cfg, err := Load(writeEnv(t, ""))
	require.NoError(t, err)
	assert.Zero(t, cfg.Server.TradeRateLimit)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MATCH_DEPTH", "10")
	t.Setenv("AGENT_ENABLED", "true")
	t.Setenv("AGENT_INTERVAL", "2s")
	t.Setenv("AGENT_BUDGET", "2500.50")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, https://app.example.com,")

	cfg, err := Load(writeEnv(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Engine.MatchDepth)
	assert.True(t, cfg.Agent.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Agent.Interval)
	assert.Equal(t, "2500.5", cfg.Agent.Budget.String())
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.Server.CORSOrigins)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	path := writeEnv(t, "PORT=6000\nREDIS_URL=redis://localhost:6379/0\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Server.RedisURL)
}

func TestMalformedValues(t *testing.T) {
	cases := map[string]string{
		"MATCH_DEPTH":        "deep",
		"AGENT_ENABLED":      "maybe",
		"AGENT_INTERVAL":     "5",
		"AGENT_BUDGET":       "lots",
		"AGENT_MAX_STEPS":    "0",
		"AGENT_COOLDOWN_MAX": "1m",
		"TRADE_RATE_LIMIT":   "-1",
		"TRADE_RATE_BURST":   "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			_, err := Load(writeEnv(t, ""))
			assert.Error(t, err)
		})
	}
}

func TestMissingEnvFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}
