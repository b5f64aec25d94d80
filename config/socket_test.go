package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtssf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Publisher.Tick(EndpointSports))
	assert.Equal(t, 2*time.Second, cfg.Publisher.Tick(EndpointRealtime))
	assert.Equal(t, 100*time.Millisecond, cfg.Publisher.Tick(EndpointHawkeye))
	assert.Equal(t, 64, cfg.Publisher.MaxSubscriptionsPerConnection)
	assert.Equal(t, 256*1024, cfg.Publisher.OutboundHighWatermarkBytes)
	assert.Equal(t, 15*time.Second, cfg.Publisher.AnalysisTTL())
	assert.Equal(t, time.Second, cfg.Client.ReconnectBase())
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Client.Heartbeat())
}

func TestLoadPartialTickMap(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
publisher:
  tickIntervalMs:
    hawkeye: 50
client:
  heartbeatInterval: 1000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 50*time.Millisecond, cfg.Publisher.Tick(EndpointHawkeye))
	assert.Equal(t, 30*time.Second, cfg.Publisher.Tick(EndpointSports))
	assert.Equal(t, time.Second, cfg.Client.Heartbeat())
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
}

func TestUnknownKeysDependOnStrict(t *testing.T) {
	lenient := writeFile(t, "client:\n  reconnectInterval: 500\n  colour: blue\n")
	cfg, err := Load(lenient)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Client.ReconnectInterval)

	strict := writeFile(t, "strict: true\nclient:\n  colour: blue\n")
	_, err = Load(strict)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Publisher.TickIntervalMs[EndpointTeam] = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Client.HeartbeatInterval = -1
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RTSSF_ADDR", ":7777")
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("UPSTREAM_BASE_URL", "https://feeds.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "redis.example.com:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "https://feeds.example.com", cfg.Upstream.BaseURL)
}

func TestEnvInvalidRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
