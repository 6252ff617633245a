package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
environment: development
providers:
  symbols: [AAPL, MSFT]
`

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8090, c.Server.Port)
	assert.Equal(t, 10*time.Second, c.Server.ShutdownTimeout.Std())
	assert.Equal(t, "parquet", c.Storage.Backend)
	assert.Equal(t, "db/metadata.sqlite", c.Storage.IndexPath)
	assert.Equal(t, 6*time.Hour, c.Storage.Retention.SweepInterval.Std())
	assert.Equal(t, 730*24*time.Hour, c.Storage.Retention.Bars.Std())
	assert.Equal(t, 7*24*time.Hour, c.Storage.Retention.TickBars.Std())
	assert.Equal(t, "records", c.Kafka.Topic)
	assert.Equal(t, "records.replay", c.Kafka.ReplayTopic)
	assert.Equal(t, 256, c.Hub.SubscriberBuffer)
	assert.Equal(t, float64(60), c.Providers.Finnhub.Rate.Capacity)
	assert.InDelta(t, 10.0/60, c.Providers.Edgar.Rate.RefillPerSec, 1e-9)
}

func TestLoadDurationStrings(t *testing.T) {
	c, err := Load(writeConfig(t, `
environment: production
server: {port: 9000, read_timeout: 5s}
storage:
  retention: {sweep_interval: 1h, bars: 48h}
cache: {ttl: 90s}
providers:
  symbols: [TSLA]
  finnhub: {enabled: true, ping_interval: 15s}
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, c.Server.ReadTimeout.Std())
	assert.Equal(t, time.Hour, c.Storage.Retention.SweepInterval.Std())
	assert.Equal(t, 48*time.Hour, c.Storage.Retention.Bars.Std())
	assert.Equal(t, 90*time.Second, c.Cache.TTL.Std())
	assert.Equal(t, 15*time.Second, c.Providers.Finnhub.PingInterval.Std())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment: development
server: {read_timeout: soon}
providers:
  symbols: [AAPL]
`))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty symbols", "environment: development\n"},
		{"bad environment", "environment: prod\nproviders: {symbols: [AAPL]}\n"},
		{"bad backend", "environment: development\nstorage: {backend: postgres}\nproviders: {symbols: [AAPL]}\n"},
		{"clickhouse without host", "environment: development\nstorage: {backend: clickhouse}\nproviders: {symbols: [AAPL]}\n"},
		{"kafka without brokers", "environment: development\nkafka: {enabled: true}\nproviders: {symbols: [AAPL]}\n"},
		{"edgar without user agent", "environment: development\nproviders: {symbols: [AAPL], edgar: {enabled: true}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("VAULT_PASSPHRASE", "hunter2")
	t.Setenv("FINNHUB_API_KEY", "tok")
	t.Setenv("SYMBOLS", "NVDA, AMD")
	t.Setenv("STORAGE_BACKEND", "parquet")
	t.Setenv("PORT", "8181")

	c, err := LoadWithEnv(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "hunter2", c.Vault.Passphrase)
	assert.Equal(t, "tok", c.Providers.Finnhub.APIKey)
	assert.Equal(t, []string{"NVDA", "AMD"}, c.Providers.Symbols)
	assert.Equal(t, 8181, c.Server.Port)
}
