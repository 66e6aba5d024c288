package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func writeTestConfig(t *testing.T, content string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(ConfigFileName, []byte(content), 0644))
	t.Cleanup(func() { os.Remove(ConfigFileName) })
}

func TestConfigConstants(t *testing.T) {
	assert.Equal(t, "courier", Name)
	assert.Equal(t, "config.yaml", ConfigFileName)
}

func TestDefaultConf(t *testing.T) {
	conf, err := DefaultConf()
	require.NoError(t, err)
	require.NoError(t, conf.Validate())

	assert.Equal(t, 100, conf.Delivery.BatchSize)
	assert.Equal(t, 0.5, conf.Delivery.FailureThreshold)
	assert.Equal(t, 30*time.Second, conf.Delivery.RetryBaseDelay)
	assert.Equal(t, time.Hour, conf.Delivery.RetryMaxDelay)
	assert.Equal(t, 5, conf.Delivery.Concurrency)
	assert.Equal(t, 2, conf.Delivery.BatchConcurrency)
	assert.Equal(t, 30*time.Second, conf.Delivery.RequestTimeout)
	assert.Equal(t, 24*time.Hour, conf.Actors.CacheTTL)
	assert.True(t, conf.Delivery.UseSharedInbox)
	assert.Equal(t, 10.0, conf.Http.RateLimit)
	assert.Equal(t, 5.0, conf.Http.InboxRateLimit)
}

func TestReadConfWritesDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	t.Chdir(t.TempDir())
	core, logs := observer.New(zapcore.InfoLevel)

	conf, err := ReadConf(zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 100, conf.Delivery.BatchSize)

	assert.FileExists(t, filepath.Join(home, ConfigFileName))
	assert.Equal(t, 1, logs.FilterMessage("config file not found, using embedded defaults").Len())
	created := logs.FilterMessage("created default config file").All()
	require.Len(t, created, 1)
	assert.Equal(t, "config", created[0].LoggerName)
}

func TestReadConfWithYaml(t *testing.T) {
	writeTestConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 8443
  domain: courier.example
delivery:
  batchSize: 25
  retryMaxDelay: 2h
blocklist:
  spam.example: blocked
  ok.spam.example: allowed
`)

	conf, err := ReadConf(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", conf.Conf.Host)
	assert.Equal(t, 8443, conf.Conf.HttpPort)
	assert.Equal(t, "courier.example", conf.Conf.Domain)
	assert.Equal(t, 25, conf.Delivery.BatchSize)
	assert.Equal(t, 2*time.Hour, conf.Delivery.RetryMaxDelay)
	// Values the file does not name keep their defaults
	assert.Equal(t, 5, conf.Delivery.Concurrency)
	assert.Equal(t, "blocked", conf.Blocklist["spam.example"])
	assert.Equal(t, "https://courier.example", conf.BaseURL())
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	writeTestConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  domain: courier.example
`)
	t.Setenv("COURIER_HOST", "192.168.1.1")
	t.Setenv("COURIER_HTTPPORT", "8080")
	t.Setenv("COURIER_DOMAIN", "env.example")
	t.Setenv("COURIER_BATCH_SIZE", "10")
	t.Setenv("COURIER_REQUEST_TIMEOUT", "5s")

	conf, err := ReadConf(nil)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", conf.Conf.Host)
	assert.Equal(t, 8080, conf.Conf.HttpPort)
	assert.Equal(t, "env.example", conf.Conf.Domain)
	assert.Equal(t, 10, conf.Delivery.BatchSize)
	assert.Equal(t, 5*time.Second, conf.Delivery.RequestTimeout)
}

func TestReadConfInvalidPortEnv(t *testing.T) {
	writeTestConfig(t, "conf:\n  domain: courier.example\n")
	t.Setenv("COURIER_HTTPPORT", "not_a_number")

	_, err := ReadConf(nil)
	assert.Error(t, err)
}

func TestReadConfInvalidYaml(t *testing.T) {
	writeTestConfig(t, `
conf:
  httpPort: not_a_number
  invalid yaml structure
`)

	_, err := ReadConf(nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{"empty domain", func(c *AppConfig) { c.Conf.Domain = "" }},
		{"zero batch size", func(c *AppConfig) { c.Delivery.BatchSize = 0 }},
		{"threshold above one", func(c *AppConfig) { c.Delivery.FailureThreshold = 1.5 }},
		{"threshold zero", func(c *AppConfig) { c.Delivery.FailureThreshold = 0 }},
		{"cap below base", func(c *AppConfig) { c.Delivery.RetryMaxDelay = time.Second }},
		{"no concurrency", func(c *AppConfig) { c.Delivery.Concurrency = 0 }},
		{"no batch concurrency", func(c *AppConfig) { c.Delivery.BatchConcurrency = 0 }},
		{"no partitions", func(c *AppConfig) { c.Delivery.Partitions = 0 }},
		{"weak keys", func(c *AppConfig) { c.Keys.Bits = 512 }},
		{"zero poll interval", func(c *AppConfig) { c.Delivery.PollInterval = 0 }},
		{"zero claim timeout", func(c *AppConfig) { c.Delivery.ClaimTimeout = 0 }},
		{"claim timeout below request timeout", func(c *AppConfig) { c.Delivery.ClaimTimeout = c.Delivery.RequestTimeout }},
		{"zero resolve attempts", func(c *AppConfig) { c.Delivery.MaxResolveAttempts = 0 }},
		{"zero pool size", func(c *AppConfig) { c.Delivery.PoolSize = 0 }},
		{"zero cache ttl", func(c *AppConfig) { c.Actors.CacheTTL = 0 }},
		{"zero fetch timeout", func(c *AppConfig) { c.Actors.FetchTimeout = 0 }},
		{"zero rate limit", func(c *AppConfig) { c.Http.RateLimit = 0 }},
		{"zero inbox burst", func(c *AppConfig) { c.Http.InboxRateBurst = 0 }},
		{"zero body limit", func(c *AppConfig) { c.Http.MaxBodyBytes = 0 }},
		{"zero health window", func(c *AppConfig) { c.Health.Window = 0 }},
		{"bad blocklist status", func(c *AppConfig) { c.Blocklist = map[string]string{"x.example": "maybe"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf, err := DefaultConf()
			require.NoError(t, err)
			tt.mutate(conf)
			assert.Error(t, conf.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	conf, err := DefaultConf()
	require.NoError(t, err)

	logger, err := NewLogger(conf)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	conf.Conf.LogJSON = true
	logger, err = NewLogger(conf)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	conf.Conf.LogLevel = "loud"
	_, err = NewLogger(conf)
	assert.Error(t, err)
}
