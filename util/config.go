package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "courier"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string
		HttpPort     int    `yaml:"httpPort"`
		Domain       string `yaml:"domain"`
		DatabasePath string `yaml:"databasePath"`
		LogLevel     string `yaml:"logLevel"`
		LogJSON      bool   `yaml:"logJSON"`
	}
	Http     HttpConfig     `yaml:"http"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Actors   struct {
		CacheTTL     time.Duration `yaml:"cacheTTL"`
		FetchTimeout time.Duration `yaml:"fetchTimeout"`
	} `yaml:"actors"`
	Keys struct {
		Bits int `yaml:"bits"`
	} `yaml:"keys"`
	Health    HealthConfig      `yaml:"health"`
	Blocklist map[string]string `yaml:"blocklist"`
}

// HttpConfig holds the per client IP request limits. Inbox limits apply to
// the write endpoints on top of the global one.
type HttpConfig struct {
	RateLimit      float64 `yaml:"rateLimit"`
	RateBurst      int     `yaml:"rateBurst"`
	InboxRateLimit float64 `yaml:"inboxRateLimit"`
	InboxRateBurst int     `yaml:"inboxRateBurst"`
	MaxBodyBytes   int64   `yaml:"maxBodyBytes"`
}

type DeliveryConfig struct {
	BatchSize          int           `yaml:"batchSize"`
	FailureThreshold   float64       `yaml:"failureThreshold"`
	RetryBaseDelay     time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay      time.Duration `yaml:"retryMaxDelay"`
	Concurrency        int           `yaml:"concurrency"`
	BatchConcurrency   int           `yaml:"batchConcurrency"`
	ChunkPause         time.Duration `yaml:"chunkPause"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
	PassLimit          int           `yaml:"passLimit"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	Partitions         int           `yaml:"partitions"`
	ClaimTimeout       time.Duration `yaml:"claimTimeout"`
	MaxResolveAttempts int           `yaml:"maxResolveAttempts"`
	UseSharedInbox     bool          `yaml:"useSharedInbox"`
	PoolSize           int           `yaml:"poolSize"`
	PoolQueue          int           `yaml:"poolQueue"`
}

type HealthConfig struct {
	Window             time.Duration `yaml:"window"`
	DegradedErrorRate  float64       `yaml:"degradedErrorRate"`
	UnhealthyErrorRate float64       `yaml:"unhealthyErrorRate"`
	MaxQueueDepth      int           `yaml:"maxQueueDepth"`
	MetricsRetention   time.Duration `yaml:"metricsRetention"`
}

// DefaultConf returns the embedded defaults.
func DefaultConf() (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	return c, nil
}

// ReadConf loads config.yaml over the embedded defaults. The root logger
// depends on the result, so callers pass a bootstrap logger; nil is silent.
func ReadConf(logger *zap.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("config")

	// Defaults first so a partial config file only overrides what it names
	c, err := DefaultConf()
	if err != nil {
		return nil, err
	}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		logger.Info("config file not found, using embedded defaults", zap.String("path", configPath))
		buf = embeddedConfig

		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0o644); writeErr != nil {
				logger.Warn("could not write default config", zap.String("path", userConfigPath), zap.Error(writeErr))
			} else {
				logger.Info("created default config file", zap.String("path", userConfigPath))
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("COURIER_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("COURIER_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COURIER_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("COURIER_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("COURIER_DATABASE"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v := os.Getenv("COURIER_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if os.Getenv("COURIER_LOG_JSON") == "true" {
		c.Conf.LogJSON = true
	}
	if v := os.Getenv("COURIER_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COURIER_BATCH_SIZE: %w", err)
		}
		c.Delivery.BatchSize = n
	}
	if v := os.Getenv("COURIER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COURIER_CONCURRENCY: %w", err)
		}
		c.Delivery.Concurrency = n
	}
	if v := os.Getenv("COURIER_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COURIER_REQUEST_TIMEOUT: %w", err)
		}
		c.Delivery.RequestTimeout = d
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *AppConfig) Validate() error {
	d := c.Delivery
	switch {
	case c.Conf.Domain == "":
		return fmt.Errorf("config: conf.domain must be set")
	case d.BatchSize < 1:
		return fmt.Errorf("config: delivery.batchSize must be >= 1, got %d", d.BatchSize)
	case d.FailureThreshold <= 0 || d.FailureThreshold > 1:
		return fmt.Errorf("config: delivery.failureThreshold must be in (0,1], got %v", d.FailureThreshold)
	case d.RetryBaseDelay <= 0:
		return fmt.Errorf("config: delivery.retryBaseDelay must be positive")
	case d.RetryMaxDelay < d.RetryBaseDelay:
		return fmt.Errorf("config: delivery.retryMaxDelay (%s) is below retryBaseDelay (%s)", d.RetryMaxDelay, d.RetryBaseDelay)
	case d.Concurrency < 1:
		return fmt.Errorf("config: delivery.concurrency must be >= 1, got %d", d.Concurrency)
	case d.BatchConcurrency < 1:
		return fmt.Errorf("config: delivery.batchConcurrency must be >= 1, got %d", d.BatchConcurrency)
	case d.RequestTimeout <= 0:
		return fmt.Errorf("config: delivery.requestTimeout must be positive")
	case d.Partitions < 1:
		return fmt.Errorf("config: delivery.partitions must be >= 1, got %d", d.Partitions)
	case d.PassLimit < 1:
		return fmt.Errorf("config: delivery.passLimit must be >= 1, got %d", d.PassLimit)
	case d.PollInterval <= 0:
		return fmt.Errorf("config: delivery.pollInterval must be positive")
	case d.ClaimTimeout <= d.RequestTimeout:
		return fmt.Errorf("config: delivery.claimTimeout (%s) must exceed requestTimeout (%s)", d.ClaimTimeout, d.RequestTimeout)
	case d.MaxResolveAttempts < 1:
		return fmt.Errorf("config: delivery.maxResolveAttempts must be >= 1, got %d", d.MaxResolveAttempts)
	case d.PoolSize < 1:
		return fmt.Errorf("config: delivery.poolSize must be >= 1, got %d", d.PoolSize)
	case d.PoolQueue < 0:
		return fmt.Errorf("config: delivery.poolQueue must not be negative")
	case c.Actors.CacheTTL <= 0:
		return fmt.Errorf("config: actors.cacheTTL must be positive")
	case c.Actors.FetchTimeout <= 0:
		return fmt.Errorf("config: actors.fetchTimeout must be positive")
	case c.Http.RateLimit <= 0 || c.Http.InboxRateLimit <= 0:
		return fmt.Errorf("config: http rate limits must be positive")
	case c.Http.RateBurst < 1 || c.Http.InboxRateBurst < 1:
		return fmt.Errorf("config: http rate bursts must be >= 1")
	case c.Http.MaxBodyBytes < 1:
		return fmt.Errorf("config: http.maxBodyBytes must be positive")
	case c.Health.Window <= 0:
		return fmt.Errorf("config: health.window must be positive")
	case c.Keys.Bits < 1024:
		return fmt.Errorf("config: keys.bits must be >= 1024, got %d", c.Keys.Bits)
	}
	for host, status := range c.Blocklist {
		if status != "blocked" && status != "allowed" {
			return fmt.Errorf("config: blocklist entry %s has status %q, want blocked or allowed", host, status)
		}
	}
	return nil
}

// BaseURL is the https origin of this instance.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.Domain)
}
