// Package config layers flag, environment, config-file, and default
// values through viper: AutomaticEnv plus explicit SetDefault calls,
// with the config file discovered by walking up from the working
// directory first.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved set of tunables marketsync's components read
// at startup. The recognized env vars map 1:1 onto the first group of
// fields; the rest are MS_-prefixed additional tunables.
type Config struct {
	DBURL              string
	QueueURL           string
	LogLevel           string
	ConcurrentRequests int
	DownloadDelayMS    int
	RobotsRespect      bool
	DataDir            string
	ImageDir           string

	// MS_-prefixed tunables: retry policy, rate limits, queue marks.
	RetryBaseDelayMS   int
	RetryFactor        float64
	RetryMaxDelayMS    int
	RetryMaxAttempts   int
	QueueHighWaterMark int
	QueueLowWaterMark  int
	LeaseTTLSeconds    int
	SchedulerLeaseName string
	CheckpointRetainDays int
	AnthropicAPIKey    string
}

var v *viper.Viper

// Load builds the viper singleton and returns the resolved Config.
// Precedence, highest first: explicit flag overrides the caller applies
// after Load returns, then environment variables, then a discovered
// config file, then the defaults set below.
func Load() (*Config, error) {
	v = viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")

	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".marketsync", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(configDir, "marketsync", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Recognized env vars bind without a prefix.
	for _, key := range []string{"db_url", "queue_url", "log_level", "concurrent_requests", "download_delay_ms", "robots_respect", "data_dir", "image_dir"} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
	// Additional tunables use the MS_ prefix so they can't collide with
	// unrelated host environment variables.
	for key, env := range map[string]string{
		"retry.base_delay_ms":    "MS_RETRY_BASE_DELAY_MS",
		"retry.factor":           "MS_RETRY_FACTOR",
		"retry.max_delay_ms":     "MS_RETRY_MAX_DELAY_MS",
		"retry.max_attempts":     "MS_RETRY_MAX_ATTEMPTS",
		"queue.high_water_mark":  "MS_QUEUE_HIGH_WATER_MARK",
		"queue.low_water_mark":   "MS_QUEUE_LOW_WATER_MARK",
		"queue.lease_ttl_seconds": "MS_LEASE_TTL_SECONDS",
		"scheduler.lease_name":   "MS_SCHEDULER_LEASE_NAME",
		"checkpoint.retain_days": "MS_CHECKPOINT_RETAIN_DAYS",
		"anthropic.api_key":      "MS_ANTHROPIC_API_KEY",
	} {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("db_url", "sqlite://./marketsync.db")
	v.SetDefault("queue_url", "sqlite://./marketsync.db")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("concurrent_requests", 8)
	v.SetDefault("download_delay_ms", 500)
	v.SetDefault("robots_respect", true)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("image_dir", "./data/images")

	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay_ms", 5*60*1000)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("queue.high_water_mark", 10000)
	v.SetDefault("queue.low_water_mark", 2000)
	v.SetDefault("queue.lease_ttl_seconds", 90)
	v.SetDefault("scheduler.lease_name", "marketsync-scheduler")
	v.SetDefault("checkpoint.retain_days", 7)
	v.SetDefault("anthropic.api_key", "")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		DBURL:                v.GetString("db_url"),
		QueueURL:             v.GetString("queue_url"),
		LogLevel:             v.GetString("log_level"),
		ConcurrentRequests:   v.GetInt("concurrent_requests"),
		DownloadDelayMS:      v.GetInt("download_delay_ms"),
		RobotsRespect:        v.GetBool("robots_respect"),
		DataDir:              v.GetString("data_dir"),
		ImageDir:             v.GetString("image_dir"),
		RetryBaseDelayMS:     v.GetInt("retry.base_delay_ms"),
		RetryFactor:          v.GetFloat64("retry.factor"),
		RetryMaxDelayMS:      v.GetInt("retry.max_delay_ms"),
		RetryMaxAttempts:     v.GetInt("retry.max_attempts"),
		QueueHighWaterMark:   v.GetInt("queue.high_water_mark"),
		QueueLowWaterMark:    v.GetInt("queue.low_water_mark"),
		LeaseTTLSeconds:      v.GetInt("queue.lease_ttl_seconds"),
		SchedulerLeaseName:   v.GetString("scheduler.lease_name"),
		CheckpointRetainDays: v.GetInt("checkpoint.retain_days"),
		AnthropicAPIKey:      v.GetString("anthropic.api_key"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent_requests must be positive, got %d", c.ConcurrentRequests)
	}
	if c.DownloadDelayMS < 0 {
		return fmt.Errorf("download_delay_ms must be non-negative, got %d", c.DownloadDelayMS)
	}
	if c.QueueHighWaterMark <= c.QueueLowWaterMark {
		return fmt.Errorf("queue.high_water_mark (%d) must exceed queue.low_water_mark (%d)", c.QueueHighWaterMark, c.QueueLowWaterMark)
	}
	return nil
}

// LeaseTTL is LeaseTTLSeconds as a time.Duration, for callers that pass
// it straight into a context deadline or ticker.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// Source reports where key's effective value came from (env var beats
// config file beats default; flag overrides are tracked by the caller
// since viper does not see cobra flags directly).
type Source string

const (
	SourceDefault    Source = "default"
	SourceConfigFile Source = "config_file"
	SourceEnvVar     Source = "env_var"
)

func SourceOf(key string) Source {
	if v == nil {
		return SourceDefault
	}
	envKey := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if os.Getenv(envKey) != "" || os.Getenv("MS_"+envKey) != "" {
		return SourceEnvVar
	}
	if v.InConfig(key) {
		return SourceConfigFile
	}
	return SourceDefault
}
