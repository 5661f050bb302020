// Package config loads the server's environment-driven configuration using
// github.com/vrischmann/envconfig, adapted from config/config.go. Unlike a
// package-level init()+global-vars pattern, Load returns an error instead
// of calling log.Fatal directly, so cmd/syncstored controls process exit
// and tests can exercise bad configs.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/vrischmann/envconfig"
)

// LogConfig controls logging, mirroring config.LogConfig.
type LogConfig struct {
	Level          string `envconfig:"default=info"`
	Mozlog         bool   `envconfig:"default=false"`
	DisableHTTP    bool   `envconfig:"default=false"`
	OnlyHTTPErrors bool   `envconfig:"default=false"`
}

// LimitConfig bounds request and batch sizes, available as LIMIT_* in the
// environment, mirroring UserHandlerConfig.
type LimitConfig struct {
	MaxRequestBytes       int `envconfig:"default=2097152"`
	MaxPOSTRecords        int `envconfig:"default=100"`
	MaxPOSTBytes          int `envconfig:"default=2097152"`
	MaxTotalRecords       int `envconfig:"default=1000"`
	MaxTotalBytes         int `envconfig:"default=20971520"`
	MaxBatchTTL           int `envconfig:"default=7200"`
	MaxRecordPayloadBytes int `envconfig:"default=2097152"`
}

// ShardConfig controls the storage backend's sharding, generalising the
// single-DataDir, one-file-per-user PoolConfig to several
// physical databases selected by user id modulo shard count.
type ShardConfig struct {
	DataDir      string `envconfig:"default=./data"`
	Count        int    `envconfig:"default=0"`
	MaxOpenConns int    `envconfig:"default=25"`
	CacheSize    int    `envconfig:"default=0"`
}

// QuotaConfig bounds how much a user may store. QuotaKB<=0 means unlimited.
type QuotaConfig struct {
	QuotaKB int64 `envconfig:"default=-1"`
}

// RateConfig bounds how many bytes a user may write per window.
// BudgetBytes<=0 means unlimited.
type RateConfig struct {
	BudgetBytes   int64 `envconfig:"default=-1"`
	WindowSeconds int   `envconfig:"default=86400"`
}

// EphemeralConfig names which collections are memory-resident instead of
// durable, and how large/long-lived that memory store is.
type EphemeralConfig struct {
	Collections []string `envconfig:"default=tabs"`
	MaxSizeMB   int      `envconfig:"default=64"`
	TTLSeconds  int      `envconfig:"default=3600"`
}

// Config is the full process configuration.
type Config struct {
	Log      LogConfig
	Hostname string `envconfig:"optional"`
	Host     string `envconfig:"default=0.0.0.0"`
	Port     int    `envconfig:"default=8000"`
	Secrets  []string

	Shard     ShardConfig
	Quota     QuotaConfig
	Rate      RateConfig
	Ephemeral EphemeralConfig
	Limit     LimitConfig

	InfoCacheSize int `envconfig:"default=32"`

	HawkTimestampMaxSkew int `envconfig:"default=60"`

	EnablePprof bool `envconfig:"default=false"`
}

// Load populates Config from the environment and validates it, returning
// an error describing the first invalid field found rather than exiting
// the process, so callers decide how to fail.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Init(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse environment")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Shard.Count <= 0 {
		cfg.Shard.Count = runtime.NumCPU()
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("config: PORT invalid")
	}

	if c.Shard.DataDir != ":memory:" {
		stat, err := os.Stat(c.Shard.DataDir)
		if err != nil {
			return errors.Wrap(err, "config: SHARD_DATA_DIR does not exist")
		}
		if !stat.IsDir() {
			return errors.New("config: SHARD_DATA_DIR is not a directory")
		}
		c.Shard.DataDir = filepath.Clean(c.Shard.DataDir)
	}

	switch c.Log.Level {
	case "panic", "fatal", "error", "warn", "info", "debug":
	default:
		return errors.New("config: LOG_LEVEL must be one of panic, fatal, error, warn, info, debug")
	}

	if c.Limit.MaxPOSTRecords < 1 {
		return errors.New("config: LIMIT_MAX_POST_RECORDS must be >= 1")
	}
	if c.Limit.MaxPOSTBytes < 1 {
		return errors.New("config: LIMIT_MAX_POST_BYTES must be >= 1")
	}
	if c.Limit.MaxTotalRecords < 1 {
		return errors.New("config: LIMIT_MAX_TOTAL_RECORDS must be >= 1")
	}
	if c.Limit.MaxTotalBytes < 1 {
		return errors.New("config: LIMIT_MAX_TOTAL_BYTES must be >= 1")
	}
	if c.Limit.MaxBatchTTL < 10 {
		return errors.New("config: LIMIT_MAX_BATCH_TTL must be >= 10")
	}
	if c.Limit.MaxRecordPayloadBytes < 1 {
		return errors.New("config: LIMIT_MAX_RECORD_PAYLOAD_BYTES must be >= 1")
	}

	if c.InfoCacheSize < 0 {
		return errors.New("config: INFO_CACHE_SIZE must be >= 0")
	}

	if c.Shard.MaxOpenConns < 1 {
		return errors.New("config: SHARD_MAX_OPEN_CONNS must be >= 1")
	}

	if c.Rate.WindowSeconds < 1 {
		return errors.New("config: RATE_WINDOW_SECONDS must be >= 1")
	}

	if c.Ephemeral.MaxSizeMB < 1 {
		return errors.New("config: EPHEMERAL_MAX_SIZE_MB must be >= 1")
	}
	if c.Ephemeral.TTLSeconds < 1 {
		return errors.New("config: EPHEMERAL_TTL_SECONDS must be >= 1")
	}

	if c.HawkTimestampMaxSkew < 60 {
		return errors.New("config: HAWK_TIMESTAMP_MAX_SKEW must be >= 60")
	}

	return nil
}

// IsEphemeral reports whether name is configured as an in-memory
// collection rather than durable storage.
func (c *Config) IsEphemeral(name string) bool {
	for _, n := range c.Ephemeral.Collections {
		if n == name {
			return true
		}
	}
	return false
}
