package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/INLOpen/replaystore/core"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "REPLAYSTORE_"

// Backend names accepted in StoreConfig.Backend.
const (
	BackendColumnar   = "columnar"
	BackendRelational = "relational"
	BackendMemory     = "memory"
)

// StoreConfig holds settings shared by every backend.
type StoreConfig struct {
	Backend          string `yaml:"backend" env:"BACKEND"`
	DataDir          string `yaml:"data_dir" env:"DATA_DIR"`
	RetentionPeriod  string `yaml:"retention_period" env:"RETENTION_PERIOD"` // empty keeps everything
	CacheCapacity    int    `yaml:"cache_capacity" env:"CACHE_CAPACITY"`     // aggregates kept in the read cache, 0 disables it
	BootstrapTimeout string `yaml:"bootstrap_timeout" env:"BOOTSTRAP_TIMEOUT"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode" env:"SYNC_MODE"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes" env:"MAX_SEGMENT_SIZE_BYTES"`
	Preallocate         bool   `yaml:"preallocate" env:"PREALLOCATE"`
	// CompactSegments closed segments trigger a rewrite on bootstrap, -1 disables it.
	CompactSegments     int    `yaml:"compact_segments" env:"COMPACT_SEGMENTS"`
}

// ColumnarConfig holds settings for the wide-column engine.
type ColumnarConfig struct {
	Compression      string    `yaml:"compression" env:"COMPRESSION"`
	MinFreeDiskBytes uint64    `yaml:"min_free_disk_bytes" env:"MIN_FREE_DISK_BYTES"`
	LockTimeout      string    `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
	WAL              WALConfig `yaml:"wal" envPrefix:"WAL_"`
}

// RelationalConfig holds settings for the SQLite engine.
type RelationalConfig struct {
	// Path of the database file. Empty means <data_dir>/replays.db.
	Path         string `yaml:"path" env:"PATH"`
	BusyTimeout  string `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// ClockSkewConfig configures the clock skew listener.
type ClockSkewConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	MaxPast   string `yaml:"max_past" env:"MAX_PAST"`
	MaxFuture string `yaml:"max_future" env:"MAX_FUTURE"`
	Reject    bool   `yaml:"reject" env:"REJECT"`
}

// HooksConfig selects the built-in listeners.
type HooksConfig struct {
	ReplayAlerter  bool            `yaml:"replay_alerter" env:"REPLAY_ALERTER"`
	TrackedReplays int             `yaml:"tracked_replays" env:"TRACKED_REPLAYS"` // ids remembered by the alerter
	IngestMetrics  bool            `yaml:"ingest_metrics" env:"INGEST_METRICS"`
	ClockSkew      ClockSkewConfig `yaml:"clock_skew" envPrefix:"CLOCK_SKEW_"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output" env:"OUTPUT"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file" env:"FILE"`     // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol" env:"PROTOCOL"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Columnar   ColumnarConfig   `yaml:"columnar" envPrefix:"COLUMNAR_"`
	Relational RelationalConfig `yaml:"relational" envPrefix:"RELATIONAL_"`
	Hooks      HooksConfig      `yaml:"hooks" envPrefix:"HOOKS_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Tracing    TracingConfig    `yaml:"tracing" envPrefix:"TRACING_"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:          BackendColumnar,
			DataDir:          "./data",
			RetentionPeriod:  "",
			CacheCapacity:    256,
			BootstrapTimeout: "30s",
		},
		Columnar: ColumnarConfig{
			Compression:      "snappy",
			MinFreeDiskBytes: 64 * 1024 * 1024, // 64 MiB
			LockTimeout:      "5s",
			WAL: WALConfig{
				SyncMode:            string(core.WALSyncAlways),
				MaxSegmentSizeBytes: core.WALMaxSegmentSize,
				Preallocate:         false,
				CompactSegments:     4,
			},
		},
		Relational: RelationalConfig{
			Path:         "",
			BusyTimeout:  "5s",
			MaxOpenConns: 4,
		},
		Hooks: HooksConfig{
			ReplayAlerter:  false,
			TrackedReplays: 4096,
			IngestMetrics:  true,
			ClockSkew: ClockSkewConfig{
				Enabled:   false,
				MaxPast:   "",
				MaxFuture: "5m",
				Reject:    false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "replaystore.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader on top of the defaults.
// Environment overrides are not applied here; see ApplyEnv.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// A nil reader is like an empty file.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with REPLAYSTORE_* environment variables.
// Unset variables leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path, applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	var cfg *Config
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		if cfg, err = Load(file); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		// If file doesn't exist, fall back to defaults.
		cfg = Default()
	default:
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late, at Open.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendColumnar, BackendRelational, BackendMemory:
	default:
		return fmt.Errorf("invalid store.backend %q: want %s, %s or %s", c.Store.Backend, BackendColumnar, BackendRelational, BackendMemory)
	}
	if c.Store.Backend != BackendMemory && c.Store.DataDir == "" && (c.Store.Backend != BackendRelational || c.Relational.Path == "") {
		return fmt.Errorf("store.data_dir is required for the %s backend", c.Store.Backend)
	}
	if c.Store.CacheCapacity < 0 {
		return fmt.Errorf("store.cache_capacity must not be negative")
	}
	if _, err := core.ParseCompressionType(c.Columnar.Compression); err != nil {
		return fmt.Errorf("columnar.compression: %w", err)
	}
	if _, err := core.ParseWALSyncMode(c.Columnar.WAL.SyncMode); err != nil {
		return fmt.Errorf("columnar.wal.sync_mode: %w", err)
	}
	return nil
}
