// Package config provides configuration for the kline sync pipeline.
// Values load in priority order: environment variables over a JSON
// config file over built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/klinesync/klinesync/internal/models"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	Stream    StreamConfig    `json:"stream"`
	Source    SourceConfig    `json:"source"`
	Storage   StorageConfig   `json:"storage"`
	Validator ValidatorConfig `json:"validator"`
	Logging   LoggingConfig   `json:"logging"`
}

// StreamConfig identifies the candle series to ingest.
type StreamConfig struct {
	Symbol   string `json:"symbol" env:"SYMBOL"`
	Interval string `json:"interval" env:"INTERVAL"`
	// OriginTime is the ms-epoch start used when the store is empty
	// and no explicit start is given.
	OriginTime int64 `json:"origin_time" env:"ORIGIN_TIME"`
}

// SourceConfig configures the upstream kline endpoint client.
type SourceConfig struct {
	BaseURL string `json:"base_url" env:"SOURCE_BASE_URL"`
	// RequestDelayMs is the minimum delay between consecutive requests.
	RequestDelayMs int `json:"request_delay_ms" env:"REQUEST_DELAY_MS"`
	// MaxRetries bounds retry attempts per page.
	MaxRetries int `json:"max_retries" env:"MAX_RETRIES"`
	// BatchSize is the page size requested per fetch.
	BatchSize int `json:"batch_size" env:"BATCH_SIZE"`
	// TimeoutMs is the per-request HTTP timeout.
	TimeoutMs int `json:"timeout_ms" env:"HTTP_TIMEOUT_MS"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Type   string `json:"type" env:"STORAGE_TYPE"` // "duckdb", "memory"
	DBPath string `json:"db_path" env:"DB_PATH"`
}

// ValidatorConfig configures record validation.
type ValidatorConfig struct {
	// RejectThreshold is the page rejection rate above which the whole
	// page fails.
	RejectThreshold float64 `json:"reject_threshold" env:"REJECT_THRESHOLD"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	return &AppConfig{
		Stream: StreamConfig{
			Symbol:     "BTCUSDT",
			Interval:   "1m",
			OriginTime: models.DefaultOriginTime,
		},
		Source: SourceConfig{
			BaseURL:        "https://api.binance.com",
			RequestDelayMs: 500,
			MaxRetries:     3,
			BatchSize:      1000,
			TimeoutMs:      30000,
		},
		Storage: StorageConfig{
			Type:   "duckdb",
			DBPath: "klines.db",
		},
		Validator: ValidatorConfig{
			RejectThreshold: 0.5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Load builds the configuration from defaults, the optional JSON file
// at path, and environment variable overrides, then validates it.
func Load(path string, logger *slog.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path, logger); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Debug("configuration loaded",
		"config_path", path,
		"stream", cfg.Stream.Symbol+":"+cfg.Stream.Interval,
		"storage_type", cfg.Storage.Type,
		"db_path", cfg.Storage.DBPath)

	return cfg, nil
}

func loadFromFile(cfg *AppConfig, path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("config file does not exist, using defaults", "path", path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *AppConfig) {
	if val := os.Getenv("SYMBOL"); val != "" {
		cfg.Stream.Symbol = val
	}
	if val := os.Getenv("INTERVAL"); val != "" {
		cfg.Stream.Interval = val
	}
	if val := os.Getenv("ORIGIN_TIME"); val != "" {
		if origin, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Stream.OriginTime = origin
		}
	}

	if val := os.Getenv("SOURCE_BASE_URL"); val != "" {
		cfg.Source.BaseURL = val
	}
	if val := os.Getenv("REQUEST_DELAY_MS"); val != "" {
		if delay, err := strconv.Atoi(val); err == nil {
			cfg.Source.RequestDelayMs = delay
		}
	}
	if val := os.Getenv("MAX_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			cfg.Source.MaxRetries = retries
		}
	}
	if val := os.Getenv("BATCH_SIZE"); val != "" {
		if batch, err := strconv.Atoi(val); err == nil {
			cfg.Source.BatchSize = batch
		}
	}
	if val := os.Getenv("HTTP_TIMEOUT_MS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			cfg.Source.TimeoutMs = timeout
		}
	}

	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		cfg.Storage.Type = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.Storage.DBPath = val
	}

	if val := os.Getenv("REJECT_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Validator.RejectThreshold = threshold
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		cfg.Logging.FilePath = val
	}
}

// Validate checks the configuration for consistency.
func (c *AppConfig) Validate() error {
	if err := c.ToStream().Validate(); err != nil {
		return err
	}
	if c.Stream.OriginTime < 0 {
		return fmt.Errorf("origin_time must be non-negative, got %d", c.Stream.OriginTime)
	}

	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url is required")
	}
	if c.Source.RequestDelayMs < 0 {
		return fmt.Errorf("request_delay_ms must be non-negative, got %d", c.Source.RequestDelayMs)
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.Source.MaxRetries)
	}
	if c.Source.BatchSize <= 0 || c.Source.BatchSize > 1000 {
		return fmt.Errorf("batch_size must be in (0, 1000], got %d", c.Source.BatchSize)
	}
	if c.Source.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.Source.TimeoutMs)
	}

	switch c.Storage.Type {
	case "duckdb":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("db_path is required for duckdb storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}

	if c.Validator.RejectThreshold <= 0 || c.Validator.RejectThreshold > 1 {
		return fmt.Errorf("reject_threshold must be in (0, 1], got %f", c.Validator.RejectThreshold)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("log file_path is required when output is 'file'")
	}

	return nil
}

// ToStream returns the configured stream identity.
func (c *AppConfig) ToStream() models.Stream {
	return models.Stream{Symbol: c.Stream.Symbol, Interval: c.Stream.Interval}
}

// RequestDelay returns the source pacing delay as a duration.
func (c *AppConfig) RequestDelay() time.Duration {
	return time.Duration(c.Source.RequestDelayMs) * time.Millisecond
}

// HTTPTimeout returns the per-request timeout as a duration.
func (c *AppConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutMs) * time.Millisecond
}
