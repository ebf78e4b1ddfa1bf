// Package config provides centralized configuration management for the sync
// engine, pollers, exchange client and storage backends. Configuration is
// layered from defaults, a JSON or YAML file, an optional .env file and
// POLOSYNC_* environment variables, then validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "POLOSYNC_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Exchange      ExchangeConfig      `json:"exchange" yaml:"exchange"`
	Sync          SyncConfig          `json:"sync" yaml:"sync"`
	Poller        PollerConfig        `json:"poller" yaml:"poller"`
	Signal        SignalConfig        `json:"signal" yaml:"signal"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" yaml:"error_handling"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type         string `json:"type" yaml:"type" env:"STORAGE_TYPE"`                    // "duckdb", "memory", "postgres"
	DatabaseURL  string `json:"database_url" yaml:"database_url" env:"DATABASE_URL"`    // DuckDB path or Postgres DSN
	BatchSize    int    `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`          // Rows per bulk insert statement
	MaxConns     int    `json:"max_conns" yaml:"max_conns" env:"MAX_CONNS"`             // Maximum database connections
	QueryTimeout string `json:"query_timeout" yaml:"query_timeout" env:"QUERY_TIMEOUT"` // Per-statement timeout
}

// ExchangeConfig configures the exchange REST client
type ExchangeConfig struct {
	BaseURL           string            `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIKey            string            `json:"api_key" yaml:"api_key" env:"API_KEY"`          // Only needed for trading calls
	APISecret         string            `json:"api_secret" yaml:"api_secret" env:"API_SECRET"` // Only needed for trading calls
	RequestsPerSecond float64           `json:"requests_per_second" yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int               `json:"burst" yaml:"burst" env:"BURST"`
	Timeout           string            `json:"timeout" yaml:"timeout" env:"HTTP_TIMEOUT"`
	UserAgent         string            `json:"user_agent" yaml:"user_agent"`
	RetryPolicy       RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`
}

// SyncConfig configures the window walker
type SyncConfig struct {
	WindowSize   string            `json:"window_size" yaml:"window_size" env:"WINDOW_SIZE"`       // Size of each fetch window
	StallLimit   int               `json:"stall_limit" yaml:"stall_limit" env:"STALL_LIMIT"`       // Attempts before a window is skipped
	RetryEmpty   bool              `json:"retry_empty" yaml:"retry_empty" env:"RETRY_EMPTY"`       // Count empty results as failed attempts
	LiveInterval string            `json:"live_interval" yaml:"live_interval" env:"LIVE_INTERVAL"` // Sleep between live-tail passes
	Workers      int               `json:"workers" yaml:"workers" env:"WORKERS"`                   // Markets walked concurrently
	Resume       bool              `json:"resume" yaml:"resume" env:"RESUME"`                      // Resume from persisted checkpoints
	CandlePeriod int               `json:"candle_period" yaml:"candle_period" env:"CANDLE_PERIOD"` // Chart data period in seconds
	Markets      []string          `json:"markets" yaml:"markets" env:"MARKETS"`                   // Default market set
	RetryPolicy  RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`                       // Delay between failed attempts
}

// PollerConfig configures the live pollers
type PollerConfig struct {
	TickerInterval string `json:"ticker_interval" yaml:"ticker_interval" env:"TICKER_INTERVAL"`
	SignalInterval string `json:"signal_interval" yaml:"signal_interval" env:"SIGNAL_INTERVAL"`
	RunImmediately bool   `json:"run_immediately" yaml:"run_immediately" env:"RUN_IMMEDIATELY"`
}

// SignalConfig configures the volume signal labeler
type SignalConfig struct {
	BuyThreshold  float64 `json:"buy_threshold" yaml:"buy_threshold" env:"BUY_THRESHOLD"`
	SellThreshold float64 `json:"sell_threshold" yaml:"sell_threshold" env:"SELL_THRESHOLD"`
	Lookback      string  `json:"lookback" yaml:"lookback" env:"SIGNAL_LOOKBACK"`
	Period        int     `json:"period" yaml:"period" env:"SIGNAL_PERIOD"`
}

// RedisConfig configures the optional checkpoint store and ticker cache
type RedisConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"REDIS_ENABLED"`
	Addr      string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password  string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"REDIS_DB"`
	TickerTTL string `json:"ticker_ttl" yaml:"ticker_ttl" env:"REDIS_TICKER_TTL"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LOG_LEVEL"`                   // debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"LOG_FORMAT"`                // json, text
	Output        string            `json:"output" yaml:"output" env:"LOG_OUTPUT"`                // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" env:"LOG_FILE_PATH"`       // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"LOG_MAX_SIZE"`          // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"LOG_MAX_AGE"`             // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress" env:"LOG_COMPRESS"`          // Compress rotated files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`                 // Added to every line
}

// MetricsConfig configures the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Port    int    `json:"port" yaml:"port" env:"METRICS_PORT"`
	Path    string `json:"path" yaml:"path" env:"METRICS_PATH"`
}

// ErrorHandlingConfig configures error classification and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy RetryPolicyConfig            `json:"global_retry_policy" yaml:"global_retry_policy"`
	ComponentPolicies map[string]RetryPolicyConfig `json:"component_policies" yaml:"component_policies"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`         // Maximum attempts including the first
	InitialDelay    string   `json:"initial_delay" yaml:"initial_delay"`       // Initial delay between retries
	MaxDelay        string   `json:"max_delay" yaml:"max_delay"`               // Maximum delay between retries
	BackoffStrategy string   `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed, linear, exponential
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors"` // Extra error types to retry
	Jitter          bool     `json:"jitter" yaml:"jitter"`                     // Randomize delays
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. An empty configPath
// means defaults plus environment only.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the dotenv file loaded before environment overrides.
// An empty name disables dotenv loading.
func (cm *ConfigManager) WithEnvFile(name string) *ConfigManager {
	cm.envFile = name
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those set by the .env file (highest)
// 2. Configuration file (JSON or YAML by extension)
// 3. Default values (lowest)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotenv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"window_size", config.Sync.WindowSize,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file. Environment
// references such as ${POSTGRES_PASSWORD} are expanded before parsing.
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, config); err != nil {
			return fmt.Errorf("failed to parse YAML config file %s: %w", cm.configPath, err)
		}
	default:
		if err := json.Unmarshal(expanded, config); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
		}
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotenv sets variables from the env file without overriding variables
// already present in the process environment.
func (cm *ConfigManager) loadDotenv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

// loadFromEnv loads configuration from POLOSYNC_* environment variables.
// Malformed numeric values are reported rather than ignored.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string
	setInt := func(name string, dst *int) {
		if val := getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if val := getenv(name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(name string, dst *bool) {
		if val := getenv(name); val != "" {
			*dst = val == "true" || val == "1"
		}
	}
	setString := func(name string, dst *string) {
		if val := getenv(name); val != "" {
			*dst = val
		}
	}

	// Storage
	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DatabaseURL)
	setInt("BATCH_SIZE", &config.Storage.BatchSize)
	setInt("MAX_CONNS", &config.Storage.MaxConns)
	setString("QUERY_TIMEOUT", &config.Storage.QueryTimeout)

	// Exchange
	setString("BASE_URL", &config.Exchange.BaseURL)
	setString("API_KEY", &config.Exchange.APIKey)
	setString("API_SECRET", &config.Exchange.APISecret)
	setFloat("REQUESTS_PER_SECOND", &config.Exchange.RequestsPerSecond)
	setInt("BURST", &config.Exchange.Burst)
	setString("HTTP_TIMEOUT", &config.Exchange.Timeout)

	// Sync
	setString("WINDOW_SIZE", &config.Sync.WindowSize)
	setInt("STALL_LIMIT", &config.Sync.StallLimit)
	setBool("RETRY_EMPTY", &config.Sync.RetryEmpty)
	setString("LIVE_INTERVAL", &config.Sync.LiveInterval)
	setInt("WORKERS", &config.Sync.Workers)
	setBool("RESUME", &config.Sync.Resume)
	setInt("CANDLE_PERIOD", &config.Sync.CandlePeriod)
	if val := getenv("MARKETS"); val != "" {
		config.Sync.Markets = strings.Split(val, ",")
	}

	// Pollers and signal
	setString("TICKER_INTERVAL", &config.Poller.TickerInterval)
	setString("SIGNAL_INTERVAL", &config.Poller.SignalInterval)
	setBool("RUN_IMMEDIATELY", &config.Poller.RunImmediately)
	setFloat("BUY_THRESHOLD", &config.Signal.BuyThreshold)
	setFloat("SELL_THRESHOLD", &config.Signal.SellThreshold)
	setString("SIGNAL_LOOKBACK", &config.Signal.Lookback)
	setInt("SIGNAL_PERIOD", &config.Signal.Period)

	// Redis
	setBool("REDIS_ENABLED", &config.Redis.Enabled)
	setString("REDIS_ADDR", &config.Redis.Addr)
	setString("REDIS_PASSWORD", &config.Redis.Password)
	setInt("REDIS_DB", &config.Redis.DB)
	setString("REDIS_TICKER_TTL", &config.Redis.TickerTTL)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics
	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setInt("METRICS_PORT", &config.Metrics.Port)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values:\n- %s", strings.Join(errs, "\n- "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

var validPeriods = map[int]bool{300: true, 900: true, 1800: true, 7200: true, 14400: true, 86400: true}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	checkDuration := func(field, value string) {
		d, err := time.ParseDuration(value)
		if err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %q", field, value))
			return
		}
		if d <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be positive", field))
		}
	}

	// Storage
	switch config.Storage.Type {
	case "duckdb", "postgres":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, fmt.Sprintf("storage.database_url is required for %s storage", config.Storage.Type))
		}
	case "memory":
	case "":
		errors = append(errors, "storage.type is required")
	default:
		errors = append(errors, "storage.type must be one of: duckdb, postgres, memory")
	}
	if config.Storage.BatchSize <= 0 {
		errors = append(errors, "storage.batch_size must be greater than 0")
	}

	// Exchange
	if config.Exchange.BaseURL == "" {
		errors = append(errors, "exchange.base_url is required")
	}
	if config.Exchange.RequestsPerSecond <= 0 {
		errors = append(errors, "exchange.requests_per_second must be greater than 0")
	}
	if config.Exchange.Burst <= 0 {
		errors = append(errors, "exchange.burst must be greater than 0")
	}
	checkDuration("exchange.timeout", config.Exchange.Timeout)

	// Sync
	checkDuration("sync.window_size", config.Sync.WindowSize)
	checkDuration("sync.live_interval", config.Sync.LiveInterval)
	if config.Sync.StallLimit <= 0 {
		errors = append(errors, "sync.stall_limit must be greater than 0")
	}
	if config.Sync.Workers <= 0 {
		errors = append(errors, "sync.workers must be greater than 0")
	}
	if !validPeriods[config.Sync.CandlePeriod] {
		errors = append(errors, "sync.candle_period must be one of: 300, 900, 1800, 7200, 14400, 86400")
	}

	// Pollers and signal
	checkDuration("poller.ticker_interval", config.Poller.TickerInterval)
	checkDuration("poller.signal_interval", config.Poller.SignalInterval)
	checkDuration("signal.lookback", config.Signal.Lookback)
	if !validPeriods[config.Signal.Period] {
		errors = append(errors, "signal.period must be one of: 300, 900, 1800, 7200, 14400, 86400")
	}
	if config.Signal.SellThreshold >= config.Signal.BuyThreshold {
		errors = append(errors, "signal.sell_threshold must be below signal.buy_threshold")
	}

	// Redis
	if config.Redis.Enabled {
		if config.Redis.Addr == "" {
			errors = append(errors, "redis.addr is required when redis is enabled")
		}
		checkDuration("redis.ticker_ttl", config.Redis.TickerTTL)
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	// Metrics
	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the last loaded configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "polosync",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabaseURL:  "./data/poloniex.db",
			BatchSize:    1000,
			MaxConns:     4,
			QueryTimeout: "30s",
		},
		Exchange: ExchangeConfig{
			BaseURL:           "https://poloniex.com",
			RequestsPerSecond: 6,
			Burst:             1,
			Timeout:           "30s",
			UserAgent:         "polosync/1.0",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "500ms",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
		},
		Sync: SyncConfig{
			WindowSize:   "24h",
			StallLimit:   5,
			RetryEmpty:   true,
			LiveInterval: "60s",
			Workers:      1,
			Resume:       true,
			CandlePeriod: 300,
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     5,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
			},
		},
		Poller: PollerConfig{
			TickerInterval: "60s",
			SignalInterval: "1800s",
			RunImmediately: true,
		},
		Signal: SignalConfig{
			BuyThreshold:  0.4,
			SellThreshold: -0.2,
			Lookback:      "1h",
			Period:        300,
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			TickerTTL: "5m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "polosync",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "60s",
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
			ComponentPolicies: make(map[string]RetryPolicyConfig),
		},
	}
}

// Duration parses a duration validated by LoadConfig, returning fallback if
// the value is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// HasCredentials reports whether trading calls can be signed.
func (c ExchangeConfig) HasCredentials() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Exchange.APIKey != "" {
		sanitized.Exchange.APIKey = "[REDACTED]"
	}
	if sanitized.Exchange.APISecret != "" {
		sanitized.Exchange.APISecret = "[REDACTED]"
	}
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
