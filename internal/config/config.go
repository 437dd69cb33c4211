// Package config loads the ingestion service configuration from defaults, an
// optional YAML (or JSON) file, an optional .env file and OHLCV_* environment
// variables, in that order of increasing priority.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OHLCV_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	Exchange  ExchangeConfig  `yaml:"exchange" json:"exchange"`
	Ingestion IngestionConfig `yaml:"ingestion" json:"ingestion"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Status    StatusConfig    `yaml:"status" json:"status"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// ExchangeConfig selects the upstream and the symbol universe.
type ExchangeConfig struct {
	Name    string `yaml:"name" json:"name"`         // "binance" or "mock"
	BaseURL string `yaml:"base_url" json:"base_url"` // empty uses the public endpoint
	Quote   string `yaml:"quote" json:"quote"`       // quote asset used by discovery
	// TopSymbols is how many symbols discovery returns when Symbols is empty.
	TopSymbols int      `yaml:"top_symbols" json:"top_symbols"`
	Symbols    []string `yaml:"symbols" json:"symbols"`
}

// IngestionConfig drives the orchestrator, limiter and retry executor.
type IngestionConfig struct {
	Timeframes      []string      `yaml:"timeframes" json:"timeframes"`
	MaxWorkers      int           `yaml:"max_workers" json:"max_workers"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"` // page limit, at most 1000
	RequestCooldown time.Duration `yaml:"request_cooldown" json:"request_cooldown"`
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
	MaxCooldown     time.Duration `yaml:"max_cooldown" json:"max_cooldown"`
	MinThrottle     time.Duration `yaml:"min_throttle" json:"min_throttle"`
	MaxThrottle     time.Duration `yaml:"max_throttle" json:"max_throttle"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// HistoryDays is the lookback horizon per timeframe for series without a cursor.
	HistoryDays        map[string]int `yaml:"history_days" json:"history_days"`
	DefaultHistoryDays int            `yaml:"default_history_days" json:"default_history_days"`

	Overlap         time.Duration `yaml:"overlap" json:"overlap"`
	Retention       time.Duration `yaml:"retention" json:"retention"` // zero disables the sweep
	SummaryInterval time.Duration `yaml:"summary_interval" json:"summary_interval"`
	PageSleep       time.Duration `yaml:"page_sleep" json:"page_sleep"`

	HealEnabled   bool `yaml:"heal_enabled" json:"heal_enabled"`
	HealScanLimit int  `yaml:"heal_scan_limit" json:"heal_scan_limit"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type            string        `yaml:"type" json:"type"` // "duckdb", "memory", "postgres"
	Path            string        `yaml:"path" json:"path"` // DuckDB file, empty for in-memory
	DSN             string        `yaml:"dsn" json:"dsn"`   // Postgres connection string
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig configures the optional progress snapshot store.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"` // empty keeps snapshots in memory
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	PoolSize int           `yaml:"pool_size" json:"pool_size"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// StatusConfig configures the HTTP status surface.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `yaml:"level" json:"level"`         // Log level: debug, info, warn, error
	Format        string            `yaml:"format" json:"format"`       // Log format: json, text
	Output        string            `yaml:"output" json:"output"`       // Output: stdout, stderr, file
	FilePath      string            `yaml:"file_path" json:"file_path"` // Log file path
	MaxSize       int               `yaml:"max_size" json:"max_size"`   // Maximum log file size in MB
	MaxBackups    int               `yaml:"max_backups" json:"max_backups"`
	MaxAge        int               `yaml:"max_age" json:"max_age"` // Maximum log file age in days
	Compress      bool              `yaml:"compress" json:"compress"`
	ContextFields map[string]string `yaml:"context_fields" json:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// SchedulerConfig configures periodic runs.
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Spec    string `yaml:"spec" json:"spec"` // cron expression or @every descriptor
}

// DefaultConfig returns a configuration with the production defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Exchange: ExchangeConfig{
			Name:       "binance",
			Quote:      "USDT",
			TopSymbols: 300,
		},
		Ingestion: IngestionConfig{
			Timeframes:      []string{"1m", "3m", "5m"},
			MaxWorkers:      10,
			BatchSize:       500,
			RequestCooldown: 300 * time.Millisecond,
			RetryAttempts:   3,
			MaxCooldown:     60 * time.Second,
			MinThrottle:     50 * time.Millisecond,
			MaxThrottle:     2 * time.Second,
			RequestTimeout:  30 * time.Second,
			HistoryDays: map[string]int{
				"1m": 365,
				"3m": 1095,
				"5m": 1825,
			},
			DefaultHistoryDays: 365,
			SummaryInterval:    3 * time.Second,
			HealEnabled:        true,
			HealScanLimit:      10000,
		},
		Storage: StorageConfig{
			Type:         "duckdb",
			Path:         "./data/ohlcv.duckdb",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			DB:  0,
			TTL: time.Hour,
		},
		Status: StatusConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-ingest",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			Spec:    "@every 1m",
		},
	}
}

// Lookback returns the history horizon for a series without a cursor.
func (c *IngestionConfig) Lookback(timeframe string) time.Duration {
	days, ok := c.HistoryDays[timeframe]
	if !ok || days <= 0 {
		days = c.DefaultHistoryDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ConfigManager loads and validates the configuration.
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a manager. Both paths are optional.
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigManager{configPath: configPath, envFile: envFile, logger: logger}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env values included)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	cfg := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(cfg); err != nil {
			return nil, ingesterrors.New(ingesterrors.ErrorTypeConfiguration, "config", "load_file", err)
		}
	}

	if err := cm.loadEnvFile(); err != nil {
		return nil, ingesterrors.New(ingesterrors.ErrorTypeConfiguration, "config", "load_env_file", err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, ingesterrors.New(ingesterrors.ErrorTypeConfiguration, "config", "load_env", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, ingesterrors.New(ingesterrors.ErrorTypeConfiguration, "config", "validate", err)
	}

	cm.config = cfg
	cm.logger.Info("Configuration loaded",
		"config_path", cm.configPath,
		"storage_type", cfg.Storage.Type,
		"exchange", cfg.Exchange.Name,
		"timeframes", cfg.Ingestion.Timeframes,
		"max_workers", cfg.Ingestion.MaxWorkers)
	return cfg, nil
}

// GetConfig returns the last loaded configuration.
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

func (cm *ConfigManager) loadFromFile(cfg *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cm.logger.Debug("Config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}
	// JSON is a subset of YAML, so one decoder serves both formats.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}
	cm.logger.Debug("Loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadEnvFile exports the .env entries without overriding the real environment.
func (cm *ConfigManager) loadEnvFile() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", cm.envFile, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from OHLCV_* variables. Parse failures are collected.
func applyEnv(cfg *AppConfig, lookup lookupFunc) error {
	var problems []string
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	str := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := env(name); ok {
			*dst = splitList(v)
		}
	}

	str("EXCHANGE", &cfg.Exchange.Name)
	str("EXCHANGE_BASE_URL", &cfg.Exchange.BaseURL)
	str("QUOTE", &cfg.Exchange.Quote)
	integer("TOP_SYMBOLS", &cfg.Exchange.TopSymbols)
	list("SYMBOLS", &cfg.Exchange.Symbols)

	list("TIMEFRAMES", &cfg.Ingestion.Timeframes)
	integer("MAX_WORKERS", &cfg.Ingestion.MaxWorkers)
	integer("BATCH_SIZE", &cfg.Ingestion.BatchSize)
	duration("REQUEST_COOLDOWN", &cfg.Ingestion.RequestCooldown)
	integer("RETRY_ATTEMPTS", &cfg.Ingestion.RetryAttempts)
	duration("MAX_COOLDOWN", &cfg.Ingestion.MaxCooldown)
	duration("MIN_THROTTLE", &cfg.Ingestion.MinThrottle)
	duration("MAX_THROTTLE", &cfg.Ingestion.MaxThrottle)
	duration("REQUEST_TIMEOUT", &cfg.Ingestion.RequestTimeout)
	integer("DEFAULT_HISTORY_DAYS", &cfg.Ingestion.DefaultHistoryDays)
	duration("OVERLAP", &cfg.Ingestion.Overlap)
	duration("RETENTION", &cfg.Ingestion.Retention)
	duration("SUMMARY_INTERVAL", &cfg.Ingestion.SummaryInterval)
	duration("PAGE_SLEEP", &cfg.Ingestion.PageSleep)
	boolean("HEAL_ENABLED", &cfg.Ingestion.HealEnabled)
	integer("HEAL_SCAN_LIMIT", &cfg.Ingestion.HealScanLimit)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("DATABASE_URL", &cfg.Storage.DSN)
	integer("MAX_OPEN_CONNS", &cfg.Storage.MaxOpenConns)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)
	duration("REDIS_TTL", &cfg.Redis.TTL)

	boolean("STATUS_ENABLED", &cfg.Status.Enabled)
	str("STATUS_ADDR", &cfg.Status.Addr)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_OUTPUT", &cfg.Logging.Output)
	str("LOG_FILE_PATH", &cfg.Logging.FilePath)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_PATH", &cfg.Metrics.Path)

	boolean("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	str("SCHEDULER_SPEC", &cfg.Scheduler.Spec)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment overrides:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// parseDuration accepts Go durations and bare numbers of seconds ("0.3").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c *AppConfig) Validate() error {
	var errs []string

	switch c.Exchange.Name {
	case "binance", "mock":
	default:
		errs = append(errs, fmt.Sprintf("exchange.name must be one of: binance, mock (got %q)", c.Exchange.Name))
	}
	if len(c.Exchange.Symbols) == 0 {
		if c.Exchange.Quote == "" {
			errs = append(errs, "exchange.quote is required when exchange.symbols is empty")
		}
		if c.Exchange.TopSymbols <= 0 {
			errs = append(errs, "exchange.top_symbols must be greater than 0 when exchange.symbols is empty")
		}
	}

	in := &c.Ingestion
	if len(in.Timeframes) == 0 {
		errs = append(errs, "ingestion.timeframes must not be empty")
	}
	for _, tf := range in.Timeframes {
		if !models.IsValidTimeframe(tf) {
			errs = append(errs, fmt.Sprintf("ingestion.timeframes contains unsupported timeframe %q", tf))
		}
	}
	if in.MaxWorkers <= 0 {
		errs = append(errs, "ingestion.max_workers must be greater than 0")
	}
	if in.BatchSize <= 0 || in.BatchSize > models.MaxPageLimit {
		errs = append(errs, fmt.Sprintf("ingestion.batch_size must be between 1 and %d", models.MaxPageLimit))
	}
	if in.RequestCooldown < 0 {
		errs = append(errs, "ingestion.request_cooldown must not be negative")
	}
	if in.RetryAttempts < 0 {
		errs = append(errs, "ingestion.retry_attempts must not be negative")
	}
	if in.MinThrottle <= 0 {
		errs = append(errs, "ingestion.min_throttle must be greater than 0")
	}
	if in.MaxThrottle < in.MinThrottle {
		errs = append(errs, "ingestion.max_throttle must be at least ingestion.min_throttle")
	}
	if in.RequestTimeout <= 0 {
		errs = append(errs, "ingestion.request_timeout must be greater than 0")
	}
	if in.DefaultHistoryDays <= 0 {
		errs = append(errs, "ingestion.default_history_days must be greater than 0")
	}
	for tf, days := range in.HistoryDays {
		if !models.IsValidTimeframe(tf) {
			errs = append(errs, fmt.Sprintf("ingestion.history_days has unsupported timeframe %q", tf))
		}
		if days <= 0 {
			errs = append(errs, fmt.Sprintf("ingestion.history_days[%s] must be greater than 0", tf))
		}
	}
	if in.Overlap < 0 {
		errs = append(errs, "ingestion.overlap must not be negative")
	}
	if in.Retention < 0 {
		errs = append(errs, "ingestion.retention must not be negative")
	}
	if in.PageSleep < 0 {
		errs = append(errs, "ingestion.page_sleep must not be negative")
	}

	switch c.Storage.Type {
	case "memory", "duckdb":
	case "postgres", "postgresql", "timescaledb":
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for postgres storage")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.type must be one of: memory, duckdb, postgres (got %q)", c.Storage.Type))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when logging.output is file")
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		errs = append(errs, "status.addr is required when status is enabled")
	}
	if c.Scheduler.Enabled && c.Scheduler.Spec == "" {
		errs = append(errs, "scheduler.spec is required when the scheduler is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// String returns the configuration as JSON with secrets redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Storage.DSN != "" {
		sanitized.Storage.DSN = "[REDACTED]"
	}
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
