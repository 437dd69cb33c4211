// OHLCV Ingestion CLI
// This application ingests OHLCV (Open, High, Low, Close, Volume) candles
// from a spot exchange into a local or remote store, keeps them gap free,
// and exposes the progress of every run.
//
// Usage:
//
//	ohlcv ingest --symbols BTC/USDT,ETH/USDT --timeframes 1m,5m
//	ohlcv schedule --spec "@every 1m"
//	ohlcv serve
//	ohlcv gaps --symbol BTC/USDT --timeframe 1m
//	ohlcv symbols --quote USDT --top 20
//	ohlcv query --symbol BTC/USDT --timeframe 1m --start 2024-01-01
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/progress"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ratelimit"
	"github.com/johnayoung/go-ohlcv-ingest/internal/status"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "ohlcv"

	DefaultConfigFile = "ohlcv.yaml"
	DefaultEnvFile    = ".env"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsageError  = 2
	ExitConfigError = 3
	ExitStorageErr  = 4
	ExitInterrupt   = 130
)

// usageError marks bad command line input.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// app holds the components shared by every command.
type app struct {
	cfg     *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	store   storage.CandleStore
	gateway exchange.Gateway
	limiter *ratelimit.Limiter
	metrics *metrics.Collector

	progress progress.Store
	redis    *progress.RedisStore
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "help", "--help", "-h":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	global, rest, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitUsageError)
	}
	if global.Help {
		printCommandHelp(command)
		return
	}

	code := run(ctx, command, handler, global, rest)
	cancel()
	os.Exit(code)
}

// commandFunc runs one command against an initialized app.
type commandFunc func(a *app, ctx context.Context, args []string) error

var commands = map[string]commandFunc{
	"ingest":   (*app).handleIngest,
	"schedule": (*app).handleSchedule,
	"serve":    (*app).handleServe,
	"gaps":     (*app).handleGaps,
	"symbols":  (*app).handleSymbols,
	"query":    (*app).handleQuery,
}

func run(ctx context.Context, command string, handler commandFunc, global *GlobalFlags, args []string) int {
	a, err := initialize(ctx, global)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize: %v\n", err)
		return exitCode(err)
	}
	defer a.close()

	if err := handler(a, ctx, args); err != nil {
		code := exitCode(err)
		if code == ExitInterrupt {
			a.logger.Warn("Interrupted", "command", command)
		} else {
			a.logger.Error("Command failed", "command", command, "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return code
	}
	return ExitSuccess
}

// exitCode maps an error onto the CLI exit codes.
func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	}
	switch ingesterrors.TypeOf(err) {
	case ingesterrors.ErrorTypeConfiguration:
		return ExitConfigError
	case ingesterrors.ErrorTypePersistence:
		return ExitStorageErr
	case ingesterrors.ErrorTypeCanceled:
		return ExitInterrupt
	}
	return ExitFailure
}

// initialize loads configuration and wires the shared components.
func initialize(ctx context.Context, global *GlobalFlags) (*app, error) {
	cfg, err := config.NewConfigManager(global.ConfigPath, global.EnvFile, nil).LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if global.LogLevel != "" {
		cfg.Logging.Level = global.LogLevel
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.ErrorTypeConfiguration, "cli", "logger", err)
	}
	logs.SetDefault()

	a := &app{cfg: cfg, logs: logs, logger: logs.GetComponentLogger("cli")}
	a.metrics = metrics.NewCollector()

	store, err := storage.New(storage.Options{
		Type: cfg.Storage.Type,
		Path: cfg.Storage.Path,
		Postgres: storage.PostgresConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		},
	}, logs.GetComponentLogger("storage"))
	if err != nil {
		a.close()
		return nil, ingesterrors.Persistence("cli", "open_storage", err)
	}
	a.store = store
	initStorage := func() error { return store.Initialize(ctx) }
	if err := logger.TimedOperation(ctx, a.logger, "initialize_storage", initStorage); err != nil {
		a.close()
		return nil, ingesterrors.Persistence("cli", "initialize_storage", err)
	}

	gateway, err := newGateway(cfg.Exchange, logs.GetLogger())
	if err != nil {
		a.close()
		return nil, err
	}
	a.gateway = gateway

	in := cfg.Ingestion
	a.limiter = ratelimit.New(in.RequestCooldown, in.MinThrottle, in.MaxThrottle,
		ratelimit.WithLogger(logs.GetComponentLogger("rate_limiter")),
		ratelimit.WithObserver(a.metrics.SetLimiterDelay))
	a.metrics.SetLimiterDelay(a.limiter.Delay())

	a.progress = progress.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		a.redis = progress.NewRedisStore(progress.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Redis.TTL,
		}, logs.GetLogger())
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx); err != nil {
			a.logger.Warn("Redis unreachable, progress falls back to memory", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		a.progress = a.redis
	}

	a.logger.Debug("Initialized",
		"exchange", gateway.Name(),
		"storage", cfg.Storage.Type,
		"redis", cfg.Redis.Addr != "")
	return a, nil
}

func newGateway(cfg config.ExchangeConfig, log *slog.Logger) (exchange.Gateway, error) {
	switch cfg.Name {
	case "binance":
		opts := []exchange.BinanceOption{exchange.WithClientLogger(log)}
		if cfg.BaseURL != "" {
			opts = append(opts, exchange.WithBaseURL(cfg.BaseURL))
		}
		return exchange.NewBinanceClient(opts...), nil
	case "mock":
		return exchange.NewMockGateway(), nil
	default:
		return nil, ingesterrors.Configuration("cli", "unsupported exchange %q", cfg.Name)
	}
}

// orchestrator builds an orchestrator publishing to the progress store, the
// metrics collector and, when set, the push hub.
func (a *app) orchestrator(hub *status.Hub) *collector.Orchestrator {
	opts := []collector.Option{
		collector.WithMetrics(a.metrics),
		collector.WithProgressStore(a.progress),
	}
	if hub != nil {
		opts = append(opts, collector.WithListener(hub.Listener()))
	}
	return collector.New(a.store, a.gateway, a.limiter,
		collector.OptionsFromConfig(a.cfg.Ingestion),
		a.logs.GetLogger(), opts...)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close storage", "error", err)
		}
	}
	if a.logs != nil {
		a.logs.Close()
	}
}
