// Package logger builds the process wide slog logger: JSON or text output,
// RFC3339Nano timestamps, uppercase levels and optional rotating file output.
// Run, job and series identifiers travel on the context and are attached to
// log lines by the context aware helpers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// RunIDKey is the context key for the ingestion run id
	RunIDKey ContextKey = "run_id"
	// JobIDKey is the context key for the job id
	JobIDKey ContextKey = "job_id"
	// SymbolKey is the context key for the symbol
	SymbolKey ContextKey = "symbol"
	// TimeframeKey is the context key for the timeframe
	TimeframeKey ContextKey = "timeframe"
)

// contextKeys fixes the order attributes are emitted in.
var contextKeys = []ContextKey{RunIDKey, JobIDKey, SymbolKey, TimeframeKey}

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newManager(cfg, writer), nil
}

// NewWithWriter builds a manager that writes to w. Used by tests and the CLI
// when output must be captured.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	return newManager(cfg, nopWriteCloser{w})
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	baseAttrs := make([]slog.Attr, 0, len(cfg.ContextFields))
	for key, value := range cfg.ContextFields {
		baseAttrs = append(baseAttrs, slog.String(key, value))
	}
	if len(baseAttrs) > 0 {
		handler = handler.WithAttrs(baseAttrs)
	}

	return &LoggerManager{
		baseLogger:     slog.New(handler),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a cached logger tagged with component.
func (lm *LoggerManager) GetComponentLogger(component string) *slog.Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if cached, ok := lm.componentCache[component]; ok {
		return cached
	}
	l := lm.baseLogger.With(slog.String("component", component))
	lm.componentCache[component] = l
	return l
}

// SetDefault installs the base logger as the slog default.
func (lm *LoggerManager) SetDefault() {
	slog.SetDefault(lm.baseLogger)
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// WithRunID adds the run id to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithSeries adds the symbol and timeframe to the context.
func WithSeries(ctx context.Context, symbol, timeframe string) context.Context {
	ctx = context.WithValue(ctx, SymbolKey, symbol)
	return context.WithValue(ctx, TimeframeKey, timeframe)
}

// GetRunID extracts the run id from context
func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(RunIDKey).(string)
	return v
}

// GetJobID extracts the job ID from context
func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

// contextAttrs extracts logging attributes from context
func contextAttrs(ctx context.Context) []any {
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// FromContext returns logger enriched with the identifiers carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// TimedOperation logs an operation with automatic timing
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	l := FromContext(ctx, logger)

	err := fn()
	duration := time.Since(start)
	if err != nil {
		l.Error("Operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	l.Info("Operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}
