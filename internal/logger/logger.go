// Package logger provides structured logging with context propagation. It
// builds log/slog handlers from configuration, rotates log files through
// lumberjack, and hands out component loggers that pick up run, market and
// kind attributes from the context.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// RunIDKey identifies one sync or poller run
	RunIDKey ContextKey = "run_id"
	// MarketKey is the market being processed
	MarketKey ContextKey = "market"
	// KindKey is the record kind being processed
	KindKey ContextKey = "kind"
	// OperationKey is the operation name
	OperationKey ContextKey = "operation"
)

var contextKeys = []ContextKey{RunIDKey, MarketKey, KindKey, OperationKey}

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// ComponentLogger represents a logger for a specific component
type ComponentLogger struct {
	*slog.Logger
	component string
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newManager(cfg, writer), nil
}

// NewLoggerManagerWithWriter builds a manager that writes to w, ignoring the
// configured output.
func NewLoggerManagerWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	return newManager(cfg, nopWriteCloser{w})
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
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

	// sorted so the attribute order is stable across runs
	keys := make([]string, 0, len(cfg.ContextFields))
	for key := range cfg.ContextFields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	baseAttrs := make([]slog.Attr, 0, len(keys))
	for _, key := range keys {
		baseAttrs = append(baseAttrs, slog.String(key, cfg.ContextFields[key]))
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

		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
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

// nopWriteCloser wraps an io.Writer to provide a Close method
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
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

// GetComponentLogger returns a logger tagged with the component name
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cached, exists := lm.componentCache[component]
	if !exists {
		cached = lm.baseLogger.With(slog.String("component", component))
		lm.componentCache[component] = cached
	}
	return &ComponentLogger{Logger: cached, component: component}
}

// NewComponentLogger tags an existing logger with a component name. A nil
// logger discards output.
func NewComponentLogger(base *slog.Logger, component string) *ComponentLogger {
	if base == nil {
		base = Discard()
	}
	return &ComponentLogger{Logger: base.With(slog.String("component", component)), component: component}
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// extractContextAttributes extracts logging attributes from context
func extractContextAttributes(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithMarket adds a market to the context
func WithMarket(ctx context.Context, market string) context.Context {
	return context.WithValue(ctx, MarketKey, market)
}

// WithKind adds a record kind to the context
func WithKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, KindKey, kind)
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// Component returns the component name
func (cl *ComponentLogger) Component() string {
	return cl.component
}

// ErrorWithContext logs an error with full context information
func (cl *ComponentLogger) ErrorWithContext(ctx context.Context, msg string, err error, args ...any) {
	attrs := extractContextAttributes(ctx)
	attrs = append(attrs, slog.Any("error", err))
	attrs = append(attrs, args...)
	cl.Error(msg, attrs...)
}

// LogError logs err with its classification. Retryable errors are logged at
// WARN since another attempt follows; everything else at ERROR.
func (cl *ComponentLogger) LogError(ctx context.Context, msg string, err error, args ...any) {
	attrs := extractContextAttributes(ctx)

	var ce *apperrors.ClassifiedError
	if !errors.As(err, &ce) {
		attrs = append(attrs, slog.Any("error", err))
		cl.Error(msg, append(attrs, args...)...)
		return
	}

	attrs = append(attrs,
		slog.Any("error", ce.Err),
		slog.String("error_type", string(ce.Type)),
		slog.String("severity", ce.Severity.String()),
		slog.Bool("retryable", ce.Retryable))
	attrs = append(attrs, args...)
	if ce.Retryable {
		cl.Warn(msg, attrs...)
		return
	}
	cl.Error(msg, attrs...)
}

// WarnWithContext logs a warning with full context information
func (cl *ComponentLogger) WarnWithContext(ctx context.Context, msg string, args ...any) {
	cl.Warn(msg, append(extractContextAttributes(ctx), args...)...)
}

// InfoWithContext logs info with full context information
func (cl *ComponentLogger) InfoWithContext(ctx context.Context, msg string, args ...any) {
	cl.Info(msg, append(extractContextAttributes(ctx), args...)...)
}

// DebugWithContext logs debug information with full context
func (cl *ComponentLogger) DebugWithContext(ctx context.Context, msg string, args ...any) {
	cl.Debug(msg, append(extractContextAttributes(ctx), args...)...)
}

// TimedOperation runs fn and logs its outcome and duration.
func (cl *ComponentLogger) TimedOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		cl.ErrorWithContext(ctx, "operation failed", err,
			slog.String("operation", operation),
			slog.Duration("duration", duration))
		return err
	}

	cl.DebugWithContext(ctx, "operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}

// Discard returns a logger that drops everything. Handy for tests and for
// optional collaborators constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
