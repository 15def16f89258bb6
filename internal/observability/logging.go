// Package observability provides structured logging and Prometheus
// metrics for the gateway.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with query correlation and sensitive-data redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// QueryIDKey is the context key for pipeline query ids.
	QueryIDKey ContextKey = "query_id"

	// BotUUIDKey is the context key for bot uuids.
	BotUUIDKey ContextKey = "bot_uuid"

	// PipelineKey is the context key for pipeline uuids.
	PipelineKey ContextKey = "pipeline"

	// SessionKey is the context key for session ids.
	SessionKey ContextKey = "session"
)

// defaultRedactPatterns covers API keys, bot tokens and JWTs so they
// never reach a log sink.
var defaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey|secret|token|password)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`xox[baprs]-[a-zA-Z0-9-]{10,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger creates a structured logger. Empty config fields fall back
// to info level, JSON format and stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns))
	for _, pattern := range defaultRedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// Slog returns the underlying slog.Logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// WithFields returns a logger with the given fields on every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

// Debug logs at debug level with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with optional key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+8)
	for _, key := range []ContextKey{QueryIDKey, BotUUIDKey, PipelineKey, SessionKey} {
		if v := ctx.Value(key); v != nil {
			attrs = append(attrs, string(key), v)
		}
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithQueryID attaches a query id to the context for log correlation.
func WithQueryID(ctx context.Context, queryID uint64) context.Context {
	return context.WithValue(ctx, QueryIDKey, queryID)
}

// WithBotUUID attaches a bot uuid to the context.
func WithBotUUID(ctx context.Context, botUUID string) context.Context {
	return context.WithValue(ctx, BotUUIDKey, botUUID)
}

// WithPipeline attaches a pipeline uuid to the context.
func WithPipeline(ctx context.Context, pipelineUUID string) context.Context {
	return context.WithValue(ctx, PipelineKey, pipelineUUID)
}

// LogLevelFromString converts a string to a slog.Level, defaulting to
// info for unrecognized input.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
