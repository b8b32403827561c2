package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Logger wraps slog.Logger with redaction and request correlation.
type Logger struct {
	*slog.Logger
	redactor *Redactor
}

// NewLogger builds a JSON logger at the given level ("debug", "info",
// "warn", "error"; unknown values mean info).
func NewLogger(level string, output io.Writer, redactor *Redactor) *Logger {
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return &Logger{Logger: slog.New(handler), redactor: redactor}
}

// ParseLevel maps a config string to a slog level.
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

// WithRequestID returns a logger annotated with the context's request ID.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return l
	}
	return &Logger{Logger: l.Logger.With("request_id", requestID), redactor: l.redactor}
}

// With returns a logger with additional fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), redactor: l.redactor}
}

// RedactedInfo logs at INFO with secrets masked.
func (l *Logger) RedactedInfo(msg string, args ...any) {
	l.Logger.Info(l.redact(msg), l.redactArgs(args)...)
}

// RedactedWarn logs at WARN with secrets masked.
func (l *Logger) RedactedWarn(msg string, args ...any) {
	l.Logger.Warn(l.redact(msg), l.redactArgs(args)...)
}

// RedactedError logs at ERROR with secrets masked.
func (l *Logger) RedactedError(msg string, args ...any) {
	l.Logger.Error(l.redact(msg), l.redactArgs(args)...)
}

// RedactedDebug logs at DEBUG with secrets masked.
func (l *Logger) RedactedDebug(msg string, args ...any) {
	l.Logger.Debug(l.redact(msg), l.redactArgs(args)...)
}

func (l *Logger) redact(msg string) string {
	if l.redactor == nil {
		return msg
	}
	return l.redactor.Redact(msg)
}

func (l *Logger) redactArgs(args []any) []any {
	if l.redactor == nil {
		return args
	}
	result := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			result[i] = l.redactor.Redact(v)
		case error:
			result[i] = l.redactor.Redact(v.Error())
		default:
			result[i] = arg
		}
	}
	return result
}
