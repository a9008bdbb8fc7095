package observability

import (
	"log/slog"
)

// SlogLogger adapts a slog.Logger to the engine Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the provided slog logger; nil falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Debug logs at debug level.
func (l *SlogLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, attrs(fields)...)
}

// Info logs at info level.
func (l *SlogLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, attrs(fields)...)
}

// Warn logs at warn level.
func (l *SlogLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, attrs(fields)...)
}

// Error logs at error level.
func (l *SlogLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, attrs(fields)...)
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
