package osgi

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Logger is the structured logger the framework writes through. Arguments
// after the message are alternating key/value pairs, so *slog.Logger
// satisfies it directly:
//
//	logger.Info("Bundle started", "bundle", 3, "symbolicName", "db")
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// NewSlogLogger returns a text slog logger at the named level writing to w.
func NewSlogLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func defaultLogger(level string) Logger {
	return NewSlogLogger(os.Stderr, level)
}

// DiscardLogger drops everything.
func DiscardLogger() Logger {
	return slog.New(slog.DiscardHandler)
}

func parseLevel(level string) slog.Level {
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

// zapLogger adapts a zap logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps l so it can be passed to WithLogger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z *zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
