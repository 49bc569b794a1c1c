// Package logger builds the service's zap logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Sink is "stdout", "stderr" or "file:/path/to/log". Empty means stdout.
	Sink        string
	Development bool
}

func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

func sinkPath(sink string) (string, error) {
	sink = strings.TrimSpace(sink)
	switch {
	case sink == "", sink == "stdout":
		return "stdout", nil
	case sink == "stderr":
		return "stderr", nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		if path == "" {
			return "", fmt.Errorf("log sink %q has no path", sink)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create log directory: %w", err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("unsupported log sink %q", sink)
	}
}

// New returns a JSON production logger, or a console logger when
// Development is set.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	path, err := sinkPath(opts.Sink)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{path}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// FromEnv builds a logger from MODMAIL_LOG_LEVEL, MODMAIL_LOG_SINK and
// MODMAIL_LOG_DEV. It falls back to a default production logger on bad
// values so a binary can always start.
func FromEnv() *zap.Logger {
	l, err := New(Options{
		Level:       os.Getenv("MODMAIL_LOG_LEVEL"),
		Sink:        os.Getenv("MODMAIL_LOG_SINK"),
		Development: os.Getenv("MODMAIL_LOG_DEV") == "1",
	})
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Warn("logger_config_invalid", zap.Error(err))
		return fallback
	}
	return l
}
