package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func NewLogger(level string, serviceName string, env string) *slog.Logger {
	return newLogger(os.Stdout, level, serviceName, env)
}

// NewLoggerWithFile tees JSON logs to stdout and a size-rotated file. The
// returned closer flushes and closes the file.
func NewLoggerWithFile(level, serviceName, env string, file FileOptions) (*slog.Logger, io.Closer) {
	if strings.TrimSpace(file.Path) == "" {
		return NewLogger(level, serviceName, env), nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}
	return newLogger(io.MultiWriter(os.Stdout, rotator), level, serviceName, env), rotator
}

func newLogger(w io.Writer, level, serviceName, env string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
