package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level      string
	Format     string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	defaultLogger *slog.Logger
	once          sync.Once
	closers       []io.Closer
)

// Init configures the global logger instance.
func Init(cfg Config) error {
	once.Do(func() {
		level := parseLevel(cfg.Level)
		handlerOpts := &slog.HandlerOptions{Level: level}

		writer := io.Writer(os.Stdout)
		if cfg.Path != "" && !strings.EqualFold(cfg.Path, "stdout") {
			rotator := &lumberjack.Logger{
				Filename:   cfg.Path,
				MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
				MaxBackups: defaultInt(cfg.MaxBackups, 7),
				MaxAge:     defaultInt(cfg.MaxAgeDays, 30),
				Compress:   true,
			}
			closers = append(closers, rotator)
			writer = io.MultiWriter(os.Stdout, rotator)
		}

		if strings.EqualFold(cfg.Format, "text") {
			defaultLogger = slog.New(slog.NewTextHandler(writer, handlerOpts))
			return
		}
		defaultLogger = slog.New(slog.NewJSONHandler(writer, handlerOpts))
	})
	if defaultLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
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

// L returns the structured logger instance.
func L() *slog.Logger {
	if defaultLogger == nil {
		_ = Init(Config{})
	}
	return defaultLogger
}

// Named returns a child logger with the provided component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
