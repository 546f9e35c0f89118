// Package logger builds the application zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"meditrack-server/internal/config"
)

// New builds a logger writing to stdout and, when LOG_FILE is set, to a
// rotated file.
func New(cfg *config.Config) zerolog.Logger {
	return build(cfg, os.Stdout)
}

func build(cfg *config.Config, stdout io.Writer) zerolog.Logger {
	var out io.Writer = stdout
	if strings.EqualFold(cfg.Log.Format, "console") {
		out = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{out}
	if cfg.Log.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Log.Level)).
		With().
		Timestamp().
		Str("service", "meditrack").
		Str("env", cfg.Environment).
		Logger()
}

// ParseLevel falls back to info for unknown levels.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
