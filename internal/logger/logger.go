// Package logger builds sandboxd's process-wide structured logger straight
// off its server configuration: level and destination come from
// config.Config rather than a standalone pair of arguments, so there is
// exactly one place that decides how sandboxd logs.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/diggerhq/opensandbox/internal/config"
)

// Log is the process-wide logger. It is usable before Init runs (as
// slog.Default()) so early startup errors still print something, and is
// replaced once Init has read the real configuration.
var Log = slog.Default()

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Init builds Log from cfg.LogLevel and cfg.LogFile and installs it as
// slog's own default too, so any library code that logs through the
// top-level slog functions picks up the same level and destination. Call
// it once during startup, after config has been loaded.
func Init(cfg *config.Config) error {
	level, ok := levels[cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	dest, err := destination(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("logger: open %s: %w", cfg.LogFile, err)
	}

	Log = slog.New(slog.NewTextHandler(dest, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: shortenTime,
	}))
	slog.SetDefault(Log)
	return nil
}

// destination returns stdout alone when logFile is empty, or stdout fanned
// out to logFile when one is configured.
func destination(logFile string) (io.Writer, error) {
	if logFile == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return io.MultiWriter(os.Stdout, f), nil
}

// shortenTime drops slog's default RFC3339 timestamp down to HH:MM:SS; the
// date is not written on log lines.
func shortenTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String("time", a.Value.Time().Format("15:04:05"))
	}
	return a
}
