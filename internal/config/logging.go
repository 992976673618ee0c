package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is a custom log level below Debug for wire-level forensics.
const LevelTrace = slog.Level(-8)

// LevelFatal is a custom log level above Error, for the handful of
// startup failures that end with os.Exit (config load, listener bind,
// cache open). Logging at this level never exits by itself; callers
// still call os.Exit themselves after the log line is written, same
// as any other Error. It exists so internal/logsink's on-disk record
// can distinguish "something failed and we kept going" from
// "the process is about to die" per spec.md §6's DEBUG/INFO/WARN/
// ERROR/FATAL level set.
const LevelFatal = slog.Level(12)

// ParseLogLevel converts a string to a slog.Level.
// Supported values: trace, debug, info, warn, error, fatal (case-insensitive).
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error, fatal)", s)
	}
}

// ReplaceLogLevelNames customizes the level name for the Trace and
// Fatal custom levels in log output; slog's built-in names already
// cover Debug/Info/Warn/Error.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok {
			if name := LevelName(level); name != "" {
				a.Value = slog.StringValue(name)
			}
		}
	}
	return a
}

// LevelName returns the display name for level, including the Trace
// and Fatal custom levels, or "" for a level slog already names
// correctly on its own (Debug/Info/Warn/Error at their exact values).
// internal/logsink uses this directly to render its on-disk record
// format, independent of whichever slog.Handler is writing to
// stdout/stderr.
func LevelName(level slog.Level) string {
	switch {
	case level == LevelTrace:
		return "TRACE"
	case level == LevelFatal:
		return "FATAL"
	default:
		return ""
	}
}
