package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries one line per
// inbound MQTT message (topic and payload size). The value -8 matches
// the convention other slog extensions use for trace.
const LevelTrace = slog.Level(-8)

// LevelNone sits above every level a handler emits, silencing output.
// It stands in for the "no logging" verbosity of ESPresense setups.
const LevelNone = slog.Level(16)

// logLevels maps accepted log_level spellings to slog levels. The empty
// string selects info.
var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
	"none":    LevelNone,
	"off":     LevelNone,
}

// ParseLogLevel converts a case-insensitive log_level value to an
// [slog.Level]: trace (wire traffic), debug (table mutations), info
// (connection transitions), warn (dropped payloads), error, or none.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error, none)", s)
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that prints [LevelTrace] as "TRACE" instead of slog's "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
