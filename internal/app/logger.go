package app

import (
	"io"
	"log/slog"

	"github.com/vk/aqlbuild/internal/events"
)

// newLogger creates the slog.Logger of one invocation. Levels follow the
// event levels so critical build events stay distinguishable from errors.
// It does not set the global logger, allowing for isolated logger instances.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	level, err := events.ParseLevel(levelStr)
	if err != nil {
		level = events.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       level.SlogLevel(),
		ReplaceAttr: criticalLevelName,
	}
	var handler slog.Handler
	if formatStr == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}

// criticalLevelName prints the level above ERROR as CRITICAL instead of
// slog's default "ERROR+4".
func criticalLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= events.LevelCritical.SlogLevel() {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}
