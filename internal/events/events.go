// Package events is the narrow progress and diagnostics channel of the build
// core. The core emits typed events; hosts decide where they go by
// registering handlers on a Sink.
package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Level orders events by severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name to a Level. "warn" is accepted for warning.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("unknown event level %q", s)
}

// SlogLevel converts l to the matching slog level. Critical sits above
// slog.LevelError.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Event is anything the core reports.
type Event interface {
	Level() Level
	Message() string
}

// Handler receives events that pass its level filter.
type Handler func(Event)

type registration struct {
	min     Level
	handler Handler
}

// Sink fans events out to registered handlers. The zero value drops
// everything and is ready to use.
type Sink struct {
	mu       sync.RWMutex
	handlers []registration
}

// Register installs h for events at level min or above.
func (s *Sink) Register(min Level, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, registration{min: min, handler: h})
}

// Emit delivers ev to every matching handler, in registration order.
func (s *Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	s.mu.RLock()
	regs := s.handlers
	s.mu.RUnlock()
	for _, r := range regs {
		if ev.Level() >= r.min {
			r.handler(ev)
		}
	}
}

// Logf emits a free-form message at level.
func (s *Sink) Logf(level Level, format string, args ...any) {
	s.Emit(Log{Lvl: level, Text: fmt.Sprintf(format, args...)})
}
