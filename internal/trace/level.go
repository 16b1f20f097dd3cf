package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	// LevelOff disables tracing.
	LevelOff    Level = iota
	LevelError        // failure events only
	LevelPhase        // batch + variant boundaries
	LevelDetail       // per-job events
	LevelDebug        // everything including layout decisions
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelPhase:
		return "phase"
	case LevelDetail:
		return "detail"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "off":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "phase":
		return LevelPhase, nil
	case "detail":
		return LevelDetail, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|phase|detail|debug)", s)
	}
}

// ShouldEmit returns true if span and point events of the given scope are
// recorded at this level.
func (l Level) ShouldEmit(scope Scope) bool {
	switch l {
	case LevelPhase:
		return scope <= ScopeVariant
	case LevelDetail:
		return scope <= ScopeJob
	case LevelDebug:
		return true
	}
	return false
}

// Allows applies ShouldEmit and lets errors and heartbeats through whenever
// tracing is on.
func (l Level) Allows(ev *Event) bool {
	if l == LevelOff {
		return false
	}
	if ev.Kind == KindError || ev.Kind == KindHeartbeat {
		return true
	}
	return l.ShouldEmit(ev.Scope)
}
