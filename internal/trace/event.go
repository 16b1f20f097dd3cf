package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	// KindSpanBegin marks the start of a logical operation.
	KindSpanBegin Kind = iota + 1
	// KindSpanEnd marks the end of a logical operation.
	KindSpanEnd
	// KindPoint represents an instant event.
	KindPoint
	KindHeartbeat // periodic liveness signal
	// KindError records a failure; emitted at every level above LevelOff.
	KindError
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity level of the event.
// Lower numeric values represent coarser events.
type Scope uint8

const (
	ScopeCommand Scope = iota + 1 // one CLI invocation
	ScopeBatch                    // whole run
	ScopeVariant                  // one target variant
	ScopeJob                      // one (library, variant) pair
	ScopeLayout                   // per-segment layout decisions
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeCommand:
		return "command"
	case ScopeBatch:
		return "batch"
	case ScopeVariant:
		return "variant"
	case ScopeJob:
		return "job"
	case ScopeLayout:
		return "layout"
	default:
		return "unknown"
	}
}

// Event represents a single trace event.
type Event struct {
	Time     time.Time         // wall-clock timestamp
	Seq      uint64            // global sequence number (monotonic)
	Kind     Kind              // event kind
	Scope    Scope             // granularity level
	SpanID   uint64            // unique span identifier
	ParentID uint64            // parent span (0 if root)
	GID      uint64            // goroutine ID (for concurrent spans)
	Name     string            // e.g. "align", "batch", "variant:x86", "job:libfoo.so"
	Detail   string            // optional detail message
	Extra    map[string]string // extensible key-value pairs
}

// Point emits an instant event under parent.
func Point(t Tracer, scope Scope, name, detail string, parent uint64) {
	emitInstant(t, KindPoint, scope, name, detail, parent)
}

// Error emits a failure event under parent.
func Error(t Tracer, scope Scope, name, detail string, parent uint64) {
	emitInstant(t, KindError, scope, name, detail, parent)
}

func emitInstant(t Tracer, kind Kind, scope Scope, name, detail string, parent uint64) {
	if t == nil || !t.Enabled() {
		return
	}
	ev := &Event{
		Time:     time.Now(),
		Kind:     kind,
		Scope:    scope,
		ParentID: parent,
		GID:      goroutineID(),
		Name:     name,
		Detail:   detail,
	}
	if !t.Level().Allows(ev) {
		return
	}
	t.Emit(ev)
}
