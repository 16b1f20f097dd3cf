package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Tracer receives trace events. Implementations are safe for concurrent use.
type Tracer interface {
	Emit(ev *Event)
	Flush() error
	Close() error
	Level() Level
	// Enabled reports Level() > LevelOff.
	Enabled() bool
}

// StorageMode selects where events go.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1 // written as they happen
	ModeRing                          // kept in memory, dumped on failure
	ModeBoth
)

var modeNames = [...]string{ModeStream: "stream", ModeRing: "ring", ModeBoth: "both"}

func (m StorageMode) String() string {
	if int(m) < len(modeNames) && modeNames[m] != "" {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode converts a flag value to a StorageMode.
func ParseMode(s string) (StorageMode, error) {
	for m, name := range modeNames {
		if name != "" && strings.EqualFold(s, name) {
			return StorageMode(m), nil
		}
	}
	return ModeRing, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both)", s)
}

// DefaultRingSize is the ring capacity used when Config.RingSize is unset.
const DefaultRingSize = 4096

// Config describes a tracer built from command-line flags.
type Config struct {
	Level Level
	Mode  StorageMode
	// Format applies to the stream; FormatAuto picks NDJSON for .ndjson and
	// .jsonl paths and text otherwise.
	Format Format
	// Output overrides OutputPath. An empty path or "-" means stderr.
	Output     io.Writer
	OutputPath string
	RingSize   int
	// Heartbeat is the liveness interval used by Open; 0 disables it.
	Heartbeat time.Duration
}

// New builds the tracer described by cfg. LevelOff yields Nop.
func New(cfg Config) (Tracer, error) {
	if cfg.Level == LevelOff {
		return Nop, nil
	}
	size := cfg.RingSize
	if size <= 0 {
		size = DefaultRingSize
	}

	switch cfg.Mode {
	case ModeRing:
		return NewRingTracer(size, cfg.Level), nil
	case ModeStream, ModeBoth:
		w, err := outputWriter(cfg)
		if err != nil {
			return nil, err
		}
		stream := NewStreamTracer(w, cfg.Level, streamFormat(cfg))
		if cfg.Mode == ModeStream {
			return stream, nil
		}
		return NewMultiTracer(cfg.Level, stream, NewRingTracer(size, cfg.Level)), nil
	default:
		return nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
	}
}

// Session is a tracer opened for one command together with its heartbeat.
type Session struct {
	Tracer
	heartbeat *Heartbeat
}

// Open builds the tracer described by cfg and starts its heartbeat.
func Open(cfg Config) (*Session, error) {
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Session{Tracer: t, heartbeat: StartHeartbeat(t, cfg.Heartbeat)}, nil
}

// Shutdown stops the heartbeat, then flushes and closes the tracer.
func (s *Session) Shutdown() error {
	s.heartbeat.Stop()
	return errors.Join(s.Flush(), s.Close())
}

func streamFormat(cfg Config) Format {
	if cfg.Format != FormatAuto {
		return cfg.Format
	}
	for _, ext := range []string{".ndjson", ".jsonl"} {
		if strings.HasSuffix(cfg.OutputPath, ext) {
			return FormatNDJSON
		}
	}
	return FormatText
}

func outputWriter(cfg Config) (io.Writer, error) {
	switch {
	case cfg.Output != nil:
		return cfg.Output, nil
	case cfg.OutputPath == "" || cfg.OutputPath == "-":
		return os.Stderr, nil
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("open trace output: %w", err)
	}
	return f, nil
}

func isStdStream(w io.Writer) bool {
	return w == os.Stderr || w == os.Stdout
}
