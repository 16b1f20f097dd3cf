package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"soalign/internal/trace"
)

// setupTracing inspects trace-related flags and attaches a tracer to the
// command context. It returns a cleanup function and the tracer itself.
func setupTracing(cmd *cobra.Command) (trace.Tracer, func(), error) {
	root := cmd.Root()

	traceOutput, err := root.PersistentFlags().GetString("trace")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace flag: %w", err)
	}
	levelStr, err := root.PersistentFlags().GetString("trace-level")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace-level flag: %w", err)
	}
	modeStr, err := root.PersistentFlags().GetString("trace-mode")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace-mode flag: %w", err)
	}
	ringSize, err := root.PersistentFlags().GetInt("trace-ring-size")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
	}
	heartbeatInterval, err := root.PersistentFlags().GetDuration("trace-heartbeat")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid trace level: %w", err)
	}
	// --trace without an explicit level means phase tracing
	if level == trace.LevelOff && traceOutput != "" {
		level = trace.LevelPhase
	}
	if level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return trace.Nop, func() {}, nil
	}

	mode, err := trace.ParseMode(modeStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid trace mode: %w", err)
	}
	if traceOutput != "" && mode == trace.ModeRing {
		mode = trace.ModeBoth
	}

	session, err := trace.Open(trace.Config{
		Level:      level,
		Mode:       mode,
		OutputPath: traceOutput,
		RingSize:   ringSize,
		Heartbeat:  heartbeatInterval,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	cmd.SetContext(trace.WithTracer(cmd.Context(), session.Tracer))

	cleanup := func() {
		if err := session.Shutdown(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: shutdown error: %v\n", err)
		}
	}
	return session.Tracer, cleanup, nil
}

// dumpTraceRing writes the events kept in memory to w. It is used after a
// failed run so the lead-up to each failure is visible without a trace file.
func dumpTraceRing(w io.Writer, tracer trace.Tracer) {
	ring := trace.RingOf(tracer)
	if ring == nil {
		return
	}
	events := ring.Snapshot()
	if len(events) == 0 {
		return
	}
	if dropped := ring.Dropped(); dropped > 0 {
		fmt.Fprintf(w, "--- last %d trace events (%d earlier dropped) ---\n", len(events), dropped)
	} else {
		fmt.Fprintf(w, "--- last %d trace events ---\n", len(events))
	}
	if err := ring.Dump(w, trace.FormatText); err != nil {
		fmt.Fprintf(w, "trace: dump error: %v\n", err)
	}
}
