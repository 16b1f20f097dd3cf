// Package trace provides structured tracing for soalign runs.
//
// A command emits nested spans (command → batch → variant → job) plus point
// events for layout decisions and failures, so a slow or stuck run can be
// diagnosed after the fact.
//
// # Usage
//
// Enable tracing via command-line flags:
//
//	soalign align --trace=- --trace-level=detail ./libs ./out
//
// # Architecture
//
//   - Nop: zero-overhead tracer when disabled
//   - StreamTracer: immediate write to output (file/stderr)
//   - RingTracer: circular buffer dumped when a run fails
//   - MultiTracer: combines multiple tracers
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: failure events only
//   - LevelPhase: command, batch and variant boundaries
//   - LevelDetail: per-job events
//   - LevelDebug: everything, including per-segment layout decisions
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span, ctx := trace.StartSpan(ctx, trace.ScopeBatch, "batch")
//	defer span.End("")
//
// Spans started from the returned ctx nest under span. Code that tracks its
// own parents uses Begin with an explicit parent ID.
package trace
