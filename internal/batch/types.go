package batch

import "time"

// Stage describes a step of one alignment job.
type Stage string

const (
	// StageRead loads the source library.
	StageRead Stage = "read"
	// StageParse decodes the ELF container.
	StageParse Stage = "parse"
	// StageAlign computes the new layout.
	StageAlign Stage = "align"
	// StageWrite serializes and atomically replaces the output.
	StageWrite Stage = "write"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageRead, StageParse, StageAlign, StageWrite}

// Status captures progress state of one job.
type Status string

const (
	// StatusQueued indicates the job is waiting to start.
	StatusQueued Status = "queued"
	// StatusWorking indicates the job is running.
	StatusWorking Status = "working"
	// StatusDone indicates the output was written.
	StatusDone Status = "done"
	// StatusCached indicates an up-to-date output was already in place.
	StatusCached Status = "cached"
	// StatusSkipped indicates the library belongs to another variant.
	StatusSkipped Status = "skipped"
	// StatusError indicates the job failed.
	StatusError Status = "error"
)

// Finished reports whether s is a terminal status.
func (s Status) Finished() bool {
	switch s {
	case StatusDone, StatusCached, StatusSkipped, StatusError:
		return true
	}
	return false
}

// Snapshot is an immutable view of batch progress.
type Snapshot struct {
	Completed int
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Cached    int
}

// Fraction returns Completed/Total in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

// Event reports progress of one (library, variant) job.
type Event struct {
	File     string
	Variant  string
	Stage    Stage
	Status   Status
	Err      error
	Elapsed  time.Duration
	Snapshot Snapshot
}

// ProgressSink consumes progress events. Events are delivered one at a time.
type ProgressSink interface {
	OnEvent(Event)
}

// Timings holds stage durations summed over every job.
type Timings struct {
	stages map[Stage]time.Duration
}

func (t *Timings) ensure() {
	if t.stages == nil {
		t.stages = make(map[Stage]time.Duration)
	}
}

// Set stores a duration for the given stage.
func (t *Timings) Set(stage Stage, dur time.Duration) {
	if t == nil {
		return
	}
	t.ensure()
	t.stages[stage] = dur
}

// Add accumulates dur into stage.
func (t *Timings) Add(stage Stage, dur time.Duration) {
	if t == nil {
		return
	}
	t.ensure()
	t.stages[stage] += dur
}

// Has reports whether a duration for stage is recorded.
func (t Timings) Has(stage Stage) bool {
	if t.stages == nil {
		return false
	}
	_, ok := t.stages[stage]
	return ok
}

// Duration returns the recorded duration for stage.
func (t Timings) Duration(stage Stage) time.Duration {
	if t.stages == nil {
		return 0
	}
	return t.stages[stage]
}

// Sum returns the sum of durations across the provided stages.
func (t Timings) Sum(stages ...Stage) time.Duration {
	if t.stages == nil {
		return 0
	}
	var total time.Duration
	for _, stage := range stages {
		total += t.stages[stage]
	}
	return total
}
