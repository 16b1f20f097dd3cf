package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeBatch, false},
		{LevelPhase, ScopeCommand, true},
		{LevelError, ScopeBatch, false},
		{LevelPhase, ScopeVariant, true},
		{LevelPhase, ScopeJob, false},
		{LevelDetail, ScopeJob, true},
		{LevelDetail, ScopeLayout, false},
		{LevelDebug, ScopeLayout, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Errorf("%s.ShouldEmit(%s) = %v, want %v", tt.level, tt.scope, got, tt.want)
		}
	}
	errEv := &Event{Kind: KindError, Scope: ScopeLayout}
	if !LevelError.Allows(errEv) {
		t.Error("LevelError drops error events")
	}
	if LevelOff.Allows(errEv) {
		t.Error("LevelOff lets error events through")
	}
}

func TestParseLevelAndMode(t *testing.T) {
	if l, err := ParseLevel("DETAIL"); err != nil || l != LevelDetail {
		t.Errorf("ParseLevel(DETAIL) = %v, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted junk")
	}
	if m, err := ParseMode("both"); err != nil || m != ModeBoth {
		t.Errorf("ParseMode(both) = %v, %v", m, err)
	}
	if f, err := ParseFormat("ndjson"); err != nil || f != FormatNDJSON {
		t.Errorf("ParseFormat(ndjson) = %v, %v", f, err)
	}
}

func TestStreamTracerSpans(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelDetail, FormatNDJSON)

	batch := Begin(tr, ScopeBatch, "batch", 0)
	job := Begin(tr, ScopeJob, "job:libfoo.so", batch.ID())
	Point(tr, ScopeLayout, "load[1]", "0x1040 -> 0x2040", job.ID())
	Error(tr, ScopeJob, "job:libfoo.so", "malformed", job.ID())
	job.WithExtra("variant", "x86").End("failed")
	batch.End("")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d events, want 5 (layout point filtered):\n%s", len(lines), buf.String())
	}
	var ev struct {
		Kind     string            `json:"kind"`
		Scope    string            `json:"scope"`
		ParentID uint64            `json:"parent_id"`
		Extra    map[string]string `json:"extra"`
	}
	if err := json.Unmarshal([]byte(lines[3]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "end" || ev.Extra["variant"] != "x86" || ev.ParentID != batch.ID() {
		t.Errorf("job end event = %+v", ev)
	}
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil || ev.Kind != "error" {
		t.Errorf("error event = %+v, %v", ev, err)
	}
}

func TestRingTracerWraps(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	for i := 0; i < 5; i++ {
		Point(r, ScopeJob, "p", string(rune('a'+i)), 0)
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d events, want 3", len(snap))
	}
	if snap[0].Detail != "c" || snap[2].Detail != "e" {
		t.Errorf("snapshot order = %q..%q", snap[0].Detail, snap[2].Detail)
	}
	if r.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", r.Dropped())
	}
	var out bytes.Buffer
	if err := r.Dump(&out, FormatText); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "\n") != 3 || !strings.Contains(out.String(), "[job]") {
		t.Errorf("dump = %q", out.String())
	}
}

func TestNewModes(t *testing.T) {
	if tr, err := New(Config{Level: LevelOff}); err != nil || tr.Enabled() {
		t.Errorf("off tracer = %v, %v", tr, err)
	}
	var buf bytes.Buffer
	tr, err := New(Config{Level: LevelPhase, Mode: ModeBoth, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	Begin(tr, ScopeBatch, "batch", 0).End("")
	if RingOf(tr) == nil || len(RingOf(tr).Snapshot()) != 2 {
		t.Error("ring half of ModeBoth did not record")
	}
	if !strings.Contains(buf.String(), "batch") {
		t.Errorf("stream half wrote %q", buf.String())
	}
	if _, err := New(Config{Level: LevelPhase}); err == nil {
		t.Error("zero mode accepted")
	}
}

func TestContextPropagation(t *testing.T) {
	if FromContext(context.Background()) != Nop {
		t.Error("empty context does not yield Nop")
	}
	r := NewRingTracer(16, LevelPhase)
	ctx := WithTracer(context.Background(), r)
	if FromContext(ctx) != Tracer(r) {
		t.Error("tracer not propagated")
	}

	cmd, ctx := StartSpan(ctx, ScopeCommand, "align")
	batch, bctx := StartSpan(ctx, ScopeBatch, "batch")
	// jobs are filtered at LevelPhase, so their children hang off the batch
	job, jctx := StartSpan(bctx, ScopeJob, "job:libfoo.so")
	if job.ID() != 0 || jctx != bctx {
		t.Errorf("filtered span = %d, context replaced", job.ID())
	}
	variant, _ := StartSpan(jctx, ScopeVariant, "variant:x86")
	variant.End("")
	job.End("")
	batch.End("")
	cmd.End("")

	parents := map[string]uint64{}
	for _, ev := range r.Snapshot() {
		if ev.Kind == KindSpanBegin {
			parents[ev.Name] = ev.ParentID
		}
	}
	if parents["align"] != 0 || parents["batch"] != cmd.ID() || parents["variant:x86"] != batch.ID() {
		t.Errorf("parents = %v (align=%d batch=%d)", parents, cmd.ID(), batch.ID())
	}
	if _, ok := parents["job:libfoo.so"]; ok {
		t.Error("filtered job span was recorded")
	}
	if ParentID(context.Background()) != 0 {
		t.Error("root context carries a parent")
	}
}

func TestSessionShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	s, err := Open(Config{Level: LevelError, Mode: ModeStream, Output: &buf, Heartbeat: 2 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "heartbeat") {
		t.Errorf("stream = %q, want heartbeat events", buf.String())
	}

	off, err := Open(Config{Level: LevelOff, Heartbeat: time.Millisecond})
	if err != nil || off.Enabled() {
		t.Fatalf("off session = %v, %v", off, err)
	}
	if err := off.Shutdown(); err != nil {
		t.Error(err)
	}
}

func TestHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRingTracer(16, LevelError)
	h := StartHeartbeat(r, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	h.Stop()
	h.Stop()
	found := false
	for _, ev := range r.Snapshot() {
		if ev.Kind == KindHeartbeat {
			found = true
		}
	}
	if !found {
		t.Error("no heartbeat recorded")
	}
	if StartHeartbeat(Nop, time.Millisecond) != nil {
		t.Error("heartbeat started on disabled tracer")
	}
}
