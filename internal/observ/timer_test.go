package observ

import (
	"strings"
	"testing"
	"time"
)

func TestTimerReport(t *testing.T) {
	tm := NewTimer()
	idx := tm.Begin("discover")
	tm.End(idx, "3 libraries")
	tm.Record("variant arm64-v8a", 2*time.Millisecond, "")
	tm.End(99, "ignored")

	r := tm.Report()
	if len(r.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(r.Phases))
	}
	if r.Phases[0].Note != "3 libraries" || r.Phases[1].DurationMS != 2 {
		t.Errorf("report = %+v", r)
	}
	if r.TotalMS < 2 {
		t.Errorf("total = %v", r.TotalMS)
	}
	s := tm.Summary()
	if !strings.Contains(s, "discover") || !strings.Contains(s, "// 3 libraries") || !strings.Contains(s, "total") {
		t.Errorf("summary = %q", s)
	}
}

func TestNilTimer(t *testing.T) {
	var tm *Timer
	tm.End(tm.Begin("x"), "")
	if len(tm.Report().Phases) != 0 {
		t.Error("nil timer reported phases")
	}
}
