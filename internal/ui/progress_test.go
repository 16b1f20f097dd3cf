package ui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"soalign/internal/batch"
)

func TestProgressModelCountsPerVariant(t *testing.T) {
	events := make(chan batch.Event)
	m := NewProgressModel("aligning", []string{"arm64-v8a", "x86"}, 2, events, nil).(*progressModel)

	feed := []batch.Event{
		{File: "libfoo.so", Variant: "arm64-v8a", Status: batch.StatusQueued},
		{File: "libfoo.so", Variant: "arm64-v8a", Stage: batch.StageRead, Status: batch.StatusWorking},
		{File: "libfoo.so", Variant: "arm64-v8a", Stage: batch.StageWrite, Status: batch.StatusDone, Snapshot: batch.Snapshot{Completed: 1, Total: 4, Succeeded: 1}},
		{File: "libbar.so", Variant: "arm64-v8a", Stage: batch.StageParse, Status: batch.StatusError, Err: errors.New("bad"), Snapshot: batch.Snapshot{Completed: 2, Total: 4, Succeeded: 1, Failed: 1}},
		{File: "libfoo.so", Variant: "x86", Stage: batch.StageParse, Status: batch.StatusSkipped, Snapshot: batch.Snapshot{Completed: 3, Total: 4, Succeeded: 1, Failed: 1, Skipped: 1}},
	}
	for _, ev := range feed {
		m.Update(eventMsg(ev))
	}

	if got := m.variants[0]; got.ok != 1 || got.failed != 1 {
		t.Errorf("arm64 row = %+v", got)
	}
	if got := m.variants[1]; got.skipped != 1 {
		t.Errorf("x86 row = %+v", got)
	}
	if m.snap.Completed != 3 {
		t.Errorf("snapshot = %+v", m.snap)
	}
	if len(m.recent) != 3 {
		t.Errorf("recent = %+v, want one line per job", m.recent)
	}

	view := m.View()
	for _, want := range []string{"(3/4)", "arm64-v8a", "libbar.so", "skipped"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	_, cmd := m.Update(doneMsg{})
	if cmd == nil {
		t.Fatal("done did not quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("done command is not tea.Quit")
	}
	if !strings.Contains(m.View(), "done:") {
		t.Error("final view lacks done marker")
	}
}

func TestProgressModelCancelKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
		{Type: tea.KeyRunes, Runes: []rune("q")},
	} {
		cancels := 0
		m := NewProgressModel("aligning", []string{"arm64-v8a"}, 3, make(chan batch.Event), func() { cancels++ }).(*progressModel)

		if _, cmd := m.Update(key); cmd != nil {
			t.Errorf("%s: first press returned a command, want to keep rendering", key)
		}
		if cancels != 1 || !m.cancelling {
			t.Errorf("%s: cancels = %d, cancelling = %v", key, cancels, m.cancelling)
		}
		if !strings.Contains(m.View(), "cancelling") {
			t.Errorf("%s: view lacks cancelling marker:\n%s", key, m.View())
		}

		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("%s: second press did not quit", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s: second press command is not tea.Quit", key)
		}
		if cancels != 1 {
			t.Errorf("%s: cancel called %d times", key, cancels)
		}
	}

	m := NewProgressModel("aligning", []string{"arm64-v8a"}, 1, make(chan batch.Event), nil)
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Error("ctrl+c without a cancel func did not quit")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")}); cmd != nil {
		t.Error("unrelated key produced a command")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("lib/very/long/path/libfoo.so", 10); got != "lib/ver..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
