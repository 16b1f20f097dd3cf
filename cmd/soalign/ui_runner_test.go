package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/goleak"

	"soalign/internal/batch"
	"soalign/internal/variant"
)

// manyJobs returns a request with more jobs than the progress channel holds.
// The files are never read when the batch is cancelled before the first job.
func manyJobs(t *testing.T) *batch.Request {
	t.Helper()
	v, err := variant.Lookup("arm64-v8a")
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	files := make([]string, 300)
	for i := range files {
		files[i] = filepath.Join(src, fmt.Sprintf("lib%03d.so", i))
	}
	return &batch.Request{Files: files, Variants: []variant.Variant{v}, TargetRoot: t.TempDir()}
}

func stubProgram(t *testing.T, fn func(tea.Model) error) {
	t.Helper()
	orig := runProgram
	runProgram = fn
	t.Cleanup(func() { runProgram = orig })
}

func TestRunBatchWithUICancelKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	stubProgram(t, func(m tea.Model) error {
		if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd != nil {
			t.Error("first ctrl+c quit instead of cancelling")
		}
		return nil
	})

	res, err := runBatchWithUI(context.Background(), "test", manyJobs(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != batch.RunCancelled || res.Attempted != 0 || res.Total != 300 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunBatchWithUIEarlyQuitDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	uiErr := errors.New("terminal went away")
	for _, want := range []error{nil, uiErr} {
		stubProgram(t, func(tea.Model) error { return want })

		res, err := runBatchWithUI(context.Background(), "test", manyJobs(t))
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if res.Status != batch.RunCancelled {
			t.Errorf("result = %+v, want cancelled", res)
		}
	}
}
