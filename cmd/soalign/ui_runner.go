package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"soalign/internal/batch"
	"soalign/internal/ui"
)

// runProgram drives a Bubble Tea model until it quits.
var runProgram = func(m tea.Model) error {
	_, err := tea.NewProgram(m, tea.WithOutput(os.Stdout)).Run()
	return err
}

// runBatchWithUI runs the batch on its own goroutine while a Bubble Tea
// program renders the progress events it emits. Cancelling from the UI
// cancels the batch context.
func runBatchWithUI(ctx context.Context, title string, req *batch.Request) (batch.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan batch.Event, 256)
	resultCh := make(chan batch.Result, 1)

	go func() {
		reqCopy := *req
		reqCopy.Progress = batch.ChannelSink{Ch: events}
		res := batch.Run(ctx, &reqCopy)
		resultCh <- res
		close(events)
	}()

	ids := make([]string, 0, len(req.Variants))
	for _, v := range req.Variants {
		ids = append(ids, v.ID)
	}
	uiErr := runProgram(ui.NewProgressModel(title, ids, len(req.Files), events, cancel))

	// The program may quit before the batch does: a second key press, an
	// external signal or a terminal error. Stop starting jobs and keep the
	// channel moving so the batch can return.
	cancel()
	go func() {
		for range events {
		}
	}()
	res := <-resultCh
	return res, uiErr
}
