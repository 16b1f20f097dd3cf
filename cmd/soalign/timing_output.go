package main

import (
	"fmt"
	"io"
	"time"

	"soalign/internal/batch"
)

// printStageTimings prints the time spent per stage summed over every job.
func printStageTimings(out io.Writer, timings batch.Timings) {
	if out == nil {
		return
	}
	for _, stage := range batch.Stages {
		if !timings.Has(stage) {
			continue
		}
		fmt.Fprintf(out, "%-6s %9.1f ms\n", stage, toMillis(timings.Duration(stage)))
	}
	if all := timings.Sum(batch.Stages...); all > 0 {
		fmt.Fprintf(out, "%-6s %9.1f ms\n", "jobs", toMillis(all))
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
