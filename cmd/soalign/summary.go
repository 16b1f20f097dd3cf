package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"soalign/internal/batch"
	"soalign/internal/observ"
	"soalign/internal/variant"
)

type alignSummary struct {
	Status       string          `json:"status"`
	Source       string          `json:"source"`
	Target       string          `json:"target"`
	PageSize     uint64          `json:"page_size"`
	Variants     []string        `json:"variants"`
	Total        int             `json:"total"`
	Attempted    int             `json:"attempted"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	Cached       int             `json:"cached"`
	BytesWritten uint64          `json:"bytes_written"`
	Failures     []failureReport `json:"failures,omitempty"`
	Skips        []failureReport `json:"skips,omitempty"`
	Timings      *observ.Report  `json:"timings,omitempty"`
}

type failureReport struct {
	File     string `json:"file"`
	Variant  string `json:"variant"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
	Internal bool   `json:"internal,omitempty"`
}

func newAlignSummary(opts alignOptions, variants []variant.Variant, res batch.Result) alignSummary {
	s := alignSummary{
		Status:    res.Status.String(),
		Source:    opts.Source,
		Target:    opts.Target,
		PageSize:  opts.PageSize,
		Total:     res.Total,
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Cached:    res.Cached,
	}
	for _, v := range variants {
		s.Variants = append(s.Variants, v.ID)
	}
	for _, path := range res.Outputs {
		if info, err := os.Stat(path); err == nil {
			s.BytesWritten += uint64(info.Size())
		}
	}
	for _, f := range res.Failures {
		s.Failures = append(s.Failures, reportFailure(f))
	}
	for _, f := range res.Skips {
		s.Skips = append(s.Skips, reportFailure(f))
	}
	return s
}

func reportFailure(f batch.Failure) failureReport {
	return failureReport{
		File:     f.Job.Name,
		Variant:  f.Job.Variant.ID,
		Kind:     f.Kind.String(),
		Error:    f.Err.Error(),
		Internal: f.Kind.Internal(),
	}
}

func writeSummaryJSON(out io.Writer, s alignSummary) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func writeSummaryText(out io.Writer, s alignSummary, quiet bool) {
	p := message.NewPrinter(language.English)
	bold := color.New(color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	if s.Status == batch.RunNothingToDo.String() {
		fmt.Fprintf(out, "nothing to do: no shared libraries under %s\n", s.Source)
		return
	}

	for _, f := range s.Failures {
		label := f.Kind
		if f.Internal {
			label = "internal defect (" + f.Kind + ")"
		}
		fmt.Fprintf(out, "%s %s [%s] %s: %s\n", red.Sprint("error:"), f.File, f.Variant, label, f.Error)
	}
	if !quiet {
		for _, f := range s.Skips {
			fmt.Fprintf(out, "%s %s [%s]: %s\n", yellow.Sprint("skipped:"), f.File, f.Variant, f.Error)
		}
	}
	if quiet && s.Failed == 0 {
		return
	}

	headline := p.Sprintf("aligned %d of %d libraries", s.Succeeded, s.Total)
	fmt.Fprintf(out, "%s for %d ABI(s) at %s pages into %s\n",
		bold.Sprint(headline), len(s.Variants), humanize.IBytes(s.PageSize), s.Target)

	details := p.Sprintf("  %d failed, %d skipped, %d cached, %s written", s.Failed, s.Skipped, s.Cached, humanize.Bytes(s.BytesWritten))
	if s.Failed > 0 {
		fmt.Fprintln(out, red.Sprint(details))
	} else {
		fmt.Fprintln(out, details)
	}
	if s.Status == batch.RunCancelled.String() {
		fmt.Fprintln(out, yellow.Sprint(p.Sprintf("  cancelled: %d of %d jobs were not attempted", s.Total-s.Attempted, s.Total)))
	}
}
