package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"soalign/internal/align"
	"soalign/internal/batch"
	"soalign/internal/cache"
	"soalign/internal/observ"
	"soalign/internal/trace"
	"soalign/internal/variant"
)

const defaultTarget = "Output"

var alignCmd = &cobra.Command{
	Use:   "align [flags] [source] [target]",
	Short: "Align every shared library under source for each selected ABI",
	Long: `Align discovers every shared library (*.so, *.so.N) under source and
writes a re-aligned copy to target/<abi>/<name> for each selected ABI.

Source and target may also come from soalign.toml; flags and arguments win.
The target defaults to ./Output.`,
	Args: cobra.MaximumNArgs(2),
	RunE: alignExecution,
}

func init() {
	alignCmd.Flags().StringSlice("abi", nil, "target ABIs, repeatable or comma separated (default: all)")
	alignCmd.Flags().Uint64("page-size", align.DefaultAlignment, "target page size in bytes (power of two)")
	alignCmd.Flags().Int("jobs", 1, "number of libraries aligned concurrently")
	alignCmd.Flags().String("ui", "auto", "progress view (auto|on|off)")
	alignCmd.Flags().Bool("skip-mismatched", false, "skip libraries built for another ABI instead of failing them")
	alignCmd.Flags().Bool("cache", false, "reuse outputs recorded in the user cache when inputs are unchanged")
	alignCmd.Flags().Bool("clear-cache", false, "drop every cached entry before running")
	alignCmd.Flags().String("format", "text", "summary format (text|json)")
}

// alignOptions is the fully resolved configuration of one align run.
type alignOptions struct {
	Source         string
	Target         string
	ABIs           []string
	PageSize       uint64
	Jobs           int
	SkipMismatched bool
	Cache          bool
	ClearCache     bool
	Format         string
	UI             uiMode
	Quiet          bool
	Timings        bool
}

func alignExecution(cmd *cobra.Command, args []string) error {
	flags, err := readAlignFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := mergeAlignOptions(flags, cmd.Flags().Changed, args, cfg)
	if err != nil {
		return err
	}

	colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return err
	}
	colored, err := useColor(colorFlag, os.Stdout)
	if err != nil {
		return err
	}
	color.NoColor = !colored

	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	tracer, stopTracing, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer stopTracing()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	res, err := executeAlign(ctx, cmd.OutOrStdout(), opts)
	if err == nil && (res.Failed > 0 || res.Status == batch.RunCancelled) {
		dumpTraceRing(cmd.ErrOrStderr(), tracer)
	}
	if err != nil {
		return err
	}
	return alignExitError(res)
}

func readAlignFlags(cmd *cobra.Command) (alignOptions, error) {
	var (
		opts alignOptions
		err  error
	)
	if opts.ABIs, err = cmd.Flags().GetStringSlice("abi"); err != nil {
		return opts, err
	}
	if opts.PageSize, err = cmd.Flags().GetUint64("page-size"); err != nil {
		return opts, err
	}
	if opts.Jobs, err = cmd.Flags().GetInt("jobs"); err != nil {
		return opts, err
	}
	if opts.SkipMismatched, err = cmd.Flags().GetBool("skip-mismatched"); err != nil {
		return opts, err
	}
	if opts.Cache, err = cmd.Flags().GetBool("cache"); err != nil {
		return opts, err
	}
	if opts.ClearCache, err = cmd.Flags().GetBool("clear-cache"); err != nil {
		return opts, err
	}
	if opts.Format, err = cmd.Flags().GetString("format"); err != nil {
		return opts, err
	}
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return opts, err
	}
	if opts.UI, err = readUIMode(uiValue); err != nil {
		return opts, err
	}
	if opts.Quiet, err = cmd.Root().PersistentFlags().GetBool("quiet"); err != nil {
		return opts, err
	}
	if opts.Timings, err = cmd.Root().PersistentFlags().GetBool("timings"); err != nil {
		return opts, err
	}
	return opts, nil
}

// mergeAlignOptions layers positional arguments and changed flags over the
// config file. changed reports whether a flag was set on the command line.
func mergeAlignOptions(flags alignOptions, changed func(string) bool, args []string, cfg *projectConfig) (alignOptions, error) {
	opts := flags

	switch {
	case len(args) > 0:
		opts.Source = args[0]
	case cfg.has("source"):
		opts.Source = cfg.Align.Source
	}
	switch {
	case len(args) > 1:
		opts.Target = args[1]
	case cfg.has("target"):
		opts.Target = cfg.Align.Target
	default:
		opts.Target = defaultTarget
	}
	if !changed("abi") && cfg.has("abis") {
		opts.ABIs = cfg.Align.ABIs
	}
	if !changed("page-size") && cfg.has("page_size") {
		opts.PageSize = cfg.Align.PageSize
	}
	if !changed("jobs") && cfg.has("jobs") {
		opts.Jobs = cfg.Align.Jobs
	}
	if !changed("skip-mismatched") && cfg.has("skip_mismatched") {
		opts.SkipMismatched = cfg.Align.SkipMismatched
	}
	if !changed("cache") && cfg.has("cache") {
		opts.Cache = cfg.Align.Cache
	}

	if strings.TrimSpace(opts.Source) == "" {
		return opts, fmt.Errorf("no source given\nplease name the directory holding the libraries, e.g.:\n  soalign align path/to/libs")
	}
	if !align.IsPowerOfTwo(opts.PageSize) {
		return opts, fmt.Errorf("--page-size %d: %w", opts.PageSize, align.ErrAlignmentNotPowerOfTwo)
	}
	if opts.Jobs < 1 {
		return opts, fmt.Errorf("--jobs must be at least 1, got %d", opts.Jobs)
	}
	opts.Format = strings.ToLower(strings.TrimSpace(opts.Format))
	switch opts.Format {
	case "text", "json":
	default:
		return opts, fmt.Errorf("unsupported format %q (must be text or json)", opts.Format)
	}
	return opts, nil
}

// executeAlign discovers, aligns and reports. Job failures do not produce an
// error here; they are part of the returned result.
func executeAlign(ctx context.Context, out io.Writer, opts alignOptions) (batch.Result, error) {
	timer := observ.NewTimer()
	tracer := trace.FromContext(ctx)
	span, ctx := trace.StartSpan(ctx, trace.ScopeCommand, "align")
	span.WithExtra("source", opts.Source).WithExtra("target", opts.Target)
	var res batch.Result
	defer func() { span.End(res.Status.String()) }()

	variants, err := variant.Select(opts.ABIs)
	if err != nil {
		return batch.Result{}, err
	}

	discover := timer.Begin("discover")
	files, sourceRoot, err := collectLibraries(ctx, opts.Source, opts.Target)
	timer.End(discover, fmt.Sprintf("%d libraries", len(files)))
	if err != nil {
		return batch.Result{}, err
	}
	trace.Point(tracer, trace.ScopeCommand, "discover", fmt.Sprintf("%d libraries under %s", len(files), opts.Source), span.ID())

	req := &batch.Request{
		Files:          files,
		Variants:       variants,
		SourceRoot:     sourceRoot,
		TargetRoot:     opts.Target,
		Alignment:      opts.PageSize,
		Jobs:           opts.Jobs,
		SkipMismatched: opts.SkipMismatched,
	}
	if opts.Cache {
		req.Cache = openCache(out, opts)
	}

	run := timer.Begin("align")
	useTUI := opts.Format == "text" && !opts.Quiet && shouldUseTUI(opts.UI) && len(files) > 0
	if useTUI {
		res, err = runBatchWithUI(ctx, "soalign align", req)
		if err != nil {
			return res, err
		}
	} else {
		if opts.Format == "text" && !opts.Quiet {
			req.Progress = lineProgress(out)
		}
		res = batch.Run(ctx, req)
	}
	timer.End(run, res.Status.String())

	summary := newAlignSummary(opts, variants, res)
	if opts.Timings {
		report := timer.Report()
		summary.Timings = &report
	}
	if opts.Format == "json" {
		return res, writeSummaryJSON(out, summary)
	}
	writeSummaryText(out, summary, opts.Quiet)
	if opts.Timings {
		printStageTimings(out, res.Timings)
		fmt.Fprint(out, timer.Summary())
	}
	return res, nil
}

// collectLibraries returns the libraries to align and the root their display
// names are relative to. A single file is accepted as source. Files under the
// target tree are left out so re-running into a nested target is harmless.
func collectLibraries(ctx context.Context, source, target string) ([]string, string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, "", fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return []string{source}, filepath.Dir(source), nil
	}
	files, err := batch.Discover(ctx, source)
	if err != nil {
		return nil, "", fmt.Errorf("discover %s: %w", source, err)
	}
	return excludeUnder(files, target), source, nil
}

func excludeUnder(files []string, dir string) []string {
	if dir == "" {
		return files
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return files
	}
	out := files[:0:0]
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err == nil {
			if rel, err := filepath.Rel(absDir, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

func openCache(out io.Writer, opts alignOptions) *cache.Cache {
	c, err := cache.OpenDefault("soalign")
	if err != nil {
		if !opts.Quiet {
			fmt.Fprintf(out, "%s cache disabled: %v\n", color.YellowString("warning:"), err)
		}
		return nil
	}
	if opts.ClearCache {
		if err := c.DropAll(); err != nil && !opts.Quiet {
			fmt.Fprintf(out, "%s failed to clear cache: %v\n", color.YellowString("warning:"), err)
		}
	}
	return c
}

// lineProgress prints one line per finished job when no terminal UI runs.
func lineProgress(out io.Writer) batch.ProgressSink {
	return batch.SinkFunc(func(ev batch.Event) {
		if !ev.Status.Finished() {
			return
		}
		width := len(fmt.Sprint(ev.Snapshot.Total))
		status := statusColor(ev.Status).Sprintf("%-7s", ev.Status)
		fmt.Fprintf(out, "[%*d/%d] %s %-12s %s\n", width, ev.Snapshot.Completed, ev.Snapshot.Total, status, ev.Variant, ev.File)
	})
}

func statusColor(s batch.Status) *color.Color {
	switch s {
	case batch.StatusDone, batch.StatusCached:
		return color.New(color.FgGreen)
	case batch.StatusSkipped:
		return color.New(color.FgYellow)
	case batch.StatusError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New()
	}
}

func alignExitError(res batch.Result) error {
	switch {
	case res.Status == batch.RunCancelled:
		return fmt.Errorf("cancelled after %d of %d jobs", res.Attempted, res.Total)
	case res.Failed > 0:
		return fmt.Errorf("%d of %d jobs failed", res.Failed, res.Total)
	default:
		return nil
	}
}
