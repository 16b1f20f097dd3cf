// Package batch drives the alignment transform over every (library, variant)
// pair of a run, isolating failures per job and reporting progress as
// immutable snapshots.
package batch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"soalign/internal/align"
	"soalign/internal/cache"
	"soalign/internal/elfimage"
	"soalign/internal/trace"
	"soalign/internal/variant"
	"soalign/internal/version"
)

// RunStatus is the overall outcome of Run.
type RunStatus uint8

const (
	// RunCompleted means every job was attempted.
	RunCompleted RunStatus = iota + 1
	// RunNothingToDo means discovery produced no libraries or no variants were selected.
	RunNothingToDo
	// RunCancelled means the context was cancelled before every job ran.
	RunCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunCompleted:
		return "completed"
	case RunNothingToDo:
		return "nothing-to-do"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request configures a batch run.
type Request struct {
	// Files are the discovered libraries, processed in this order.
	Files    []string
	Variants []variant.Variant
	// SourceRoot shortens file names in events; optional.
	SourceRoot string
	TargetRoot string
	// Alignment defaults to align.DefaultAlignment when zero.
	Alignment uint64
	// Jobs > 1 runs that many jobs concurrently.
	Jobs int
	// SkipMismatched records libraries of another variant as skipped
	// instead of failed.
	SkipMismatched bool
	Cache          *cache.Cache
	Progress       ProgressSink
}

// Job is one (library, variant) unit of work.
type Job struct {
	Source  string
	Name    string
	Variant variant.Variant
	Dest    string
}

// Failure records why a job produced no output.
type Failure struct {
	Job  Job
	Kind ErrorKind
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s [%s]: %s: %v", f.Job.Name, f.Job.Variant.ID, f.Kind, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Result summarizes a run. Failures and Skips are in job order.
type Result struct {
	Status    RunStatus
	Total     int
	Attempted int
	// Succeeded includes Cached.
	Succeeded int
	Failed    int
	Skipped   int
	Cached    int
	Failures  []Failure
	Skips     []Failure
	Outputs   []string
	Timings   Timings
}

// Jobs expands files × variants into jobs, variant by variant in the given
// order and files in the given order within each variant.
func Jobs(files []string, variants []variant.Variant, sourceRoot, targetRoot string) []Job {
	jobs := make([]Job, 0, len(files)*len(variants))
	for _, v := range variants {
		dir := filepath.Join(targetRoot, v.Subdir)
		for _, src := range files {
			jobs = append(jobs, Job{
				Source:  src,
				Name:    displayName(src, sourceRoot),
				Variant: v,
				Dest:    filepath.Join(dir, filepath.Base(src)),
			})
		}
	}
	return jobs
}

func displayName(path, root string) string {
	if strings.TrimSpace(root) == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// cacheProducer identifies the layout code in cache keys.
var cacheProducer = fmt.Sprintf("layout/%d soalign/%s", align.LayoutRevision, version.Current().Version)

// Run aligns every file for every variant. Failures never escape: each one is
// recorded in the Result and the run continues with the next job.
func Run(ctx context.Context, req *Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil || len(req.Files) == 0 || len(req.Variants) == 0 {
		return Result{Status: RunNothingToDo}
	}
	r := newRunner(ctx, req)
	return r.run(ctx)
}

type outcome struct {
	stage   Stage
	status  Status
	failure *Failure
}

type runner struct {
	req       *Request
	alignment uint64
	tracer    trace.Tracer
	jobs      []Job
	dirErr    map[string]error
	spans     map[string]*trace.Span
	outcomes  []*outcome

	mu      sync.Mutex
	snap    Snapshot
	timings Timings
}

func newRunner(ctx context.Context, req *Request) *runner {
	alignment := req.Alignment
	if alignment == 0 {
		alignment = align.DefaultAlignment
	}
	jobs := Jobs(req.Files, req.Variants, req.SourceRoot, req.TargetRoot)
	return &runner{
		req:       req,
		alignment: alignment,
		tracer:    trace.FromContext(ctx),
		jobs:      jobs,
		dirErr:    make(map[string]error, len(req.Variants)),
		spans:     make(map[string]*trace.Span, len(req.Variants)),
		outcomes:  make([]*outcome, len(jobs)),
		snap:      Snapshot{Total: len(jobs)},
	}
}

func (r *runner) run(ctx context.Context) Result {
	span, ctx := trace.StartSpan(ctx, trace.ScopeBatch, "batch")
	span.WithExtra("jobs", strconv.Itoa(len(r.jobs))).
		WithExtra("alignment", strconv.FormatUint(r.alignment, 10))

	for _, job := range r.jobs {
		r.emit(job, StageRead, StatusQueued, nil, 0)
	}
	r.prepare(span.ID())

	if r.req.Jobs > 1 {
		r.runParallel(ctx)
	} else {
		r.runSequential(ctx)
	}

	res := r.result()
	for _, v := range r.req.Variants {
		r.spans[v.ID].End("")
	}
	span.End(fmt.Sprintf("%s: %d ok, %d failed, %d skipped", res.Status, res.Succeeded, res.Failed, res.Skipped))
	return res
}

// prepare creates one output directory per variant and notes output paths
// claimed by more than one source; the later source wins.
func (r *runner) prepare(parent uint64) {
	for _, v := range r.req.Variants {
		vs := trace.Begin(r.tracer, trace.ScopeVariant, "variant:"+v.ID, parent)
		r.spans[v.ID] = vs
		dir := filepath.Join(r.req.TargetRoot, v.Subdir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.dirErr[v.ID] = fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
			trace.Error(r.tracer, trace.ScopeVariant, "variant:"+v.ID, err.Error(), vs.ID())
		}
	}
	claimed := make(map[string]Job, len(r.jobs))
	for _, job := range r.jobs {
		if prev, ok := claimed[job.Dest]; ok {
			trace.Point(r.tracer, trace.ScopeVariant, "collision",
				fmt.Sprintf("%s overwrites %s in %s", job.Name, prev.Name, job.Dest), r.spans[job.Variant.ID].ID())
		}
		claimed[job.Dest] = job
	}
}

func (r *runner) runSequential(ctx context.Context) {
	for i := range r.jobs {
		if ctx.Err() != nil {
			return
		}
		r.outcomes[i] = r.do(i)
	}
}

// runParallel fans jobs out over an errgroup. Jobs sharing a destination run
// in one lane, in job order, so the later source still wins.
func (r *runner) runParallel(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.req.Jobs)
	for _, lane := range r.lanes() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, i := range lane {
				if gctx.Err() != nil {
					return nil
				}
				r.outcomes[i] = r.do(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *runner) lanes() [][]int {
	var lanes [][]int
	byDest := make(map[string]int, len(r.jobs))
	for i, job := range r.jobs {
		if l, ok := byDest[job.Dest]; ok {
			lanes[l] = append(lanes[l], i)
			continue
		}
		byDest[job.Dest] = len(lanes)
		lanes = append(lanes, []int{i})
	}
	return lanes
}

func (r *runner) do(i int) *outcome {
	job := r.jobs[i]
	span := trace.Begin(r.tracer, trace.ScopeJob, "job:"+job.Name, r.spans[job.Variant.ID].ID())
	span.WithExtra("variant", job.Variant.ID)

	start := time.Now()
	r.emit(job, StageRead, StatusWorking, nil, 0)
	oc := r.process(job, span.ID())
	elapsed := time.Since(start)

	var err error
	if oc.failure != nil {
		err = oc.failure.Err
		detail := oc.failure.Kind.String() + ": " + err.Error()
		if oc.failure.Kind.Internal() {
			detail = "internal defect: " + detail
		}
		trace.Error(r.tracer, trace.ScopeJob, "job:"+job.Name, detail, span.ID())
	}
	r.emit(job, oc.stage, oc.status, err, elapsed)
	span.End(string(oc.status))
	return oc
}

func (r *runner) process(job Job, spanID uint64) *outcome {
	if err := r.dirErr[job.Variant.ID]; err != nil {
		return fail(job, StageWrite, KindIO, err)
	}

	t0 := time.Now()
	// #nosec G304 -- job sources come from discovery under the user's source root
	data, err := os.ReadFile(job.Source)
	r.addTiming(StageRead, time.Since(t0))
	if err != nil {
		return fail(job, StageRead, KindIO, fmt.Errorf("%w: read %s: %w", ErrIO, job.Source, err))
	}
	perm := fs.FileMode(0o644)
	if info, err := os.Stat(job.Source); err == nil {
		perm = info.Mode().Perm()
	}

	var key, inHash cache.Digest
	if r.req.Cache != nil {
		inHash = cache.Sum(data)
		key = cache.Key(inHash, job.Variant.ID, r.alignment, cacheProducer)
		if r.upToDate(key, job.Dest) {
			trace.Point(r.tracer, trace.ScopeJob, "cache-hit", job.Dest, spanID)
			return &outcome{stage: StageWrite, status: StatusCached}
		}
	}

	t0 = time.Now()
	img, err := elfimage.Parse(data)
	r.addTiming(StageParse, time.Since(t0))
	if err != nil {
		return fail(job, StageParse, Classify(err), err)
	}
	if r.req.SkipMismatched && !job.Variant.Matches(img.Triple()) {
		err := fmt.Errorf("%w: image is %s, %s expects %s", align.ErrUnsupportedClass, img.Triple(), job.Variant.ID, job.Variant.Triple)
		return &outcome{stage: StageParse, status: StatusSkipped, failure: &Failure{Job: job, Kind: KindUnsupportedClass, Err: err}}
	}

	t0 = time.Now()
	out, err := align.Align(img, r.alignment, job.Variant.Triple)
	r.addTiming(StageAlign, time.Since(t0))
	if err != nil {
		return fail(job, StageAlign, Classify(err), err)
	}
	r.traceLayout(img, out, spanID)

	t0 = time.Now()
	buf, err := out.Serialize()
	if err != nil {
		return fail(job, StageWrite, Classify(err), err)
	}
	if err := writeAtomic(job.Dest, buf, perm); err != nil {
		return fail(job, StageWrite, KindIO, fmt.Errorf("%w: write %s: %w", ErrIO, job.Dest, err))
	}
	r.addTiming(StageWrite, time.Since(t0))

	if r.req.Cache != nil {
		entry := &cache.Entry{
			Source:     job.Source,
			Variant:    job.Variant.ID,
			Alignment:  r.alignment,
			InputHash:  inHash,
			OutputHash: cache.Sum(buf),
			OutputSize: int64(len(buf)),
			Written:    time.Now(),
		}
		if err := r.req.Cache.Put(key, entry); err != nil {
			trace.Point(r.tracer, trace.ScopeJob, "cache-put", err.Error(), spanID)
		}
	}
	return &outcome{stage: StageWrite, status: StatusDone}
}

// upToDate reports whether dest still holds the output recorded under key.
func (r *runner) upToDate(key cache.Digest, dest string) bool {
	entry, ok, err := r.req.Cache.Get(key)
	if err != nil || !ok {
		return false
	}
	sum, err := cache.SumFile(dest)
	return err == nil && sum == entry.OutputHash
}

func (r *runner) traceLayout(before, after *elfimage.Image, spanID uint64) {
	if !r.tracer.Level().ShouldEmit(trace.ScopeLayout) {
		return
	}
	moved := after.ProgramHeaders()
	for _, ld := range before.Loads() {
		p := moved[ld.Index]
		trace.Point(r.tracer, trace.ScopeLayout, fmt.Sprintf("load[%d]", ld.Index),
			fmt.Sprintf("offset %#x -> %#x, vaddr %#x, align %#x -> %#x", ld.Offset, p.Offset, p.VAddr, ld.Align, p.Align), spanID)
	}
}

func fail(job Job, stage Stage, kind ErrorKind, err error) *outcome {
	return &outcome{stage: stage, status: StatusError, failure: &Failure{Job: job, Kind: kind, Err: err}}
}

func (r *runner) addTiming(stage Stage, d time.Duration) {
	r.mu.Lock()
	r.timings.Add(stage, d)
	r.mu.Unlock()
}

// emit updates the counters for terminal statuses and delivers the event
// with a copy of the snapshot. Delivery happens under the lock so sinks see
// snapshots in order.
func (r *runner) emit(job Job, stage Stage, status Status, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status.Finished() {
		r.snap.Completed++
		switch status {
		case StatusDone:
			r.snap.Succeeded++
		case StatusCached:
			r.snap.Succeeded++
			r.snap.Cached++
		case StatusSkipped:
			r.snap.Skipped++
		case StatusError:
			r.snap.Failed++
		}
	}
	if r.req.Progress == nil {
		return
	}
	r.req.Progress.OnEvent(Event{
		File:     job.Name,
		Variant:  job.Variant.ID,
		Stage:    stage,
		Status:   status,
		Err:      err,
		Elapsed:  elapsed,
		Snapshot: r.snap,
	})
}

func (r *runner) result() Result {
	res := Result{Status: RunCompleted, Total: len(r.jobs)}
	for i, oc := range r.outcomes {
		if oc == nil {
			continue
		}
		res.Attempted++
		switch oc.status {
		case StatusDone:
			res.Succeeded++
			res.Outputs = append(res.Outputs, r.jobs[i].Dest)
		case StatusCached:
			res.Succeeded++
			res.Cached++
			res.Outputs = append(res.Outputs, r.jobs[i].Dest)
		case StatusSkipped:
			res.Skipped++
			res.Skips = append(res.Skips, *oc.failure)
		case StatusError:
			res.Failed++
			res.Failures = append(res.Failures, *oc.failure)
		}
	}
	if res.Attempted < res.Total {
		res.Status = RunCancelled
	}
	r.mu.Lock()
	res.Timings = r.timings
	r.mu.Unlock()
	return res
}
