package batch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"soalign/internal/align"
	"soalign/internal/cache"
	"soalign/internal/elfimage"
	"soalign/internal/testkit"
	"soalign/internal/trace"
	"soalign/internal/variant"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) OnEvent(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *collectSink) finished() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status.Finished() {
			out = append(out, e)
		}
	}
	return out
}

func mustVariant(t *testing.T, id string) variant.Variant {
	t.Helper()
	v, err := variant.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func writeLib(t *testing.T, dir, name string, lib testkit.Library) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, testkit.MustBytes(t, lib), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func checkOutput(t *testing.T, src, dest string) {
	t.Helper()
	in, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("output %s: %v", dest, err)
	}
	before, err := elfimage.Parse(in)
	if err != nil {
		t.Fatal(err)
	}
	after, err := elfimage.Parse(out)
	if err != nil {
		t.Fatalf("output %s does not parse: %v", dest, err)
	}
	if err := testkit.CheckAlignedLayout(before, after, align.DefaultAlignment); err != nil {
		t.Errorf("%s: %v", dest, err)
	}
}

func arm64Libs(t *testing.T, dir string, n int) []string {
	t.Helper()
	v := mustVariant(t, "arm64-v8a")
	var files []string
	for i := 1; i <= n; i++ {
		files = append(files, writeLib(t, dir, "lib"+string(rune('a'+i-1))+".so", testkit.Misaligned(v.Triple, i)))
	}
	return files
}

func TestRunIsolatesFailures(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := arm64Libs(t, src, 5)
	truncated := testkit.MustBytes(t, testkit.Misaligned(mustVariant(t, "arm64-v8a").Triple, 3))[:200]
	if err := os.WriteFile(files[2], truncated, 0o644); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{}
	res := Run(context.Background(), &Request{
		Files:      files,
		Variants:   []variant.Variant{mustVariant(t, "arm64-v8a")},
		SourceRoot: src,
		TargetRoot: dst,
		Progress:   sink,
	})

	if res.Status != RunCompleted || res.Attempted != 5 || res.Succeeded != 4 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	f := res.Failures[0]
	if f.Job.Source != files[2] || f.Kind != KindMalformed || !errors.Is(f, elfimage.ErrMalformed) {
		t.Errorf("failure = %v", f)
	}
	for i, file := range files {
		dest := filepath.Join(dst, "arm64-v8a", filepath.Base(file))
		if i == 2 {
			if _, err := os.Stat(dest); !os.IsNotExist(err) {
				t.Errorf("corrupt input produced %s", dest)
			}
			continue
		}
		checkOutput(t, file, dest)
	}

	done := sink.finished()
	if len(done) != 5 {
		t.Fatalf("finished events = %d, want 5", len(done))
	}
	for i, e := range done {
		if e.Snapshot.Completed != i+1 || e.Snapshot.Total != 5 {
			t.Errorf("event %d snapshot = %+v", i, e.Snapshot)
		}
	}
	if last := done[4].Snapshot; last.Succeeded != 4 || last.Failed != 1 {
		t.Errorf("final snapshot = %+v", last)
	}
	if done[2].File != "libc.so" || done[2].Status != StatusError {
		t.Errorf("third event = %+v", done[2])
	}
}

func TestRunIsolatesHostileSectionAlignment(t *testing.T) {
	v := mustVariant(t, "arm64-v8a")
	good := testkit.MustBytes(t, testkit.Misaligned(v.Triple, 3))
	bad := map[string][]byte{
		"libtext.so":      []byte("definitely not an ELF file"),
		"libhuge.so":      testkit.WithSectionAlign(t, good, ".comment", 0x3030303030),
		"libpow2.so":      testkit.WithSectionAlign(t, good, ".comment", 1<<40),
		"libtruncated.so": good[:len(good)-16],
	}

	for _, jobs := range []int{1, 4} {
		src, dst := t.TempDir(), t.TempDir()
		files := arm64Libs(t, src, 3)
		for name, data := range bad {
			path := filepath.Join(src, name)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatal(err)
			}
			files = append(files, path)
		}

		res := Run(context.Background(), &Request{Files: files, Variants: []variant.Variant{v}, TargetRoot: dst, Jobs: jobs})
		if res.Status != RunCompleted || res.Succeeded != 3 || res.Failed != len(bad) {
			t.Fatalf("jobs=%d result = %+v", jobs, res)
		}
		for _, f := range res.Failures {
			if f.Kind != KindMalformed || !errors.Is(f, elfimage.ErrMalformed) {
				t.Errorf("jobs=%d failure = %v", jobs, f)
			}
			if _, err := os.Stat(f.Job.Dest); !os.IsNotExist(err) {
				t.Errorf("jobs=%d: malformed input produced %s", jobs, f.Job.Dest)
			}
		}
		for _, f := range files[:3] {
			checkOutput(t, f, filepath.Join(dst, "arm64-v8a", filepath.Base(f)))
		}
	}
}

func TestRunMismatchWritesNothing(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	armv7 := mustVariant(t, "armeabi-v7a")
	file := writeLib(t, src, "libv7.so", testkit.Misaligned(armv7.Triple, 2))
	req := &Request{Files: []string{file}, Variants: []variant.Variant{mustVariant(t, "arm64-v8a")}, TargetRoot: dst}

	res := Run(context.Background(), req)
	if res.Failed != 1 || res.Failures[0].Kind != KindUnsupportedClass {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dst, "arm64-v8a", "libv7.so")); !os.IsNotExist(err) {
		t.Error("mismatched library was written")
	}

	req.SkipMismatched = true
	res = Run(context.Background(), req)
	if res.Failed != 0 || res.Skipped != 1 || res.Skips[0].Kind != KindUnsupportedClass {
		t.Fatalf("skip result = %+v", res)
	}
}

func TestRunAtomicWriteFailure(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := arm64Libs(t, src, 2)
	outDir := filepath.Join(dst, "arm64-v8a")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(outDir, filepath.Base(files[1]))
	old := []byte("previous output")
	if err := os.WriteFile(dest, old, 0o644); err != nil {
		t.Fatal(err)
	}

	orig := writeContents
	defer func() { writeContents = orig }()
	writeContents = func(f *os.File, data []byte) error {
		if _, err := f.Write(data[:len(data)/2]); err != nil {
			return err
		}
		return errors.New("disk full")
	}

	res := Run(context.Background(), &Request{Files: files, Variants: []variant.Variant{mustVariant(t, "arm64-v8a")}, TargetRoot: dst})
	if res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, f := range res.Failures {
		if f.Kind != KindIO || !errors.Is(f, ErrIO) {
			t.Errorf("failure = %v", f)
		}
	}
	got, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(got, old) {
		t.Errorf("existing output changed: %q, %v", got, err)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("output dir holds %v, want only the previous output", names)
	}
}

func TestRunNothingToDo(t *testing.T) {
	res := Run(context.Background(), &Request{Variants: variant.All(), TargetRoot: t.TempDir()})
	if res.Status != RunNothingToDo || res.Attempted != 0 {
		t.Errorf("result = %+v", res)
	}
	if res := Run(context.Background(), nil); res.Status != RunNothingToDo {
		t.Errorf("nil request = %+v", res)
	}
}

func TestRunCancellation(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := arm64Libs(t, src, 4)
	v := []variant.Variant{mustVariant(t, "arm64-v8a")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, &Request{Files: files, Variants: v, TargetRoot: dst})
	if res.Status != RunCancelled || res.Attempted != 0 {
		t.Errorf("pre-cancelled result = %+v", res)
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	sink := SinkFunc(func(e Event) {
		if e.Status.Finished() && e.Snapshot.Completed == 2 {
			cancel()
		}
	})
	res = Run(ctx, &Request{Files: files, Variants: v, TargetRoot: dst, Progress: sink})
	if res.Status != RunCancelled || res.Attempted != 2 || res.Succeeded != 2 {
		t.Errorf("mid-run result = %+v", res)
	}
	for _, f := range files[:2] {
		checkOutput(t, f, filepath.Join(dst, "arm64-v8a", filepath.Base(f)))
	}
}

func TestRunDirectoryFailureIsolated(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := arm64Libs(t, src, 2)
	if err := os.WriteFile(filepath.Join(dst, "x86_64"), []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := Run(context.Background(), &Request{
		Files:          files,
		Variants:       []variant.Variant{mustVariant(t, "arm64-v8a"), mustVariant(t, "x86_64")},
		TargetRoot:     dst,
		SkipMismatched: true,
	})
	if res.Status != RunCompleted || res.Succeeded != 2 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, f := range res.Failures {
		if f.Job.Variant.ID != "x86_64" || f.Kind != KindIO {
			t.Errorf("failure = %v", f)
		}
	}
}

func TestRunParallelMatchesSequential(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := t.TempDir()
	files := arm64Libs(t, src, 5)
	if err := os.WriteFile(files[3], []byte{0x7f, 'E', 'L', 'F', 9}, 0o644); err != nil {
		t.Fatal(err)
	}
	v := []variant.Variant{mustVariant(t, "arm64-v8a"), mustVariant(t, "armeabi-v7a")}

	seqDir, parDir := t.TempDir(), t.TempDir()
	seq := Run(context.Background(), &Request{Files: files, Variants: v, TargetRoot: seqDir})
	par := Run(context.Background(), &Request{Files: files, Variants: v, TargetRoot: parDir, Jobs: 4})

	if seq.Succeeded != par.Succeeded || seq.Failed != par.Failed || len(seq.Failures) != len(par.Failures) {
		t.Fatalf("sequential %+v vs parallel %+v", seq, par)
	}
	for i := range seq.Failures {
		if seq.Failures[i].Job.Dest[len(seqDir):] != par.Failures[i].Job.Dest[len(parDir):] {
			t.Errorf("failure %d order differs: %s vs %s", i, seq.Failures[i].Job.Name, par.Failures[i].Job.Name)
		}
	}
	for _, f := range files {
		rel := filepath.Join("arm64-v8a", filepath.Base(f))
		a, errA := os.ReadFile(filepath.Join(seqDir, rel))
		b, errB := os.ReadFile(filepath.Join(parDir, rel))
		if (errA == nil) != (errB == nil) || !bytes.Equal(a, b) {
			t.Errorf("%s differs between sequential and parallel runs", rel)
		}
	}
}

func TestRunCacheSkipsUpToDateOutputs(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := arm64Libs(t, src, 3)
	c, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	req := &Request{Files: files, Variants: []variant.Variant{mustVariant(t, "arm64-v8a")}, TargetRoot: dst, Cache: c}

	first := Run(context.Background(), req)
	if first.Succeeded != 3 || first.Cached != 0 {
		t.Fatalf("first run = %+v", first)
	}
	second := Run(context.Background(), req)
	if second.Succeeded != 3 || second.Cached != 3 {
		t.Fatalf("second run = %+v", second)
	}

	tampered := filepath.Join(dst, "arm64-v8a", filepath.Base(files[0]))
	if err := os.WriteFile(tampered, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	third := Run(context.Background(), req)
	if third.Cached != 2 || third.Succeeded != 3 {
		t.Fatalf("third run = %+v", third)
	}
	checkOutput(t, files[0], tampered)

	orig := cacheProducer
	defer func() { cacheProducer = orig }()
	cacheProducer = "layout/next"
	fourth := Run(context.Background(), req)
	if fourth.Cached != 0 || fourth.Succeeded != 3 {
		t.Fatalf("run after layout change = %+v", fourth)
	}
}

func TestRunBasenameCollisionLaterWins(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	v := mustVariant(t, "arm64-v8a")
	first := writeLib(t, src, "a/libdup.so", testkit.Misaligned(v.Triple, 2))
	second := writeLib(t, src, "b/libdup.so", testkit.Misaligned(v.Triple, 3))

	for _, jobs := range []int{1, 4} {
		res := Run(context.Background(), &Request{Files: []string{first, second}, Variants: []variant.Variant{v}, TargetRoot: dst, Jobs: jobs})
		if res.Succeeded != 2 {
			t.Fatalf("jobs=%d result = %+v", jobs, res)
		}
		checkOutput(t, second, filepath.Join(dst, "arm64-v8a", "libdup.so"))
	}
}

func TestIsLibraryName(t *testing.T) {
	tests := map[string]bool{
		"libfoo.so":       true,
		"libfoo.so.1":     true,
		"libfoo.so.1.2.3": true,
		"libfoo.so.":      false,
		"libfoo.sox":      false,
		"libfoo.a":        false,
		"so":              false,
		"foo.so.txt":      true,
	}
	for name, want := range tests {
		if got := IsLibraryName(name); got != want {
			t.Errorf("IsLibraryName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"b.so", "a/libx.so.1", "a/c.so.", "notes.txt", "z/deep/libz.so"} {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "dir.so"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "b.so"), filepath.Join(root, "link.so")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "missing.so"), filepath.Join(root, "dangling.so")); err != nil {
		t.Fatal(err)
	}

	got, err := Discover(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	var rel []string
	for _, p := range got {
		r, _ := filepath.Rel(root, p)
		rel = append(rel, filepath.ToSlash(r))
	}
	want := []string{"a/libx.so.1", "b.so", "z/deep/libz.so"}
	if strings.Join(rel, ",") != strings.Join(want, ",") {
		t.Errorf("Discover = %v, want %v", rel, want)
	}

	if _, err := Discover(context.Background(), filepath.Join(root, "absent")); err == nil {
		t.Error("missing root did not fail")
	}
}

func TestDiscoverSkipsUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	root := t.TempDir()
	for _, p := range []string{"a/liba.so", "locked/libhidden.so", "z/libz.so"} {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	ring := trace.NewRingTracer(16, trace.LevelPhase)
	got, err := Discover(trace.WithTracer(context.Background(), ring), root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "liba.so" || filepath.Base(got[1]) != "libz.so" {
		t.Errorf("Discover = %v", got)
	}
	skipped := false
	for _, ev := range ring.Snapshot() {
		if ev.Name == "discover-skip" && strings.Contains(ev.Detail, "locked") {
			skipped = true
		}
	}
	if !skipped {
		t.Errorf("no skip recorded: %+v", ring.Snapshot())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{elfimage.Malformed("x"), KindMalformed},
		{align.ErrUnsupportedClass, KindUnsupportedClass},
		{align.ErrAlignmentNotPowerOfTwo, KindAlignmentNotPowerOfTwo},
		{align.ErrSegmentOverlap, KindSegmentOverlap},
		{os.ErrPermission, KindIO},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !KindSegmentOverlap.Internal() || KindMalformed.Internal() {
		t.Error("Internal() misclassifies")
	}
}
