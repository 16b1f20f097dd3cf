package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"soalign/internal/align"
	"soalign/internal/testkit"
	"soalign/internal/variant"
	"soalign/internal/version"
)

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	lib := testkit.Misaligned(tripleOf(t, "armeabi-v7a"), 3)
	path := filepath.Join(dir, "libfoo.so")
	writeLibrary(t, path, lib)

	e := checkFile(path, align.DefaultAlignment)
	if e.Error != "" {
		t.Fatalf("error = %s", e.Error)
	}
	if e.Variant != "armeabi-v7a" || e.Loads != 3 {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Violations) == 0 || e.ok() {
		t.Error("misaligned library reported as aligned")
	}

	img, err := align.Align(testkit.MustBuild(t, lib), align.DefaultAlignment, lib.Triple)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := img.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	fixed := filepath.Join(dir, "libfixed.so")
	if err := os.WriteFile(fixed, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if e := checkFile(fixed, align.DefaultAlignment); !e.ok() {
		t.Errorf("aligned library reported: %+v", e)
	}

	garbage := filepath.Join(dir, "libjunk.so")
	if err := os.WriteFile(garbage, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if e := checkFile(garbage, align.DefaultAlignment); e.Error == "" {
		t.Error("garbage parsed")
	}
}

func TestRenderCheckText(t *testing.T) {
	entries := []checkEntry{
		{File: "liba.so", Variant: "x86", Loads: 2},
		{File: "libb.so", Triple: "ELF64/LE/x", Loads: 1, Violations: []align.Violation{{Index: 1, Reason: "p_align below 0x4000"}}},
	}
	var out bytes.Buffer
	renderCheckText(&out, entries, align.DefaultAlignment)
	text := out.String()
	for _, want := range []string{"liba.so", "1 misaligned", "p_align below 0x4000", "1 of 2 libraries need alignment"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRenderInspect(t *testing.T) {
	lib := testkit.Misaligned(tripleOf(t, "x86_64"), 2)
	img := testkit.MustBuild(t, lib)
	var out bytes.Buffer
	if err := renderInspect(&out, "libfoo.so", img, align.DefaultAlignment, true); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"x86_64 (elf64-x86-64)", "LOAD", ".comment", "misaligned:"} {
		if !strings.Contains(text, want) {
			t.Errorf("inspect output missing %q:\n%s", want, text)
		}
	}
}

func TestRenderVariants(t *testing.T) {
	var out bytes.Buffer
	renderVariants(&out, variant.All())
	for _, id := range variant.IDs() {
		if !strings.Contains(out.String(), id) {
			t.Errorf("variants table missing %s", id)
		}
	}
}

func TestRenderVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := renderVersionJSON(&out, version.Info{Version: "1.2.3"}, versionOptions{format: "json", showHash: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"git_commit": "unknown"`) {
		t.Errorf("json = %s", out.String())
	}
	if strings.Contains(out.String(), "build_date") {
		t.Errorf("unrequested date rendered: %s", out.String())
	}
}
