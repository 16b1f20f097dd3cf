package variant

import (
	"errors"
	"testing"

	"soalign/internal/elfimage"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		id      string
		class   elfimage.Class
		machine elfimage.Machine
		format  string
	}{
		{"arm64-v8a", elfimage.Class64, elfimage.MachineAArch64, "elf64-littleaarch64"},
		{"armeabi-v7a", elfimage.Class32, elfimage.MachineARM, "elf32-littlearm"},
		{"x86", elfimage.Class32, elfimage.Machine386, "elf32-i386"},
		{"x86_64", elfimage.Class64, elfimage.MachineX86_64, "elf64-x86-64"},
	}
	for _, tt := range tests {
		v, err := Lookup(tt.id)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tt.id, err)
		}
		if v.Triple.Class != tt.class || v.Triple.Machine != tt.machine || v.Triple.Endian != elfimage.LittleEndian {
			t.Errorf("%s triple = %s", tt.id, v.Triple)
		}
		if v.Subdir != tt.id {
			t.Errorf("%s subdir = %q", tt.id, v.Subdir)
		}
		if v.Format != tt.format {
			t.Errorf("%s format = %q, want %q", tt.id, v.Format, tt.format)
		}
	}
	if _, err := Lookup("mips"); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("Lookup(mips) err = %v", err)
	}
}

func TestSelectKeepsRegistryOrder(t *testing.T) {
	got, err := Select([]string{"x86_64,arm64-v8a", "x86_64"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "arm64-v8a" || got[1].ID != "x86_64" {
		t.Errorf("Select = %v", got)
	}
	all, err := Select(nil)
	if err != nil || len(all) != 4 {
		t.Errorf("Select(nil) = %v, %v", all, err)
	}
	if _, err := Select([]string{"arm64-v8a,bogus"}); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("Select with unknown id err = %v", err)
	}
}

func TestDetect(t *testing.T) {
	for _, v := range All() {
		got, ok := Detect(v.Triple)
		if !ok || got.ID != v.ID {
			t.Errorf("Detect(%s) = %v, %v", v.Triple, got, ok)
		}
	}
	be := elfimage.Triple{Class: elfimage.Class64, Endian: elfimage.BigEndian, Machine: elfimage.MachineAArch64}
	if _, ok := Detect(be); ok {
		t.Error("big-endian AArch64 matched a variant")
	}
}

func TestAllReturnsCopy(t *testing.T) {
	a := All()
	a[0].ID = "changed"
	if All()[0].ID != "arm64-v8a" {
		t.Error("All exposes the registry")
	}
}
