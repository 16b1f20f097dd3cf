// Package variant holds the fixed registry of Android ABI variants and the
// ELF triple each of them requires.
package variant

import (
	"errors"
	"fmt"
	"strings"

	"soalign/internal/elfimage"
)

// ErrUnknownVariant is returned for an ID missing from the registry.
var ErrUnknownVariant = errors.New("unknown variant")

// Variant is one target ABI.
type Variant struct {
	// ID is the Android ABI name, e.g. "arm64-v8a".
	ID     string
	Triple elfimage.Triple
	// Subdir is the output directory name under the target root.
	Subdir string
	// Format is the binutils BFD target name of the variant.
	Format string
}

// Matches reports whether an image with triple t belongs to v.
func (v Variant) Matches(t elfimage.Triple) bool { return v.Triple == t }

func (v Variant) String() string { return v.ID }

var registry = []Variant{
	{
		ID:     "arm64-v8a",
		Triple: elfimage.Triple{Class: elfimage.Class64, Endian: elfimage.LittleEndian, Machine: elfimage.MachineAArch64},
		Subdir: "arm64-v8a",
		Format: "elf64-littleaarch64",
	},
	{
		ID:     "armeabi-v7a",
		Triple: elfimage.Triple{Class: elfimage.Class32, Endian: elfimage.LittleEndian, Machine: elfimage.MachineARM},
		Subdir: "armeabi-v7a",
		Format: "elf32-littlearm",
	},
	{
		ID:     "x86",
		Triple: elfimage.Triple{Class: elfimage.Class32, Endian: elfimage.LittleEndian, Machine: elfimage.Machine386},
		Subdir: "x86",
		Format: "elf32-i386",
	},
	{
		ID:     "x86_64",
		Triple: elfimage.Triple{Class: elfimage.Class64, Endian: elfimage.LittleEndian, Machine: elfimage.MachineX86_64},
		Subdir: "x86_64",
		Format: "elf64-x86-64",
	},
}

// All returns every variant in registry order.
func All() []Variant {
	return append([]Variant(nil), registry...)
}

// IDs returns the registry IDs in order.
func IDs() []string {
	ids := make([]string, len(registry))
	for i, v := range registry {
		ids[i] = v.ID
	}
	return ids
}

// Lookup finds a variant by ID.
func Lookup(id string) (Variant, error) {
	for _, v := range registry {
		if v.ID == id {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownVariant, id, strings.Join(IDs(), ", "))
}

// Select resolves ids, which may contain comma-separated lists, into
// variants in registry order without duplicates. An empty selection yields
// the whole registry.
func Select(ids []string) ([]Variant, error) {
	want := make(map[string]bool)
	for _, raw := range ids {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, err := Lookup(id); err != nil {
				return nil, err
			}
			want[id] = true
		}
	}
	if len(want) == 0 {
		return All(), nil
	}
	out := make([]Variant, 0, len(want))
	for _, v := range registry {
		if want[v.ID] {
			out = append(out, v)
		}
	}
	return out, nil
}

// Detect returns the variant whose triple is t.
func Detect(t elfimage.Triple) (Variant, bool) {
	for _, v := range registry {
		if v.Matches(t) {
			return v, true
		}
	}
	return Variant{}, false
}
