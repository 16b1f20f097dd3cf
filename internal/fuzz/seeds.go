package fuzztests

import (
	"testing"

	"soalign/internal/elfimage"
	"soalign/internal/testkit"
)

const (
	maxSeedBytes = 256 << 10 // 256 KiB
)

var seedTriples = []elfimage.Triple{
	{Class: elfimage.Class64, Endian: elfimage.LittleEndian, Machine: elfimage.MachineAArch64},
	{Class: elfimage.Class32, Endian: elfimage.LittleEndian, Machine: elfimage.MachineARM},
	{Class: elfimage.Class32, Endian: elfimage.BigEndian, Machine: elfimage.Machine386},
}

// hostileSectionAligns are sh_addralign values on a trailing section that must
// be rejected before the aligner pads the output to their size.
var hostileSectionAligns = []uint64{0x3030303030, 1 << 40, 1 << 31}

func addCorpusSeeds(f *testing.F) {
	addSyntheticSeeds(f)
	addHostileSeeds(f)
}

func addSyntheticSeeds(f *testing.F) {
	for _, tr := range seedTriples {
		for _, n := range []int{1, 3} {
			lib := testkit.Misaligned(tr, n)
			f.Add(clampSeed(testkit.MustBytes(f, lib)))
			lib.DetachedPhdrs = true
			f.Add(clampSeed(testkit.MustBytes(f, lib)))
		}
	}
	f.Add([]byte{})
	f.Add([]byte("\x7fELF"))
}

func addHostileSeeds(f *testing.F) {
	for _, tr := range seedTriples {
		good := testkit.MustBytes(f, testkit.Misaligned(tr, 3))
		for _, a := range hostileSectionAligns {
			f.Add(testkit.WithSectionAlign(f, good, ".comment", a))
		}
		f.Add(clampSeed(good[:200]))
	}
}

func clampSeed(src []byte) []byte {
	if len(src) <= maxSeedBytes {
		return append([]byte(nil), src...)
	}
	return append([]byte(nil), src[:maxSeedBytes]...)
}
