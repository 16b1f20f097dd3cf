package testkit

import (
	"bytes"
	"fmt"

	"soalign/internal/elfimage"
)

// CheckAlignedLayout verifies that after is a faithful re-layout of before for
// the given alignment:
// 1) header fields other than the table offsets are unchanged
// 2) every load is congruent modulo alignment and carries p_align == alignment
// 3) load addresses, sizes and flags are unchanged and their bytes moved intact
// 4) section addresses, sizes and contents are unchanged
// 5) non-load program headers keep their addresses, sizes and contents
func CheckAlignedLayout(before, after *elfimage.Image, alignment uint64) error {
	bh, ah := before.Header(), after.Header()
	bh.PhOff, bh.ShOff = ah.PhOff, ah.ShOff
	if bh != ah {
		return fmt.Errorf("header changed beyond table offsets: %+v -> %+v", before.Header(), ah)
	}

	bp, ap := before.ProgramHeaders(), after.ProgramHeaders()
	if len(bp) != len(ap) {
		return fmt.Errorf("program header count %d -> %d", len(bp), len(ap))
	}
	for i := range bp {
		b, a := bp[i], ap[i]
		if b.Type != a.Type || b.Flags != a.Flags || b.VAddr != a.VAddr || b.PAddr != a.PAddr ||
			b.FileSize != a.FileSize || b.MemSize != a.MemSize {
			return fmt.Errorf("program header %d (%s) changed: %+v -> %+v", i, b.Type, b, a)
		}
		if a.Type == elfimage.ProgLoad {
			if a.Offset%alignment != a.VAddr%alignment {
				return fmt.Errorf("load %d offset %#x not congruent to vaddr %#x modulo %#x", i, a.Offset, a.VAddr, alignment)
			}
			if a.Align != alignment {
				return fmt.Errorf("load %d p_align %#x, want %#x", i, a.Align, alignment)
			}
		} else if b.Align != a.Align {
			return fmt.Errorf("program header %d (%s) p_align %#x -> %#x", i, b.Type, b.Align, a.Align)
		}
		if b.FileSize > 0 && b.Type != elfimage.ProgPhdr {
			if !bytes.Equal(maskTables(before, b.Offset, b.FileSize), maskTables(after, a.Offset, a.FileSize)) {
				return fmt.Errorf("program header %d (%s) contents differ after move", i, b.Type)
			}
		}
	}

	bs, as := before.Sections(), after.Sections()
	if len(bs) != len(as) {
		return fmt.Errorf("section count %d -> %d", len(bs), len(as))
	}
	for i := range bs {
		b, a := bs[i], as[i]
		if b.Name != a.Name || b.Type != a.Type || b.Addr != a.Addr || b.Size != a.Size ||
			b.Flags != a.Flags || b.AddrAlign != a.AddrAlign {
			return fmt.Errorf("section %d (%s) changed: %+v -> %+v", i, b.Name, b, a)
		}
		if n := b.FileSize(); n > 0 {
			if !bytes.Equal(before.Slice(b.Offset, n), after.Slice(a.Offset, n)) {
				return fmt.Errorf("section %d (%s) contents differ after move", i, b.Name)
			}
			if a.AddrAlign > 1 && a.Offset%a.AddrAlign != 0 && b.Offset%b.AddrAlign == 0 {
				return fmt.Errorf("section %d (%s) lost its alignment at %#x", i, a.Name, a.Offset)
			}
		}
	}
	return nil
}

// maskTables returns the file bytes in [off, off+n) with the ELF header and the
// header tables zeroed, since those are rewritten on every layout change.
func maskTables(img *elfimage.Image, off, n uint64) []byte {
	data := img.Slice(off, n)
	h := img.Header()
	tables := [][2]uint64{
		{0, uint64(h.EhSize)},
		{h.PhOff, uint64(h.PhNum) * uint64(h.PhEntSize)},
		{h.ShOff, uint64(h.ShNum) * uint64(h.ShEntSize)},
	}
	for _, t := range tables {
		lo, hi := max(t[0], off), min(t[0]+t[1], off+uint64(len(data)))
		for p := lo; p < hi; p++ {
			data[p-off] = 0
		}
	}
	return data
}
