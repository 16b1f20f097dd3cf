package align

import (
	"fmt"
	"math"
	"math/bits"
	"sort"

	"soalign/internal/elfimage"
)

// region is a run of file bytes that moves as a unit.
type region struct {
	old  uint64
	size uint64
	new  uint64
}

func (r region) contains(off, n uint64) bool {
	if n == 0 {
		return off >= r.old && off <= r.old+r.size
	}
	return off >= r.old && off+n <= r.old+r.size
}

func (r region) intersects(off, n uint64) bool {
	return n > 0 && r.size > 0 && off < r.old+r.size && r.old < off+n
}

func (r region) translate(off uint64) uint64 {
	return r.new + (off - r.old)
}

// maxSectionAlign bounds the sh_addralign honoured for a relocated section
// when the target alignment is smaller.
const maxSectionAlign uint64 = 1 << 16

type layout struct {
	alignment uint64
	header    elfimage.Header
	progs     []elfimage.ProgramHeader
	sections  []elfimage.SectionHeader

	// pinned ELF header followed by load segments, in file order
	loads []region
	// sections and tables placed after the last load
	moved []region
	// every byte range copied into the output, pinned header first
	copies []region
	size   uint64
}

func plan(img *elfimage.Image, alignment uint64) (*layout, error) {
	l := &layout{
		alignment: alignment,
		header:    img.Header(),
		progs:     img.ProgramHeaders(),
		sections:  img.Sections(),
	}
	orig := img.ProgramHeaders()
	ehsize := uint64(l.header.EhSize)
	pinned := region{old: 0, size: ehsize, new: 0}
	l.loads = append(l.loads, pinned)
	l.copies = append(l.copies, pinned)

	loads := img.Loads()
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].Offset < loads[j].Offset })

	cursor := ehsize
	var delta uint64
	for _, ld := range loads {
		var off uint64
		if ld.Offset == 0 {
			if ld.VAddr%alignment != 0 {
				return nil, fmt.Errorf("%w: load segment %d holds the ELF header but vaddr %#x is not a multiple of %#x",
					ErrSegmentOverlap, ld.Index, ld.VAddr, alignment)
			}
		} else {
			off = congruentUp(max(cursor, ld.Offset+delta), ld.VAddr, alignment)
		}
		delta = off - ld.Offset

		p := &l.progs[ld.Index]
		p.Offset = off
		p.Align = alignment

		r := region{old: ld.Offset, size: ld.FileSize, new: off}
		l.loads = append(l.loads, r)
		if r.size > 0 {
			l.copies = append(l.copies, r)
		}
		cursor = max(cursor, off+ld.FileSize)
	}

	// Sections outside every load are packed after the last one, in table order.
	var trailing []int
	for i := range l.sections {
		s := &l.sections[i]
		if i == 0 && s.Type == elfimage.SectionNull {
			continue
		}
		n := s.FileSize()
		if r, ok := l.findLoad(s.Offset, n); ok {
			s.Offset = r.translate(s.Offset)
			continue
		}
		for _, r := range l.loads[1:] {
			if r.intersects(s.Offset, n) {
				return nil, elfimage.Malformed("section %d (%s) [%#x, +%#x) straddles load segment [%#x, +%#x)",
					i, s.Name, s.Offset, n, r.old, r.size)
			}
		}
		trailing = append(trailing, i)
	}
	for _, i := range trailing {
		s := &l.sections[i]
		n := s.FileSize()
		if n == 0 {
			s.Offset = cursor
			continue
		}
		if s.AddrAlign > max(alignment, maxSectionAlign) {
			return nil, elfimage.Malformed("section %d (%s) sh_addralign %#x exceeds %#x",
				i, s.Name, s.AddrAlign, max(alignment, maxSectionAlign))
		}
		off := alignUp(cursor, s.AddrAlign)
		r := region{old: s.Offset, size: n, new: off}
		l.moved = append(l.moved, r)
		l.copies = append(l.copies, r)
		s.Offset = off
		cursor = off + n
	}

	word := uint64(4)
	if l.header.Class() == elfimage.Class64 {
		word = 8
	}

	oldPhOff := l.header.PhOff
	if l.header.PhNum == 0 {
		l.header.PhOff = 0
	} else {
		n := uint64(l.header.PhNum) * uint64(l.header.PhEntSize)
		if r, ok := l.findLoad(oldPhOff, n); ok {
			l.header.PhOff = r.translate(oldPhOff)
		} else {
			off := alignUp(cursor, word)
			l.copies = append(l.copies, region{old: oldPhOff, size: n, new: off})
			l.header.PhOff = off
			cursor = off + n
		}
	}

	for i := range l.progs {
		p := &l.progs[i]
		if p.Type == elfimage.ProgLoad {
			continue
		}
		old := orig[i]
		switch {
		case p.Type == elfimage.ProgPhdr && old.Offset == oldPhOff && l.header.PhNum > 0:
			p.Offset = l.header.PhOff
		default:
			off, ok := l.translate(old.Offset, old.FileSize)
			if !ok {
				if old.FileSize != 0 {
					return nil, elfimage.Malformed("program header %d (%s) [%#x, +%#x) is not covered by a load segment or section",
						i, old.Type, old.Offset, old.FileSize)
				}
				off = 0
			}
			p.Offset = off
		}
	}

	if l.header.ShNum == 0 {
		l.header.ShOff = 0
	} else {
		n := uint64(l.header.ShNum) * uint64(l.header.ShEntSize)
		off := alignUp(cursor, word)
		l.copies = append(l.copies, region{old: l.header.ShOff, size: n, new: off})
		l.header.ShOff = off
		cursor = off + n
	}

	l.size = cursor
	if limit := sizeLimit(img, alignment); l.size > limit {
		return nil, elfimage.Malformed("aligned image of %d bytes exceeds the %d byte limit for a %d byte input",
			l.size, limit, img.Size())
	}
	if l.header.Class() == elfimage.Class32 && l.size > math.MaxUint32 {
		return nil, elfimage.Malformed("aligned image of %d bytes exceeds the ELF32 offset range", l.size)
	}
	if err := l.checkOverlap(); err != nil {
		return nil, err
	}
	return l, nil
}

// sizeLimit bounds the output: every input byte copied at most twice, plus
// one padding gap per load, section and table.
func sizeLimit(img *elfimage.Image, alignment uint64) uint64 {
	gaps := uint64(len(img.ProgramHeaders()) + len(img.Sections()) + 3)
	hi, pad := bits.Mul64(gaps, max(alignment, maxSectionAlign))
	if hi != 0 {
		return math.MaxUint64
	}
	limit, carry := bits.Add64(2*uint64(img.Size()), pad, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return limit
}

// findLoad returns the pinned header or load region holding [off, off+n).
func (l *layout) findLoad(off, n uint64) (region, bool) {
	for _, r := range l.loads {
		if r.contains(off, n) {
			return r, true
		}
	}
	return region{}, false
}

// translate maps an original file range to its new offset.
func (l *layout) translate(off, n uint64) (uint64, bool) {
	if r, ok := l.findLoad(off, n); ok {
		return r.translate(off), true
	}
	for _, r := range l.moved {
		if r.contains(off, n) {
			return r.translate(off), true
		}
	}
	return 0, false
}

func (l *layout) checkOverlap() error {
	placed := make([]region, 0, len(l.copies))
	for _, r := range l.copies[1:] {
		if r.size > 0 {
			placed = append(placed, r)
		}
	}
	sort.SliceStable(placed, func(i, j int) bool { return placed[i].new < placed[j].new })
	for i := 1; i < len(placed); i++ {
		prev, cur := placed[i-1], placed[i]
		if prev.new+prev.size > cur.new {
			return fmt.Errorf("%w: [%#x, %#x) collides with [%#x, %#x)",
				ErrSegmentOverlap, prev.new, prev.new+prev.size, cur.new, cur.new+cur.size)
		}
	}
	return nil
}

func (l *layout) build(img *elfimage.Image) (*elfimage.Image, error) {
	buf := make([]byte, l.size)
	for _, r := range l.copies {
		copy(buf[r.new:r.new+r.size], img.Slice(r.old, r.size))
	}
	return elfimage.Assemble(buf, l.header, l.progs, l.sections)
}

// congruentUp returns the smallest offset >= x congruent to vaddr modulo align.
func congruentUp(x, vaddr, align uint64) uint64 {
	want := vaddr % align
	off := x - x%align + want
	if off < x {
		off += align
	}
	return off
}

func alignUp(x, align uint64) uint64 {
	if align <= 1 {
		return x
	}
	if r := x % align; r != 0 {
		x += align - r
	}
	return x
}
