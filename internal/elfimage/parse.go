package elfimage

import (
	"bytes"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
)

// Parse decodes b into an Image. The image keeps b as its payload; callers
// must not modify b afterwards. Any structural inconsistency yields an error
// matching ErrMalformed and no image.
func Parse(b []byte) (*Image, error) {
	if len(b) < IdentSize {
		return nil, Malformed("truncated identification: %d bytes", len(b))
	}
	if !bytes.Equal(b[:4], elfMagic[:]) {
		return nil, Malformed("bad magic % x", b[:4])
	}
	c := Class(b[identClass])
	if c != Class32 && c != Class64 {
		return nil, Malformed("unknown class %d", uint8(c))
	}
	e := Endian(b[identData])
	if e != LittleEndian && e != BigEndian {
		return nil, Malformed("unknown data encoding %d", uint8(e))
	}
	if len(b) < HeaderSize(c) {
		return nil, Malformed("truncated %s header: %d bytes", c, len(b))
	}

	h, err := decodeHeader(b)
	if err != nil {
		return nil, Malformed("header: %v", err)
	}
	size := uint64(len(b))

	if int(h.EhSize) < HeaderSize(c) || uint64(h.EhSize) > size {
		return nil, Malformed("e_ehsize %d out of range", h.EhSize)
	}

	if h.PhNum > 0 {
		if int(h.PhEntSize) < ProgramHeaderSize(c) {
			return nil, Malformed("e_phentsize %d smaller than %d", h.PhEntSize, ProgramHeaderSize(c))
		}
		if err := checkTable("program header", h.PhOff, uint64(h.PhNum), uint64(h.PhEntSize), size); err != nil {
			return nil, err
		}
	}

	if h.ShNum == 0 && h.ShOff != 0 {
		return nil, Malformed("extended section numbering is not supported")
	}
	if h.ShStrNdx == SectionIndexXIndex {
		return nil, Malformed("extended section name index is not supported")
	}
	if h.ShNum > 0 {
		if int(h.ShEntSize) < SectionHeaderSize(c) {
			return nil, Malformed("e_shentsize %d smaller than %d", h.ShEntSize, SectionHeaderSize(c))
		}
		if err := checkTable("section header", h.ShOff, uint64(h.ShNum), uint64(h.ShEntSize), size); err != nil {
			return nil, err
		}
		if h.ShStrNdx >= h.ShNum {
			return nil, Malformed("e_shstrndx %d out of range (%d sections)", h.ShStrNdx, h.ShNum)
		}
	}

	tables := []span{{name: "ELF header", off: 0, size: uint64(h.EhSize)}}
	if h.PhNum > 0 {
		tables = append(tables, span{name: "program header table", off: h.PhOff, size: uint64(h.PhNum) * uint64(h.PhEntSize)})
	}
	if h.ShNum > 0 {
		tables = append(tables, span{name: "section header table", off: h.ShOff, size: uint64(h.ShNum) * uint64(h.ShEntSize)})
	}
	if err := checkOverlap(tables); err != nil {
		return nil, err
	}

	order := e.ByteOrder()
	progs := make([]ProgramHeader, 0, h.PhNum)
	var loads []span
	for i := 0; i < int(h.PhNum); i++ {
		off := h.PhOff + uint64(i)*uint64(h.PhEntSize)
		p, err := decodeProgramHeader(b[off:], c, order)
		if err != nil {
			return nil, Malformed("program header %d: %v", i, err)
		}
		if p.FileSize > 0 {
			end, ok := rangeEnd(p.Offset, p.FileSize)
			if !ok || end > size {
				return nil, Malformed("program header %d (%s) range [%#x, +%#x) outside file of %d bytes", i, p.Type, p.Offset, p.FileSize, size)
			}
		}
		if p.Type == ProgLoad {
			if p.Align > 1 && p.Offset%p.Align != p.VAddr%p.Align {
				return nil, Malformed("load segment %d: offset %#x and vaddr %#x not congruent modulo %#x", i, p.Offset, p.VAddr, p.Align)
			}
			if p.FileSize > 0 {
				loads = append(loads, span{name: "load segment " + strconv.Itoa(i), off: p.Offset, size: p.FileSize})
			}
		}
		progs = append(progs, p)
	}
	if err := checkOverlap(loads); err != nil {
		return nil, err
	}

	sections := make([]SectionHeader, 0, h.ShNum)
	var data []span
	for i := 0; i < int(h.ShNum); i++ {
		off := h.ShOff + uint64(i)*uint64(h.ShEntSize)
		s, err := decodeSectionHeader(b[off:], c, order)
		if err != nil {
			return nil, Malformed("section header %d: %v", i, err)
		}
		if s.AddrAlign > 1 && s.AddrAlign&(s.AddrAlign-1) != 0 {
			return nil, Malformed("section %d sh_addralign %#x is not a power of two", i, s.AddrAlign)
		}
		if n := s.FileSize(); n > 0 {
			end, ok := rangeEnd(s.Offset, n)
			if !ok || end > size {
				return nil, Malformed("section %d range [%#x, +%#x) outside file of %d bytes", i, s.Offset, n, size)
			}
			data = append(data, span{name: "section " + strconv.Itoa(i), off: s.Offset, size: n})
		}
		sections = append(sections, s)
	}
	if err := checkOverlap(data); err != nil {
		return nil, err
	}

	if h.ShNum > 0 && h.ShStrNdx != SectionIndexUndef {
		strtab := sections[h.ShStrNdx]
		if strtab.FileSize() == 0 {
			return nil, Malformed("section name table %d has no data", h.ShStrNdx)
		}
		names := b[strtab.Offset : strtab.Offset+strtab.Size]
		for i := range sections {
			name, err := cString(names, sections[i].NameOffset)
			if err != nil {
				return nil, Malformed("section %d name: %v", i, err)
			}
			sections[i].Name = name
		}
	}

	return &Image{raw: b, header: h, progs: progs, sections: sections}, nil
}

type span struct {
	name string
	off  uint64
	size uint64
}

// checkOverlap rejects any two non-empty spans sharing a byte.
func checkOverlap(spans []span) error {
	nonEmpty := spans[:0:0]
	for _, s := range spans {
		if s.size > 0 {
			nonEmpty = append(nonEmpty, s)
		}
	}
	sort.SliceStable(nonEmpty, func(i, j int) bool { return nonEmpty[i].off < nonEmpty[j].off })
	for i := 1; i < len(nonEmpty); i++ {
		prev, cur := nonEmpty[i-1], nonEmpty[i]
		if prev.off+prev.size > cur.off {
			return Malformed("%s [%#x, %#x) overlaps %s at %#x", prev.name, prev.off, prev.off+prev.size, cur.name, cur.off)
		}
	}
	return nil
}

func checkTable(name string, off, count, entsize, size uint64) error {
	if count == 0 {
		return nil
	}
	hi, total := bits.Mul64(count, entsize)
	if hi != 0 {
		return Malformed("%s table size overflows", name)
	}
	end, ok := rangeEnd(off, total)
	if !ok || end > size {
		return Malformed("%s table [%#x, +%#x) outside file of %d bytes", name, off, total, size)
	}
	return nil
}

func rangeEnd(off, n uint64) (uint64, bool) {
	end, carry := bits.Add64(off, n, 0)
	return end, carry == 0
}

func cString(table []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(table)) {
		return "", fmt.Errorf("offset %d beyond string table of %d bytes", off, len(table))
	}
	rest := table[off:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", fmt.Errorf("unterminated string at offset %d", off)
	}
	return string(rest[:n]), nil
}
