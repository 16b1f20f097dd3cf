// Package testkit builds synthetic shared libraries and checks layout
// invariants for tests across the module.
package testkit

import (
	"bytes"
	"fmt"
	"testing"

	"soalign/internal/elfimage"
)

// Segment is one PT_LOAD of a synthetic library. The first segment always
// starts at file offset 0 and also carries the ELF header.
type Segment struct {
	Name   string
	VAddr  uint64
	Offset uint64
	Data   []byte
	BSS    uint64
	Flags  uint32
}

// Section is file data outside every load segment.
type Section struct {
	Name  string
	Data  []byte
	Align uint64
}

// Extra is a non-load program header covering the named section, or nothing
// when Section is empty.
type Extra struct {
	Type    elfimage.ProgType
	Section string
}

// Library describes a synthetic shared object.
type Library struct {
	Triple        elfimage.Triple
	Segments      []Segment
	Extras        []Extra
	Trailing      []Section
	PhdrSegment   bool
	DetachedPhdrs bool
	// LoadAlign is p_align of every load; 4096 when zero.
	LoadAlign uint64
}

// Build lays the library out and returns the parsed image.
func (lib Library) Build() (*elfimage.Image, error) {
	if len(lib.Segments) == 0 {
		return nil, fmt.Errorf("library needs at least one segment")
	}
	h := elfimage.NewHeader(lib.Triple)
	word := uint64(4)
	if lib.Triple.Class == elfimage.Class64 {
		word = 8
	}
	loadAlign := lib.LoadAlign
	if loadAlign == 0 {
		loadAlign = 4096
	}

	phnum := len(lib.Segments) + len(lib.Extras)
	if lib.PhdrSegment {
		phnum++
	}
	phSize := uint64(phnum) * uint64(h.PhEntSize)
	h.PhNum = uint16(phnum)

	headerEnd := uint64(h.EhSize)
	if !lib.DetachedPhdrs {
		h.PhOff = headerEnd
		headerEnd += phSize
	}

	var names bytes.Buffer
	names.WriteByte(0)
	addName := func(n string) uint32 {
		off := uint32(names.Len())
		names.WriteString(n)
		names.WriteByte(0)
		return off
	}

	type chunk struct {
		off  uint64
		data []byte
	}
	var chunks []chunk
	sections := []elfimage.SectionHeader{{}}
	var loads []elfimage.ProgramHeader

	var end uint64
	for i, seg := range lib.Segments {
		var off, dataOff uint64
		if i == 0 {
			off = 0
			dataOff = alignUp(headerEnd, 16)
		} else {
			off = seg.Offset
			if off < end {
				return nil, fmt.Errorf("segment %d offset %#x inside previous data ending at %#x", i, off, end)
			}
			dataOff = off
		}
		fileSize := dataOff - off + uint64(len(seg.Data))
		chunks = append(chunks, chunk{off: dataOff, data: seg.Data})
		flags := seg.Flags
		if flags == 0 {
			flags = elfimage.FlagR
		}
		loads = append(loads, elfimage.ProgramHeader{
			Type:     elfimage.ProgLoad,
			Flags:    flags,
			Offset:   off,
			VAddr:    seg.VAddr,
			PAddr:    seg.VAddr,
			FileSize: fileSize,
			MemSize:  fileSize + seg.BSS,
			Align:    loadAlign,
		})
		name := seg.Name
		if name == "" {
			name = fmt.Sprintf(".seg%d", i)
		}
		sections = append(sections, elfimage.SectionHeader{
			NameOffset: addName(name),
			Name:       name,
			Type:       elfimage.SectionProgbits,
			Flags:      0x2,
			Addr:       seg.VAddr + (dataOff - off),
			Offset:     dataOff,
			Size:       uint64(len(seg.Data)),
			AddrAlign:  16,
		})
		if seg.BSS > 0 {
			sections = append(sections, elfimage.SectionHeader{
				NameOffset: addName(".bss"),
				Name:       ".bss",
				Type:       elfimage.SectionNobits,
				Flags:      0x3,
				Addr:       seg.VAddr + fileSize,
				Offset:     off + fileSize,
				Size:       seg.BSS,
				AddrAlign:  16,
			})
		}
		end = off + fileSize
	}

	for _, s := range lib.Trailing {
		align := max(s.Align, 1)
		off := alignUp(end, align)
		chunks = append(chunks, chunk{off: off, data: s.Data})
		sections = append(sections, elfimage.SectionHeader{
			NameOffset: addName(s.Name),
			Name:       s.Name,
			Type:       elfimage.SectionProgbits,
			Offset:     off,
			Size:       uint64(len(s.Data)),
			AddrAlign:  align,
		})
		end = off + uint64(len(s.Data))
	}

	strndx := len(sections)
	strName := addName(".shstrtab")
	strtab := names.Bytes()
	chunks = append(chunks, chunk{off: end, data: strtab})
	sections = append(sections, elfimage.SectionHeader{
		NameOffset: strName,
		Name:       ".shstrtab",
		Type:       elfimage.SectionStrtab,
		Offset:     end,
		Size:       uint64(len(strtab)),
		AddrAlign:  1,
	})
	end += uint64(len(strtab))

	if lib.DetachedPhdrs {
		h.PhOff = alignUp(end, word)
		end = h.PhOff + phSize
	}
	h.ShOff = alignUp(end, word)
	h.ShNum = uint16(len(sections))
	h.ShStrNdx = uint16(strndx)
	end = h.ShOff + uint64(len(sections))*uint64(h.ShEntSize)

	var progs []elfimage.ProgramHeader
	if lib.PhdrSegment {
		progs = append(progs, elfimage.ProgramHeader{
			Type:     elfimage.ProgPhdr,
			Flags:    elfimage.FlagR,
			Offset:   h.PhOff,
			VAddr:    lib.Segments[0].VAddr + h.PhOff,
			PAddr:    lib.Segments[0].VAddr + h.PhOff,
			FileSize: phSize,
			MemSize:  phSize,
			Align:    word,
		})
	}
	progs = append(progs, loads...)
	for _, x := range lib.Extras {
		p := elfimage.ProgramHeader{Type: x.Type, Flags: elfimage.FlagR | elfimage.FlagW, Align: 16}
		if x.Section != "" {
			s, ok := findSection(sections, x.Section)
			if !ok {
				return nil, fmt.Errorf("extra %s covers unknown section %q", x.Type, x.Section)
			}
			p.Offset = s.Offset
			p.VAddr = s.Addr
			p.PAddr = s.Addr
			p.FileSize = s.Size
			p.MemSize = s.Size
			p.Align = word
		}
		progs = append(progs, p)
	}

	buf := make([]byte, end)
	for _, c := range chunks {
		copy(buf[c.off:], c.data)
	}
	return elfimage.Assemble(buf, h, progs, sections)
}

// MustBuild is Build for tests.
func MustBuild(tb testing.TB, lib Library) *elfimage.Image {
	tb.Helper()
	img, err := lib.Build()
	if err != nil {
		tb.Fatalf("build synthetic library: %v", err)
	}
	return img
}

// MustBytes returns the serialized form of a synthetic library.
func MustBytes(tb testing.TB, lib Library) []byte {
	tb.Helper()
	out, err := MustBuild(tb, lib).Serialize()
	if err != nil {
		tb.Fatalf("serialize synthetic library: %v", err)
	}
	return out
}

// WithSectionAlign returns a copy of b with sh_addralign of the named section
// overwritten in place. The result is not re-parsed, so it may be malformed.
// ELF32 images keep only the low 32 bits of align.
func WithSectionAlign(tb testing.TB, b []byte, name string, align uint64) []byte {
	tb.Helper()
	img, err := elfimage.Parse(bytes.Clone(b))
	if err != nil {
		tb.Fatalf("parse library: %v", err)
	}
	h := img.Header()
	order := img.ByteOrder()
	for i, s := range img.Sections() {
		if s.Name != name {
			continue
		}
		out := bytes.Clone(b)
		off := h.ShOff + uint64(i)*uint64(h.ShEntSize)
		if img.Class() == elfimage.Class64 {
			order.PutUint64(out[off+48:], align)
		} else {
			order.PutUint32(out[off+32:], uint32(align&0xffffffff))
		}
		return out
	}
	tb.Fatalf("library has no section %q", name)
	return nil
}

// Misaligned returns a library with n load segments laid out for 4 KiB pages:
// every segment after the first sits one 4 KiB page off its 16 KiB slot. The
// last segment carries .dynamic, and a build-id note lives outside the loads.
func Misaligned(t elfimage.Triple, n int) Library {
	lib := Library{
		Triple:      t,
		PhdrSegment: true,
		Extras: []Extra{
			{Type: elfimage.ProgGNUStack},
			{Type: elfimage.ProgNote, Section: ".note.gnu.build-id"},
		},
		Trailing: []Section{
			{Name: ".note.gnu.build-id", Data: pattern(0x24, 0x4e), Align: 4},
			{Name: ".comment", Data: []byte("synthetic toolchain 1.0\x00"), Align: 1},
		},
	}
	for i := range n {
		seg := Segment{
			Name:  fmt.Sprintf(".seg%d", i),
			Data:  pattern(0x100+i*0x40, byte(i+1)),
			Flags: elfimage.FlagR,
		}
		if i > 0 {
			seg.Offset = uint64(i)*0x1000 + uint64(i)*0x40
			seg.VAddr = seg.Offset + uint64(i)*0x10000 + 0x1000
			seg.Flags = elfimage.FlagR | elfimage.FlagW
		}
		lib.Segments = append(lib.Segments, seg)
	}
	if n > 1 {
		lib.Segments[n-1].Name = ".dynamic"
		lib.Segments[n-1].BSS = 0x80
		lib.Extras = append(lib.Extras, Extra{Type: elfimage.ProgDynamic, Section: ".dynamic"})
	}
	return lib
}

func findSection(sections []elfimage.SectionHeader, name string) (elfimage.SectionHeader, bool) {
	for _, s := range sections {
		if s.Name == name {
			return s, true
		}
	}
	return elfimage.SectionHeader{}, false
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func alignUp(x, a uint64) uint64 {
	if a <= 1 {
		return x
	}
	if r := x % a; r != 0 {
		x += a - r
	}
	return x
}
