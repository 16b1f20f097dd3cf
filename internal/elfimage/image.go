// Package elfimage parses ELF files into an immutable header/segment/section
// model and serializes that model back to bytes.
//
// Only the container is modelled: the ELF header, the program header table and
// the section header table. Section and segment contents stay in the raw
// buffer and are addressed by file offset.
package elfimage

import (
	"bytes"
	"encoding/binary"
	"slices"
)

// Image is a parsed ELF file. It is never mutated after construction.
type Image struct {
	raw      []byte
	header   Header
	progs    []ProgramHeader
	sections []SectionHeader
}

// Header returns the ELF file header.
func (img *Image) Header() Header { return img.header }

// Triple returns the class/endianness/machine of the image.
func (img *Image) Triple() Triple { return img.header.Triple() }

// Class returns the ELF class.
func (img *Image) Class() Class { return img.header.Class() }

// ByteOrder returns the byte order used by the image.
func (img *Image) ByteOrder() binary.ByteOrder { return img.header.Endian().ByteOrder() }

// Size returns the length of the file image in bytes.
func (img *Image) Size() int { return len(img.raw) }

// Bytes returns a copy of the raw buffer the image was parsed from.
func (img *Image) Bytes() []byte { return bytes.Clone(img.raw) }

// Slice returns a copy of the file bytes in [off, off+n), clipped to the buffer.
func (img *Image) Slice(off, n uint64) []byte {
	size := uint64(len(img.raw))
	if off >= size {
		return nil
	}
	end := min(off+n, size)
	if end < off {
		end = size
	}
	return bytes.Clone(img.raw[off:end])
}

// ProgramHeaders returns a copy of the program header table.
func (img *Image) ProgramHeaders() []ProgramHeader { return slices.Clone(img.progs) }

// Sections returns a copy of the section header table.
func (img *Image) Sections() []SectionHeader { return slices.Clone(img.sections) }

// Loads returns the PT_LOAD entries in program header table order.
func (img *Image) Loads() []LoadSegment {
	var loads []LoadSegment
	for i, p := range img.progs {
		if p.Type == ProgLoad {
			loads = append(loads, LoadSegment{Index: i, ProgramHeader: p})
		}
	}
	return loads
}

// Serialize encodes the image back to a byte slice. For an image returned by
// Parse the result is byte-identical to the parsed input.
func (img *Image) Serialize() ([]byte, error) {
	out := bytes.Clone(img.raw)
	if err := writeTables(out, img.header, img.progs, img.sections); err != nil {
		return nil, err
	}
	return out, nil
}

// Assemble builds an image from a payload buffer and new header tables. The
// tables are encoded into buf, which the image takes ownership of, and the
// result is re-parsed so an assembled image satisfies every Parse invariant.
func Assemble(buf []byte, h Header, progs []ProgramHeader, sections []SectionHeader) (*Image, error) {
	if len(buf) < HeaderSize(h.Class()) {
		return nil, Malformed("assembled buffer of %d bytes cannot hold the ELF header", len(buf))
	}
	if int(h.PhNum) != len(progs) || int(h.ShNum) != len(sections) {
		return nil, Malformed("header counts %d/%d do not match %d program and %d section headers", h.PhNum, h.ShNum, len(progs), len(sections))
	}
	if err := checkTable("program header", h.PhOff, uint64(len(progs)), uint64(h.PhEntSize), uint64(len(buf))); err != nil {
		return nil, err
	}
	if err := checkTable("section header", h.ShOff, uint64(len(sections)), uint64(h.ShEntSize), uint64(len(buf))); err != nil {
		return nil, err
	}
	if err := writeTables(buf, h, progs, sections); err != nil {
		return nil, err
	}
	return Parse(buf)
}

func writeTables(buf []byte, h Header, progs []ProgramHeader, sections []SectionHeader) error {
	if err := encodeHeader(buf, h); err != nil {
		return err
	}
	c := h.Class()
	order := h.Endian().ByteOrder()
	for i, p := range progs {
		off := h.PhOff + uint64(i)*uint64(h.PhEntSize)
		if err := encodeProgramHeader(buf[off:], c, order, p); err != nil {
			return err
		}
	}
	for i, s := range sections {
		off := h.ShOff + uint64(i)*uint64(h.ShEntSize)
		if err := encodeSectionHeader(buf[off:], c, order, s); err != nil {
			return err
		}
	}
	return nil
}
