package elfimage

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// IdentSize is the length of e_ident.
const IdentSize = 16

const (
	identClass   = 4
	identData    = 5
	identVersion = 6
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

type elfHeader32 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	PhOff     uint32
	ShOff     uint32
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

type elfHeader64 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

type programHeader32 struct {
	Type     uint32
	Offset   uint32
	VAddr    uint32
	PAddr    uint32
	FileSize uint32
	MemSize  uint32
	Flags    uint32
	Align    uint32
}

type programHeader64 struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type sectionHeader32 struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntSize   uint32
}

type sectionHeader64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// HeaderSize returns the encoded size of the ELF header for class c.
func HeaderSize(c Class) int {
	if c == Class64 {
		return IdentSize + binary.Size(elfHeader64{})
	}
	return IdentSize + binary.Size(elfHeader32{})
}

// ProgramHeaderSize returns the encoded size of one program header for class c.
func ProgramHeaderSize(c Class) int {
	if c == Class64 {
		return binary.Size(programHeader64{})
	}
	return binary.Size(programHeader32{})
}

// SectionHeaderSize returns the encoded size of one section header for class c.
func SectionHeaderSize(c Class) int {
	if c == Class64 {
		return binary.Size(sectionHeader64{})
	}
	return binary.Size(sectionHeader32{})
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	copy(h.Ident[:], buf[:IdentSize])
	order := h.Endian().ByteOrder()
	body := buf[IdentSize:]

	if h.Class() == Class64 {
		var fh elfHeader64
		if _, err := binary.Decode(body, order, &fh); err != nil {
			return h, err
		}
		h.Type = fh.Type
		h.Machine = Machine(fh.Machine)
		h.Version = fh.Version
		h.Entry = fh.Entry
		h.PhOff = fh.PhOff
		h.ShOff = fh.ShOff
		h.Flags = fh.Flags
		h.EhSize = fh.EhSize
		h.PhEntSize = fh.PhEntSize
		h.PhNum = fh.PhNum
		h.ShEntSize = fh.ShEntSize
		h.ShNum = fh.ShNum
		h.ShStrNdx = fh.ShStrNdx
		return h, nil
	}

	var fh elfHeader32
	if _, err := binary.Decode(body, order, &fh); err != nil {
		return h, err
	}
	h.Type = fh.Type
	h.Machine = Machine(fh.Machine)
	h.Version = fh.Version
	h.Entry = uint64(fh.Entry)
	h.PhOff = uint64(fh.PhOff)
	h.ShOff = uint64(fh.ShOff)
	h.Flags = fh.Flags
	h.EhSize = fh.EhSize
	h.PhEntSize = fh.PhEntSize
	h.PhNum = fh.PhNum
	h.ShEntSize = fh.ShEntSize
	h.ShNum = fh.ShNum
	h.ShStrNdx = fh.ShStrNdx
	return h, nil
}

func encodeHeader(buf []byte, h Header) error {
	copy(buf[:IdentSize], h.Ident[:])
	order := h.Endian().ByteOrder()
	body := buf[IdentSize:]

	if h.Class() == Class64 {
		fh := elfHeader64{
			Type:      h.Type,
			Machine:   uint16(h.Machine),
			Version:   h.Version,
			Entry:     h.Entry,
			PhOff:     h.PhOff,
			ShOff:     h.ShOff,
			Flags:     h.Flags,
			EhSize:    h.EhSize,
			PhEntSize: h.PhEntSize,
			PhNum:     h.PhNum,
			ShEntSize: h.ShEntSize,
			ShNum:     h.ShNum,
			ShStrNdx:  h.ShStrNdx,
		}
		_, err := binary.Encode(body, order, &fh)
		return err
	}

	entry, err := narrow("e_entry", h.Entry)
	if err != nil {
		return err
	}
	phoff, err := narrow("e_phoff", h.PhOff)
	if err != nil {
		return err
	}
	shoff, err := narrow("e_shoff", h.ShOff)
	if err != nil {
		return err
	}
	fh := elfHeader32{
		Type:      h.Type,
		Machine:   uint16(h.Machine),
		Version:   h.Version,
		Entry:     entry,
		PhOff:     phoff,
		ShOff:     shoff,
		Flags:     h.Flags,
		EhSize:    h.EhSize,
		PhEntSize: h.PhEntSize,
		PhNum:     h.PhNum,
		ShEntSize: h.ShEntSize,
		ShNum:     h.ShNum,
		ShStrNdx:  h.ShStrNdx,
	}
	_, err = binary.Encode(body, order, &fh)
	return err
}

func decodeProgramHeader(buf []byte, c Class, order binary.ByteOrder) (ProgramHeader, error) {
	if c == Class64 {
		var ph programHeader64
		if _, err := binary.Decode(buf, order, &ph); err != nil {
			return ProgramHeader{}, err
		}
		return ProgramHeader{
			Type:     ProgType(ph.Type),
			Flags:    ph.Flags,
			Offset:   ph.Offset,
			VAddr:    ph.VAddr,
			PAddr:    ph.PAddr,
			FileSize: ph.FileSize,
			MemSize:  ph.MemSize,
			Align:    ph.Align,
		}, nil
	}

	var ph programHeader32
	if _, err := binary.Decode(buf, order, &ph); err != nil {
		return ProgramHeader{}, err
	}
	return ProgramHeader{
		Type:     ProgType(ph.Type),
		Flags:    ph.Flags,
		Offset:   uint64(ph.Offset),
		VAddr:    uint64(ph.VAddr),
		PAddr:    uint64(ph.PAddr),
		FileSize: uint64(ph.FileSize),
		MemSize:  uint64(ph.MemSize),
		Align:    uint64(ph.Align),
	}, nil
}

func encodeProgramHeader(buf []byte, c Class, order binary.ByteOrder, p ProgramHeader) error {
	if c == Class64 {
		ph := programHeader64{
			Type:     uint32(p.Type),
			Flags:    p.Flags,
			Offset:   p.Offset,
			VAddr:    p.VAddr,
			PAddr:    p.PAddr,
			FileSize: p.FileSize,
			MemSize:  p.MemSize,
			Align:    p.Align,
		}
		_, err := binary.Encode(buf, order, &ph)
		return err
	}

	var (
		ph  programHeader32
		err error
	)
	ph.Type = uint32(p.Type)
	ph.Flags = p.Flags
	if ph.Offset, err = narrow("p_offset", p.Offset); err != nil {
		return err
	}
	if ph.VAddr, err = narrow("p_vaddr", p.VAddr); err != nil {
		return err
	}
	if ph.PAddr, err = narrow("p_paddr", p.PAddr); err != nil {
		return err
	}
	if ph.FileSize, err = narrow("p_filesz", p.FileSize); err != nil {
		return err
	}
	if ph.MemSize, err = narrow("p_memsz", p.MemSize); err != nil {
		return err
	}
	if ph.Align, err = narrow("p_align", p.Align); err != nil {
		return err
	}
	_, err = binary.Encode(buf, order, &ph)
	return err
}

func decodeSectionHeader(buf []byte, c Class, order binary.ByteOrder) (SectionHeader, error) {
	if c == Class64 {
		var sh sectionHeader64
		if _, err := binary.Decode(buf, order, &sh); err != nil {
			return SectionHeader{}, err
		}
		return SectionHeader{
			NameOffset: sh.Name,
			Type:       SectionType(sh.Type),
			Flags:      sh.Flags,
			Addr:       sh.Addr,
			Offset:     sh.Offset,
			Size:       sh.Size,
			Link:       sh.Link,
			Info:       sh.Info,
			AddrAlign:  sh.AddrAlign,
			EntSize:    sh.EntSize,
		}, nil
	}

	var sh sectionHeader32
	if _, err := binary.Decode(buf, order, &sh); err != nil {
		return SectionHeader{}, err
	}
	return SectionHeader{
		NameOffset: sh.Name,
		Type:       SectionType(sh.Type),
		Flags:      uint64(sh.Flags),
		Addr:       uint64(sh.Addr),
		Offset:     uint64(sh.Offset),
		Size:       uint64(sh.Size),
		Link:       sh.Link,
		Info:       sh.Info,
		AddrAlign:  uint64(sh.AddrAlign),
		EntSize:    uint64(sh.EntSize),
	}, nil
}

func encodeSectionHeader(buf []byte, c Class, order binary.ByteOrder, s SectionHeader) error {
	if c == Class64 {
		sh := sectionHeader64{
			Name:      s.NameOffset,
			Type:      uint32(s.Type),
			Flags:     s.Flags,
			Addr:      s.Addr,
			Offset:    s.Offset,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			AddrAlign: s.AddrAlign,
			EntSize:   s.EntSize,
		}
		_, err := binary.Encode(buf, order, &sh)
		return err
	}

	var (
		sh  sectionHeader32
		err error
	)
	sh.Name = s.NameOffset
	sh.Type = uint32(s.Type)
	sh.Link = s.Link
	sh.Info = s.Info
	if sh.Flags, err = narrow("sh_flags", s.Flags); err != nil {
		return err
	}
	if sh.Addr, err = narrow("sh_addr", s.Addr); err != nil {
		return err
	}
	if sh.Offset, err = narrow("sh_offset", s.Offset); err != nil {
		return err
	}
	if sh.Size, err = narrow("sh_size", s.Size); err != nil {
		return err
	}
	if sh.AddrAlign, err = narrow("sh_addralign", s.AddrAlign); err != nil {
		return err
	}
	if sh.EntSize, err = narrow("sh_entsize", s.EntSize); err != nil {
		return err
	}
	_, err = binary.Encode(buf, order, &sh)
	return err
}

func narrow(field string, v uint64) (uint32, error) {
	out, err := safecast.Conv[uint32](v)
	if err != nil {
		return 0, fmt.Errorf("%s %#x does not fit ELF32: %w", field, v, err)
	}
	return out, nil
}
