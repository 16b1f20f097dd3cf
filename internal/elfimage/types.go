package elfimage

import (
	"encoding/binary"
	"fmt"
)

// Class is the ELF file class (EI_CLASS).
type Class uint8

const (
	ClassNone Class = 0
	Class32   Class = 1
	Class64   Class = 2
)

func (c Class) String() string {
	switch c {
	case Class32:
		return "ELF32"
	case Class64:
		return "ELF64"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Endian is the ELF data encoding (EI_DATA).
type Endian uint8

const (
	EndianNone   Endian = 0
	LittleEndian Endian = 1
	BigEndian    Endian = 2
)

func (e Endian) String() string {
	switch e {
	case LittleEndian:
		return "little"
	case BigEndian:
		return "big"
	default:
		return fmt.Sprintf("endian(%d)", uint8(e))
	}
}

// ByteOrder returns the binary.ByteOrder for the encoding.
func (e Endian) ByteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Machine is the ELF e_machine field.
type Machine uint16

const (
	MachineNone    Machine = 0
	Machine386     Machine = 3
	MachineARM     Machine = 40
	MachineX86_64  Machine = 62
	MachineAArch64 Machine = 183
	MachineRISCV   Machine = 243
)

func (m Machine) String() string {
	switch m {
	case MachineNone:
		return "none"
	case Machine386:
		return "x86"
	case MachineARM:
		return "ARM"
	case MachineX86_64:
		return "x86-64"
	case MachineAArch64:
		return "AArch64"
	case MachineRISCV:
		return "RISC-V"
	default:
		return fmt.Sprintf("machine(%d)", uint16(m))
	}
}

// Triple identifies the binary format of an image.
type Triple struct {
	Class   Class
	Endian  Endian
	Machine Machine
}

func (t Triple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Class, t.Endian, t.Machine)
}

// ProgType is the program header p_type field.
type ProgType uint32

const (
	ProgNull    ProgType = 0
	ProgLoad    ProgType = 1
	ProgDynamic ProgType = 2
	ProgInterp  ProgType = 3
	ProgNote    ProgType = 4
	ProgShlib   ProgType = 5
	ProgPhdr    ProgType = 6
	ProgTLS     ProgType = 7

	ProgGNUEHFrame ProgType = 0x6474e550
	ProgGNUStack   ProgType = 0x6474e551
	ProgGNURelro   ProgType = 0x6474e552
	ProgGNUProp    ProgType = 0x6474e553
	ProgARMExidx   ProgType = 0x70000001
)

func (p ProgType) String() string {
	switch p {
	case ProgNull:
		return "NULL"
	case ProgLoad:
		return "LOAD"
	case ProgDynamic:
		return "DYNAMIC"
	case ProgInterp:
		return "INTERP"
	case ProgNote:
		return "NOTE"
	case ProgShlib:
		return "SHLIB"
	case ProgPhdr:
		return "PHDR"
	case ProgTLS:
		return "TLS"
	case ProgGNUEHFrame:
		return "GNU_EH_FRAME"
	case ProgGNUStack:
		return "GNU_STACK"
	case ProgGNURelro:
		return "GNU_RELRO"
	case ProgGNUProp:
		return "GNU_PROPERTY"
	case ProgARMExidx:
		return "ARM_EXIDX"
	default:
		return fmt.Sprintf("%#x", uint32(p))
	}
}

// Program header flags.
const (
	FlagX uint32 = 0x1
	FlagW uint32 = 0x2
	FlagR uint32 = 0x4
)

// SectionType is the section header sh_type field.
type SectionType uint32

const (
	SectionNull     SectionType = 0
	SectionProgbits SectionType = 1
	SectionSymtab   SectionType = 2
	SectionStrtab   SectionType = 3
	SectionRela     SectionType = 4
	SectionHash     SectionType = 5
	SectionDynamic  SectionType = 6
	SectionNote     SectionType = 7
	SectionNobits   SectionType = 8
	SectionRel      SectionType = 9
	SectionDynsym   SectionType = 11
)

// HasFileData reports whether sections of this type occupy file bytes.
func (s SectionType) HasFileData() bool {
	return s != SectionNobits && s != SectionNull
}

// Special section indices.
const (
	SectionIndexUndef  = 0
	SectionIndexXIndex = 0xffff
)

// Header is the ELF file header. Ident keeps all sixteen identification bytes.
type Header struct {
	Ident     [IdentSize]byte
	Type      uint16
	Machine   Machine
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

// Class returns EI_CLASS.
func (h Header) Class() Class { return Class(h.Ident[identClass]) }

// Endian returns EI_DATA.
func (h Header) Endian() Endian { return Endian(h.Ident[identData]) }

// Triple returns the class/endianness/machine of the header.
func (h Header) Triple() Triple {
	return Triple{Class: h.Class(), Endian: h.Endian(), Machine: h.Machine}
}

// ProgramHeader is one entry of the program header table.
type ProgramHeader struct {
	Type     ProgType
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// End returns the first file offset past the segment's file image.
func (p ProgramHeader) End() uint64 { return p.Offset + p.FileSize }

// FlagString renders the R/W/X flags the way readelf does.
func (p ProgramHeader) FlagString() string {
	b := []byte("   ")
	if p.Flags&FlagR != 0 {
		b[0] = 'R'
	}
	if p.Flags&FlagW != 0 {
		b[1] = 'W'
	}
	if p.Flags&FlagX != 0 {
		b[2] = 'E'
	}
	return string(b)
}

// SectionHeader is one entry of the section header table.
type SectionHeader struct {
	Name       string
	NameOffset uint32
	Type       SectionType
	Flags      uint64
	Addr       uint64
	Offset     uint64
	Size       uint64
	Link       uint32
	Info       uint32
	AddrAlign  uint64
	EntSize    uint64
}

// FileSize returns the number of file bytes the section occupies.
func (s SectionHeader) FileSize() uint64 {
	if !s.Type.HasFileData() {
		return 0
	}
	return s.Size
}

// LoadSegment is a PT_LOAD program header together with its table index.
type LoadSegment struct {
	Index int
	ProgramHeader
}

// TypeDyn is the e_type of shared objects.
const TypeDyn uint16 = 3

// NewHeader returns a shared-object header for t with the identification and
// table entry sizes filled in. Table offsets and counts are left zero.
func NewHeader(t Triple) Header {
	h := Header{
		Type:    TypeDyn,
		Machine: t.Machine,
		Version: 1,
	}
	copy(h.Ident[:], elfMagic[:])
	h.Ident[identClass] = byte(t.Class)
	h.Ident[identData] = byte(t.Endian)
	h.Ident[identVersion] = 1
	h.EhSize = uint16(HeaderSize(t.Class))
	h.PhEntSize = uint16(ProgramHeaderSize(t.Class))
	h.ShEntSize = uint16(SectionHeaderSize(t.Class))
	return h
}
