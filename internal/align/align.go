// Package align rewrites the file layout of an ELF image so that every
// PT_LOAD segment starts at an offset congruent to its virtual address modulo
// a target alignment, and raises each segment's p_align to that value.
//
// Virtual addresses, section contents and symbol values are never touched;
// only file offsets move.
package align

import (
	"errors"
	"fmt"

	"soalign/internal/elfimage"
)

// DefaultAlignment is the 16 KiB page size targeted by default.
const DefaultAlignment uint64 = 16384

// LayoutRevision changes whenever Align produces different bytes for some
// input. Caches of aligned outputs key on it.
const LayoutRevision = 1

var (
	// ErrUnsupportedClass reports an image whose class/endianness/machine does
	// not match the variant it is being aligned for.
	ErrUnsupportedClass = errors.New("unsupported ELF class")
	// ErrAlignmentNotPowerOfTwo reports an invalid target alignment.
	ErrAlignmentNotPowerOfTwo = errors.New("alignment is not a power of two")
	// ErrSegmentOverlap reports a computed layout whose file ranges collide.
	ErrSegmentOverlap = errors.New("segment overlap")
)

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Align returns a new image whose load segments are aligned to alignment.
// want is the triple the caller expects the image to carry. The input image is
// not modified. Aligning an already aligned image yields identical bytes.
func Align(img *elfimage.Image, alignment uint64, want elfimage.Triple) (*elfimage.Image, error) {
	if !IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("%w: %d", ErrAlignmentNotPowerOfTwo, alignment)
	}
	if img == nil {
		return nil, elfimage.Malformed("nil image")
	}
	if got := img.Triple(); got != want {
		return nil, fmt.Errorf("%w: image is %s, expected %s", ErrUnsupportedClass, got, want)
	}

	l, err := plan(img, alignment)
	if err != nil {
		return nil, err
	}
	return l.build(img)
}
