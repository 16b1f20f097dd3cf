package align

import (
	"fmt"

	"soalign/internal/elfimage"
)

// Violation describes a load segment that would not map on a system using
// the checked page size.
type Violation struct {
	Index  int
	Offset uint64
	VAddr  uint64
	Align  uint64
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("LOAD[%d] offset=%#x vaddr=%#x align=%#x: %s", v.Index, v.Offset, v.VAddr, v.Align, v.Reason)
}

// Check lists the load segments of img that are not aligned to alignment.
// An empty result means the image is already aligned.
func Check(img *elfimage.Image, alignment uint64) ([]Violation, error) {
	if !IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("%w: %d", ErrAlignmentNotPowerOfTwo, alignment)
	}
	var out []Violation
	for _, ld := range img.Loads() {
		v := Violation{Index: ld.Index, Offset: ld.Offset, VAddr: ld.VAddr, Align: ld.Align}
		switch {
		case ld.Offset%alignment != ld.VAddr%alignment:
			v.Reason = fmt.Sprintf("offset and vaddr differ modulo %#x", alignment)
		case ld.Align < alignment:
			v.Reason = fmt.Sprintf("p_align below %#x", alignment)
		default:
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Aligned reports whether Check finds nothing to fix.
func Aligned(img *elfimage.Image, alignment uint64) bool {
	v, err := Check(img, alignment)
	return err == nil && len(v) == 0
}
