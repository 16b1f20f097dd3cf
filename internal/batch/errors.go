package batch

import (
	"errors"

	"soalign/internal/align"
	"soalign/internal/elfimage"
)

// ErrIO marks filesystem failures: reading a source, creating a variant
// directory or writing an output.
var ErrIO = errors.New("i/o failure")

// ErrorKind classifies a job failure.
type ErrorKind uint8

const (
	KindMalformed ErrorKind = iota + 1
	KindUnsupportedClass
	KindAlignmentNotPowerOfTwo
	KindSegmentOverlap
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnsupportedClass:
		return "unsupported-class"
	case KindAlignmentNotPowerOfTwo:
		return "alignment-not-power-of-two"
	case KindSegmentOverlap:
		return "segment-overlap"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Internal reports kinds that indicate a defect in soalign itself rather
// than a problem with the input.
func (k ErrorKind) Internal() bool {
	return k == KindAlignmentNotPowerOfTwo || k == KindSegmentOverlap
}

// Classify maps an error from the job pipeline to its kind.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, elfimage.ErrMalformed):
		return KindMalformed
	case errors.Is(err, align.ErrUnsupportedClass):
		return KindUnsupportedClass
	case errors.Is(err, align.ErrAlignmentNotPowerOfTwo):
		return KindAlignmentNotPowerOfTwo
	case errors.Is(err, align.ErrSegmentOverlap):
		return KindSegmentOverlap
	default:
		return KindIO
	}
}
