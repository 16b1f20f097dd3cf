// Package fuzztests houses Go fuzz harnesses for the ELF model and the
// alignment transform. Its goal is to guard against panics and runaway
// allocations on arbitrary input bytes.
//
// It does not generate corpora or write files; seeds are synthetic libraries
// plus copies carrying oversized section alignments or cut short.

package fuzztests
