package fuzztests

import (
	"bytes"
	"testing"

	"soalign/internal/align"
	"soalign/internal/elfimage"
	"soalign/internal/testkit"
)

const maxFuzzInput = 1 << 20 // 1 MiB

func FuzzParseRoundTrip(f *testing.F) {
	addCorpusSeeds(f)
	f.Fuzz(func(t *testing.T, input []byte) {
		if len(input) > maxFuzzInput {
			input = input[:maxFuzzInput]
		}
		raw := bytes.Clone(input)
		img, err := elfimage.Parse(bytes.Clone(raw))
		if err != nil {
			return
		}
		out, err := img.Serialize()
		if err != nil {
			t.Fatalf("serialize parsed image: %v", err)
		}
		if !bytes.Equal(out, raw) {
			t.Fatal("serialize(parse(b)) != b")
		}
	})
}

// FuzzAlignHoldsInvariants aligns every parseable input and checks the
// result is a faithful, idempotent re-layout.
func FuzzAlignHoldsInvariants(f *testing.F) {
	addCorpusSeeds(f)
	f.Fuzz(func(t *testing.T, input []byte) {
		if len(input) > maxFuzzInput {
			input = input[:maxFuzzInput]
		}
		img, err := elfimage.Parse(bytes.Clone(input))
		if err != nil {
			return
		}
		after, err := align.Align(img, align.DefaultAlignment, img.Triple())
		if err != nil {
			return
		}
		if err := testkit.CheckAlignedLayout(img, after, align.DefaultAlignment); err != nil {
			t.Fatal(err)
		}
		again, err := align.Align(after, align.DefaultAlignment, after.Triple())
		if err != nil {
			t.Fatalf("re-align: %v", err)
		}
		if !bytes.Equal(again.Bytes(), after.Bytes()) {
			t.Fatal("align is not idempotent")
		}
	})
}
