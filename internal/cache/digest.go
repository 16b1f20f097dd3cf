package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
)

// Digest is a fixed 256-bit content hash.
type Digest [32]byte

// String returns the lowercase hex form.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// Sum hashes b.
func Sum(b []byte) Digest { return sha256.Sum256(b) }

// SumFile hashes the contents of the file at path.
func SumFile(path string) (Digest, error) {
	// #nosec G304 -- path is a cached output the caller wrote itself
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, err
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Key builds the cache key of one job:
// H( input || variant || alignment || producer ). producer names the code
// that computes the output, so a changed layout algorithm misses every entry
// written by an older one. Strings are length-prefixed.
func Key(input Digest, variantID string, alignment uint64, producer string) Digest {
	h := sha256.New()
	_, _ = h.Write(input[:])
	var n [8]byte
	for _, s := range []string{variantID, producer} {
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = h.Write(n[:])
		_, _ = io.WriteString(h, s)
	}
	binary.LittleEndian.PutUint64(n[:], alignment)
	_, _ = h.Write(n[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
