package digest

import (
	"hash"
	"io"
)

// Hasher is a pass-through writer that computes SHA1 and SHA256 over
// everything written through it.
type Hasher struct {
	w     io.Writer
	sums  [len(Algorithms)]hash.Hash
	count int64
}

// NewHasher returns a Hasher forwarding to w. A nil w discards the data.
func NewHasher(w io.Writer) *Hasher {
	if w == nil {
		w = io.Discard
	}
	h := &Hasher{w: w}
	for i, alg := range Algorithms {
		h.sums[i] = alg.New()
	}
	return h
}

// Write forwards p to the underlying writer and hashes the bytes it accepted.
func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	for _, s := range h.sums {
		s.Write(p[:n])
	}
	h.count += int64(n)
	return n, err
}

// Sum returns the digest of everything written so far. It does not change
// the hasher state.
func (h *Hasher) Sum(alg Algorithm) []byte {
	return h.sums[alg.index()].Sum(nil)
}

// Digests returns Sum for both algorithms.
func (h *Hasher) Digests() Digests {
	return Digests{SHA1: h.Sum(SHA1), SHA256: h.Sum(SHA256)}
}

// Count returns the number of bytes written.
func (h *Hasher) Count() int64 { return h.count }

// Reset clears both digests so the hasher can be reused for the next entry.
func (h *Hasher) Reset() {
	for _, s := range h.sums {
		s.Reset()
	}
	h.count = 0
}

// Compute serializes src through a throwaway Hasher and returns its
// digests. It is used for sub-blobs whose digests go into special slots.
func Compute(src io.WriterTo) (Digests, error) {
	h := NewHasher(nil)
	if _, err := src.WriteTo(h); err != nil {
		return Digests{}, err
	}
	return h.Digests(), nil
}

// Bytes returns the digests of b.
func Bytes(b []byte) Digests {
	h := NewHasher(nil)
	h.Write(b)
	return h.Digests()
}
