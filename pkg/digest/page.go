package digest

import (
	"bytes"
	"hash"
	"io"
)

// DefaultPageSize is the code signing page size (1 << 12).
const DefaultPageSize = 1 << 12

// PageHasher is a pass-through writer that records a digest for every
// page-sized slice of the stream, for both algorithms at once, while also
// keeping whole-stream digests. The resulting page digests do not depend
// on how the data was split across Write calls.
type PageHasher struct {
	w        io.Writer
	pageSize int
	inPage   int
	written  int64

	page  [len(Algorithms)]hash.Hash
	total [len(Algorithms)]hash.Hash
	pages [len(Algorithms)][][]byte
}

// NewPageHasher returns a PageHasher forwarding to w. A pageSize of zero
// selects DefaultPageSize.
func NewPageHasher(w io.Writer, pageSize int) *PageHasher {
	if w == nil {
		w = io.Discard
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	h := &PageHasher{w: w, pageSize: pageSize}
	for i, alg := range Algorithms {
		h.page[i] = alg.New()
		h.total[i] = alg.New()
	}
	return h
}

// Write forwards p and hashes the accepted bytes, committing a page digest
// every time a page boundary is reached.
func (h *PageHasher) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.hash(p[:n])
	return n, err
}

func (h *PageHasher) hash(p []byte) {
	for len(p) > 0 {
		chunk := h.pageSize - h.inPage
		if chunk > len(p) {
			chunk = len(p)
		}
		for i := range Algorithms {
			h.page[i].Write(p[:chunk])
			h.total[i].Write(p[:chunk])
		}
		h.inPage += chunk
		h.written += int64(chunk)
		p = p[chunk:]

		if h.inPage == h.pageSize {
			h.CommitPageHash()
		}
	}
}

// CommitPageHash closes the current partial page. It is a no-op when the
// stream sits exactly on a page boundary.
func (h *PageHasher) CommitPageHash() {
	if h.inPage == 0 {
		return
	}
	for i := range Algorithms {
		h.pages[i] = append(h.pages[i], h.page[i].Sum(nil))
		h.page[i].Reset()
	}
	h.inPage = 0
}

// PageHashes returns a copy of the committed page digests for alg in
// stream order.
func (h *PageHasher) PageHashes(alg Algorithm) [][]byte {
	pages := h.pages[alg.index()]
	out := make([][]byte, len(pages))
	for i, d := range pages {
		out[i] = bytes.Clone(d)
	}
	return out
}

// Sum returns the whole-stream digest for alg.
func (h *PageHasher) Sum(alg Algorithm) []byte {
	return h.total[alg.index()].Sum(nil)
}

// Written returns the number of bytes hashed.
func (h *PageHasher) Written() int64 { return h.written }

// PageSize returns the configured page size.
func (h *PageHasher) PageSize() int { return h.pageSize }
