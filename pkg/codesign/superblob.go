package codesign

import (
	"io"
	"sort"
)

const superBlobHeaderSize = 12

// EmbeddedSignature is the super blob stored at the code signature offset.
// Sub-blobs are keyed by slot and always serialized in ascending slot order.
type EmbeddedSignature struct {
	blobs map[uint32]Blob
}

// NewEmbeddedSignature returns an empty super blob.
func NewEmbeddedSignature() *EmbeddedSignature {
	return &EmbeddedSignature{blobs: make(map[uint32]Blob)}
}

// SetSubBlob stores b at slot, replacing any previous blob. A nil b
// removes the slot.
func (s *EmbeddedSignature) SetSubBlob(slot uint32, b Blob) {
	if b == nil {
		delete(s.blobs, slot)
		return
	}
	s.blobs[slot] = b
}

// SubBlob returns the blob at slot or nil.
func (s *EmbeddedSignature) SubBlob(slot uint32) Blob {
	return s.blobs[slot]
}

// Slots returns the occupied slots in serialization order.
func (s *EmbeddedSignature) Slots() []uint32 {
	slots := make([]uint32, 0, len(s.blobs))
	for slot := range s.blobs {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// CodeDirectory returns the primary code directory.
func (s *EmbeddedSignature) CodeDirectory() *CodeDirectory {
	cd, _ := s.blobs[CSSLOT_CODEDIRECTORY].(*CodeDirectory)
	return cd
}

// AlternateCodeDirectory returns the first alternate code directory.
func (s *EmbeddedSignature) AlternateCodeDirectory() *CodeDirectory {
	cd, _ := s.blobs[CSSLOT_ALTERNATE_CODEDIRECTORIES].(*CodeDirectory)
	return cd
}

// Requirements returns the internal requirements set.
func (s *EmbeddedSignature) Requirements() *Requirements {
	r, _ := s.blobs[CSSLOT_REQUIREMENTS].(*Requirements)
	return r
}

// Entitlements returns the entitlements blob.
func (s *EmbeddedSignature) Entitlements() *Entitlements {
	e, _ := s.blobs[CSSLOT_ENTITLEMENTS].(*Entitlements)
	return e
}

// Signature returns whatever occupies the CMS slot: a placeholder before
// signing, a wrapper afterwards.
func (s *EmbeddedSignature) Signature() Blob {
	return s.blobs[CSSLOT_CMS_SIGNATURE]
}

func (s *EmbeddedSignature) Magic() uint32 { return CSMAGIC_EMBEDDED_SIGNATURE }

func (s *EmbeddedSignature) Size() int {
	size := superBlobHeaderSize + 8*len(s.blobs)
	for _, b := range s.blobs {
		size += b.Size()
	}
	return size
}

func (s *EmbeddedSignature) Bytes() []byte {
	slots := s.Slots()
	blob := make([]byte, s.Size())

	outp := put32be(blob, s.Magic())
	outp = put32be(outp, uint32(len(blob)))
	outp = put32be(outp, uint32(len(slots)))

	offset := superBlobHeaderSize + 8*len(slots)
	for _, slot := range slots {
		outp = put32be(outp, slot)
		outp = put32be(outp, uint32(offset))
		offset += s.blobs[slot].Size()
	}
	for _, slot := range slots {
		sub := s.blobs[slot]
		outp = puts(outp, checkSize(sub, sub.Bytes()))
	}
	return blob
}

func (s *EmbeddedSignature) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, s) }
