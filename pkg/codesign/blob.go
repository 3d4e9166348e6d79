package codesign

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Code signature constants from Apple's cs_blobs.h
const (
	CSMAGIC_REQUIREMENT           = 0xfade0c00
	CSMAGIC_REQUIREMENTS          = 0xfade0c01
	CSMAGIC_CODEDIRECTORY         = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE    = 0xfade0cc0
	CSMAGIC_EMBEDDED_ENTITLEMENTS = 0xfade7171
	CSMAGIC_BLOBWRAPPER           = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_INFOSLOT                  = 1
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_RESOURCEDIR               = 3
	CSSLOT_APPLICATION               = 4
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_CMS_SIGNATURE             = 0x10000

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10

	// kSecDesignatedRequirementType
	DesignatedRequirementType = 3

	blobHeaderSize = 8
)

// Blob is a typed, length-prefixed code signing structure. Size always
// equals the number of bytes WriteTo produces.
type Blob interface {
	Magic() uint32
	Size() int
	Bytes() []byte
	io.WriterTo
}

func writeBlob(w io.Writer, b Blob) (int64, error) {
	n, err := w.Write(b.Bytes())
	return int64(n), err
}

// put32be writes a big-endian uint32
func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

// put64be writes a big-endian uint64
func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

// checkSize panics when a blob serialized to a different length than it
// reported, which would corrupt every offset that follows it.
func checkSize(b Blob, data []byte) []byte {
	if len(data) != b.Size() {
		panic(fmt.Sprintf("codesign: blob 0x%08x serialized %d bytes, reported %d", b.Magic(), len(data), b.Size()))
	}
	return data
}

// Entitlements is the embedded entitlements blob holding an XML property list.
type Entitlements struct {
	Data []byte
}

// NewEntitlements wraps plist data in an entitlements blob.
func NewEntitlements(data []byte) *Entitlements {
	return &Entitlements{Data: data}
}

func (e *Entitlements) Magic() uint32 { return CSMAGIC_EMBEDDED_ENTITLEMENTS }
func (e *Entitlements) Size() int     { return blobHeaderSize + len(e.Data) }

func (e *Entitlements) Bytes() []byte {
	blob := make([]byte, e.Size())
	outp := put32be(blob, e.Magic())
	outp = put32be(outp, uint32(len(blob)))
	puts(outp, e.Data)
	return blob
}

func (e *Entitlements) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, e) }

// Wrapper carries an opaque payload, the detached CMS signature in practice.
type Wrapper struct {
	Data []byte
}

// NewWrapper returns a blob wrapper around data.
func NewWrapper(data []byte) *Wrapper {
	return &Wrapper{Data: data}
}

func (b *Wrapper) Magic() uint32 { return CSMAGIC_BLOBWRAPPER }
func (b *Wrapper) Size() int     { return blobHeaderSize + len(b.Data) }

func (b *Wrapper) Bytes() []byte {
	blob := make([]byte, b.Size())
	outp := put32be(blob, b.Magic())
	outp = put32be(outp, uint32(len(blob)))
	puts(outp, b.Data)
	return blob
}

func (b *Wrapper) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, b) }

// Virtual is a placeholder that occupies a fixed number of bytes. It is
// used to size the signature slot before the real CMS payload exists.
type Virtual struct {
	magic uint32
	size  int
}

// NewVirtual returns a placeholder of the given total size, header included.
func NewVirtual(magic uint32, size int) *Virtual {
	if size < blobHeaderSize {
		size = blobHeaderSize
	}
	return &Virtual{magic: magic, size: size}
}

func (v *Virtual) Magic() uint32 { return v.magic }
func (v *Virtual) Size() int     { return v.size }

func (v *Virtual) Bytes() []byte {
	blob := make([]byte, v.size)
	outp := put32be(blob, v.magic)
	put32be(outp, uint32(v.size))
	return blob
}

func (v *Virtual) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, v) }
