package packer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/aluedeke/go-ipack/pkg/digest"
	"github.com/aluedeke/go-ipack/pkg/macho"
	"github.com/rs/zerolog"
)

const (
	// DefaultSignatureReservation is the total size of the placeholder
	// signature blob, large enough for a CMS with a three certificate chain.
	DefaultSignatureReservation = 9000

	// DefaultVMPageSize is the granularity the __LINKEDIT vm size is
	// rounded up to.
	DefaultVMPageSize = 0x4000

	linkeditSegmentName  = "__LINKEDIT"
	textSegmentName      = "__TEXT"
	infoPlistSectionName = "__info_plist"
)

// Signer produces the detached signature over a serialized primary code
// directory. The alternates are the other code directories, whose hashes
// the signature attests to as well.
type Signer interface {
	Sign(primary []byte, alternates ...[]byte) ([]byte, error)
	SubjectName() string
}

// ExecutablePacker patches an executable's header for a new embedded
// signature, re-emits it page hashed and appends the signed super blob.
type ExecutablePacker struct {
	Identifier   string
	TeamID       string
	Entitlements *codesign.Entitlements
	Signer       Signer

	// Resources is the digest of the CodeResources manifest. A zero or
	// empty value leaves the resource slot zero.
	Resources digest.Digests

	// InfoPlist is the expected digest of the Info.plist embedded in
	// __TEXT,__info_plist. Zero or empty means the embedded copy is
	// trusted; without an embedded copy it is used as is.
	InfoPlist digest.Digests

	// Reservation defaults to DefaultSignatureReservation.
	Reservation int
	// VMPageSize defaults to DefaultVMPageSize.
	VMPageSize uint64

	Logger zerolog.Logger
}

// NewExecutablePacker returns a packer signing as identifier with a
// discarding logger and the default reservation.
func NewExecutablePacker(identifier, teamID string, signer Signer) *ExecutablePacker {
	return &ExecutablePacker{
		Identifier: identifier,
		TeamID:     teamID,
		Signer:     signer,
		Logger:     zerolog.Nop(),
	}
}

// Result describes the layout of a packed executable.
type Result struct {
	OldHeaderSize uint32
	NewHeaderSize uint32
	CodeLimit     uint32
	Reserved      uint32
	Size          int64
	InfoPlist     digest.Digests
	Signature     *codesign.EmbeddedSignature
}

// PackFile packs the executable at path into dst.
func (p *ExecutablePacker) PackFile(dst io.Writer, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open executable", Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat executable", Path: path, Err: err}
	}
	return p.pack(dst, f, st.Size(), path)
}

// PackInPlace packs the executable at path into a temporary file next to
// it and renames that over the original on success. On failure the
// temporary file is removed and the original is left untouched.
func (p *ExecutablePacker) PackInPlace(path string) (res *Result, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open executable", Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat executable", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, &IOError{Op: "create temporary file", Path: path, Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if res, err = p.pack(bw, f, st.Size(), path); err != nil {
		return nil, err
	}
	if err = bw.Flush(); err != nil {
		return nil, &IOError{Op: "write executable", Path: tmp.Name(), Err: err}
	}
	if err = tmp.Chmod(st.Mode().Perm()); err != nil {
		return nil, &IOError{Op: "chmod", Path: tmp.Name(), Err: err}
	}
	if err = tmp.Close(); err != nil {
		return nil, &IOError{Op: "close", Path: tmp.Name(), Err: err}
	}
	f.Close()
	if err = os.Rename(tmp.Name(), path); err != nil {
		return nil, &IOError{Op: "replace executable", Path: path, Err: err}
	}

	p.Logger.Debug().Str("path", path).Msg("Replaced executable in place")
	return res, nil
}

// Pack reads the executable from src, which holds size bytes, and writes
// the signed executable to dst.
func (p *ExecutablePacker) Pack(dst io.Writer, src io.ReaderAt, size int64) (*Result, error) {
	return p.pack(dst, src, size, "")
}

func (p *ExecutablePacker) pack(dst io.Writer, src io.ReaderAt, size int64, name string) (*Result, error) {
	if p.Signer == nil {
		return nil, &SigningError{Err: errors.New("no signer configured")}
	}

	in := bufio.NewReaderSize(io.NewSectionReader(src, 0, size), 64*1024)
	hdr, err := macho.Read(in)
	if err != nil {
		return nil, err
	}
	res := &Result{OldHeaderSize: hdr.Size()}

	linkedit := hdr.FindSegment(linkeditSegmentName)
	if linkedit == nil {
		return nil, &macho.StructuralError{Msg: "segment " + linkeditSegmentName + " not found"}
	}
	ceiling, err := headerCeiling(hdr)
	if err != nil {
		return nil, err
	}

	// The code limit is where the old signature started, or the end of
	// __LINKEDIT when there was none. The new signature starts at the next
	// 16 byte boundary either way.
	cs := hdr.CodeSignature()
	originalCodeLimit := linkedit.Offset + linkedit.Filesz
	if cs == nil {
		cs = &macho.CodeSignature{}
		hdr.AddCommand(cs)
	} else {
		originalCodeLimit = uint64(cs.DataOff)
	}
	if originalCodeLimit > uint64(size) {
		return nil, &macho.StructuralError{Msg: fmt.Sprintf("code limit %d beyond end of file (%d bytes)", originalCodeLimit, size)}
	}
	if originalCodeLimit < linkedit.Offset {
		return nil, &macho.StructuralError{Msg: fmt.Sprintf("code signature at %d precedes %s at %d", originalCodeLimit, linkeditSegmentName, linkedit.Offset)}
	}
	codeLimit := align16(originalCodeLimit)
	if codeLimit > math.MaxUint32 {
		return nil, &LayoutOverflowError{What: "code limit", Size: codeLimit, Limit: math.MaxUint32}
	}
	cs.DataOff = uint32(codeLimit)

	infoPlist, err := p.infoPlistDigests(hdr, src, size)
	if err != nil {
		return nil, err
	}
	res.InfoPlist = infoPlist

	sig, reqs := p.unsignedSignature(hdr, uint32(codeLimit))

	// Predict every size before any output is committed
	reserved := align16(uint64(sig.Size()))
	cs.DataSize = uint32(reserved)
	linkedit.Filesz = codeLimit - linkedit.Offset + reserved
	linkedit.Memsz = alignUp(linkedit.Filesz, p.vmPageSize())

	newHeaderSize := hdr.Size()
	if uint64(newHeaderSize) > ceiling {
		return nil, &LayoutOverflowError{What: "patched header", Size: uint64(newHeaderSize), Limit: ceiling}
	}
	if uint64(newHeaderSize) > originalCodeLimit {
		return nil, &LayoutOverflowError{What: "patched header", Size: uint64(newHeaderSize), Limit: originalCodeLimit}
	}
	res.NewHeaderSize = newHeaderSize
	res.CodeLimit = uint32(codeLimit)
	res.Reserved = uint32(reserved)

	p.Logger.Debug().
		Uint32("old_header_size", res.OldHeaderSize).
		Uint32("new_header_size", newHeaderSize).
		Uint64("first_section", ceiling).
		Uint64("code_limit", codeLimit).
		Uint64("reserved", reserved).
		Msg("Computed executable layout")

	// Only padding sits between the header and the first section, so the
	// growth of the header is taken out of it
	delta := int(newHeaderSize - res.OldHeaderSize)
	if n, err := in.Discard(delta); err != nil {
		return nil, &macho.StructuralError{Msg: fmt.Sprintf("skipped %d of %d padding bytes", n, delta), Err: err}
	}

	ph := digest.NewPageHasher(dst, digest.DefaultPageSize)
	if err := hdr.Write(ph); err != nil {
		return nil, &IOError{Op: "write header", Path: name, Err: err}
	}
	if _, err := io.CopyN(ph, in, int64(originalCodeLimit)-int64(newHeaderSize)); err != nil {
		return nil, &IOError{Op: "copy executable", Path: name, Err: err}
	}
	if err := writeZeros(ph, int64(codeLimit-originalCodeLimit)); err != nil {
		return nil, &IOError{Op: "pad executable", Path: name, Err: err}
	}
	ph.CommitPageHash()
	if ph.Written() != int64(codeLimit) {
		return nil, fmt.Errorf("hashed %d bytes, expected code limit %d", ph.Written(), codeLimit)
	}

	if err := p.fillCodeDirectories(sig, reqs, ph, infoPlist); err != nil {
		return nil, err
	}

	der, err := p.Signer.Sign(sig.CodeDirectory().Bytes(), sig.AlternateCodeDirectory().Bytes())
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	sig.SetSubBlob(codesign.CSSLOT_CMS_SIGNATURE, codesign.NewWrapper(der))

	final := uint64(sig.Size())
	if final > reserved {
		return nil, &LayoutOverflowError{What: "embedded signature", Size: final, Limit: reserved}
	}
	if _, err := sig.WriteTo(dst); err != nil {
		return nil, &IOError{Op: "write signature", Path: name, Err: err}
	}
	if err := writeZeros(dst, int64(reserved-final)); err != nil {
		return nil, &IOError{Op: "pad signature", Path: name, Err: err}
	}

	res.Size = int64(codeLimit + reserved)
	res.Signature = sig
	return res, nil
}

// headerCeiling returns the offset the patched header must not grow past:
// the first section holding file data, or the first non-empty segment when
// no section qualifies.
func headerCeiling(hdr *macho.Header) (uint64, error) {
	if off, ok := hdr.FirstSectionFileOffset(); ok {
		return uint64(off), nil
	}

	var lowest uint64
	for _, seg := range hdr.Segments() {
		if seg.Filesz == 0 || seg.Offset == 0 {
			continue
		}
		if lowest == 0 || seg.Offset < lowest {
			lowest = seg.Offset
		}
	}
	if lowest == 0 {
		return 0, &macho.StructuralError{Msg: "no section or segment with file data"}
	}
	return lowest, nil
}

// infoPlistDigests hashes the Info.plist embedded in __TEXT,__info_plist
// and checks it against the expected digests. The section must lie within
// the size bytes of src.
func (p *ExecutablePacker) infoPlistDigests(hdr *macho.Header, src io.ReaderAt, size int64) (digest.Digests, error) {
	text := hdr.FindSegment(textSegmentName)
	if text == nil {
		return p.InfoPlist, nil
	}
	sect := text.FindSection(infoPlistSectionName)
	if sect == nil {
		return p.InfoPlist, nil
	}

	if sect.Size > uint64(size) || uint64(sect.Offset) > uint64(size)-sect.Size {
		return digest.Digests{}, &macho.StructuralError{Msg: fmt.Sprintf("section %s,%s at %d with size %d beyond end of file (%d bytes)",
			textSegmentName, infoPlistSectionName, sect.Offset, sect.Size, size)}
	}

	buf := make([]byte, sect.Size)
	if _, err := src.ReadAt(buf, int64(sect.Offset)); err != nil {
		return digest.Digests{}, &IOError{Op: "read " + textSegmentName + "," + infoPlistSectionName, Err: err}
	}
	embedded := digest.Bytes(buf)

	for _, alg := range digest.Algorithms {
		expected := p.InfoPlist.Get(alg)
		if len(expected) == 0 || digest.IsZeroDigest(expected) {
			continue
		}
		if !bytes.Equal(expected, embedded.Get(alg)) {
			return digest.Digests{}, &IntegrityMismatchError{
				Subject:   "Info.plist",
				Algorithm: alg,
				Expected:  expected,
				Actual:    embedded.Get(alg),
			}
		}
	}

	p.Logger.Debug().Uint64("size", sect.Size).Msg("Hashed embedded Info.plist")
	return embedded, nil
}

// unsignedSignature builds the super blob with zeroed code directories and
// the placeholder signature.
func (p *ExecutablePacker) unsignedSignature(hdr *macho.Header, codeLimit uint32) (*codesign.EmbeddedSignature, *codesign.Requirements) {
	reqs := codesign.NewRequirements()
	reqs.SetRequirement(codesign.DesignatedRequirementType,
		codesign.NewDesignatedRequirement(p.Identifier, p.Signer.SubjectName()))

	var execBase, execLimit, execFlags uint64
	if text := hdr.FindSegment(textSegmentName); text != nil {
		execBase = text.Offset
		execLimit = text.Filesz
	}
	if p.Entitlements != nil && p.Entitlements.GetTaskAllow() {
		execFlags = codesign.CS_EXECSEG_MAIN_BINARY | codesign.CS_EXECSEG_ALLOW_UNSIGNED
	}

	sig := codesign.NewEmbeddedSignature()
	slots := map[uint32]digest.Algorithm{
		codesign.CSSLOT_CODEDIRECTORY:             digest.SHA1,
		codesign.CSSLOT_ALTERNATE_CODEDIRECTORIES: digest.SHA256,
	}
	for slot, alg := range slots {
		cd := codesign.NewCodeDirectory(p.Identifier, p.TeamID, codeLimit, alg)
		cd.ExecSegBase = execBase
		cd.ExecSegLimit = execLimit
		cd.ExecSegFlags = execFlags
		sig.SetSubBlob(slot, cd)
	}
	sig.SetSubBlob(codesign.CSSLOT_REQUIREMENTS, reqs)
	if p.Entitlements != nil {
		sig.SetSubBlob(codesign.CSSLOT_ENTITLEMENTS, p.Entitlements)
	}
	sig.SetSubBlob(codesign.CSSLOT_CMS_SIGNATURE, codesign.NewVirtual(0, p.reservation()))
	return sig, reqs
}

// fillCodeDirectories stores the page digests and the special slot digests
// in both code directories.
func (p *ExecutablePacker) fillCodeDirectories(sig *codesign.EmbeddedSignature, reqs *codesign.Requirements, ph *digest.PageHasher, infoPlist digest.Digests) error {
	reqDigests, err := digest.Compute(reqs)
	if err != nil {
		return fmt.Errorf("failed to hash requirements: %w", err)
	}
	var entDigests digest.Digests
	if p.Entitlements != nil {
		if entDigests, err = digest.Compute(p.Entitlements); err != nil {
			return fmt.Errorf("failed to hash entitlements: %w", err)
		}
	}

	for _, cd := range []*codesign.CodeDirectory{sig.CodeDirectory(), sig.AlternateCodeDirectory()} {
		alg := cd.Algorithm
		pages := ph.PageHashes(alg)
		if len(pages) != cd.NumCodeSlots() {
			return fmt.Errorf("%d page digests for %d %s code slots", len(pages), cd.NumCodeSlots(), alg)
		}
		for i, h := range pages {
			cd.SetCodeSlot(i, h)
		}

		cd.SetSpecialSlot(codesign.CSSLOT_INFOSLOT, slotDigest(infoPlist, alg))
		cd.SetSpecialSlot(codesign.CSSLOT_REQUIREMENTS, reqDigests.Get(alg))
		cd.SetSpecialSlot(codesign.CSSLOT_RESOURCEDIR, slotDigest(p.Resources, alg))
		cd.SetSpecialSlot(codesign.CSSLOT_ENTITLEMENTS, slotDigest(entDigests, alg))
	}
	return nil
}

func (p *ExecutablePacker) reservation() int {
	if p.Reservation > 0 {
		return p.Reservation
	}
	return DefaultSignatureReservation
}

func (p *ExecutablePacker) vmPageSize() uint64 {
	if p.VMPageSize > 0 {
		return p.VMPageSize
	}
	return DefaultVMPageSize
}

// slotDigest returns the digest for alg, or nil for the zero slot.
func slotDigest(d digest.Digests, alg digest.Algorithm) []byte {
	if b := d.Get(alg); len(b) > 0 {
		return b
	}
	return nil
}

func align16(v uint64) uint64 { return (v + 15) &^ 15 }

func alignUp(v, to uint64) uint64 { return (v + to - 1) / to * to }

func writeZeros(w io.Writer, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := w.Write(make([]byte, n))
	return err
}
