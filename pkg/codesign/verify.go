package codesign

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aluedeke/go-ipack/pkg/digest"
	"github.com/aluedeke/go-ipack/pkg/macho"
	"go.mozilla.org/pkcs7"
	"golang.org/x/sync/errgroup"
)

// SlotMismatch records a digest stored in a code directory (Expected) that
// differs from the one computed over the file (Actual). Slot is negative
// for special slots and the page index otherwise.
type SlotMismatch struct {
	Directory uint32
	Slot      int
	Expected  []byte
	Actual    []byte
}

func (m SlotMismatch) String() string {
	return fmt.Sprintf("directory 0x%x slot %d: expected %x, got %x", m.Directory, m.Slot, m.Expected, m.Actual)
}

// VerifyResult is the outcome of re-hashing a signed executable.
type VerifyResult struct {
	Info           *SignatureInfo
	PagesChecked   int
	Mismatches     []SlotMismatch
	CDHashesMatch  bool
	SignatureError error
}

// OK reports whether every digest matched and the CMS signature verified.
func (r *VerifyResult) OK() bool {
	return len(r.Mismatches) == 0 && r.CDHashesMatch && r.SignatureError == nil
}

// Verify re-reads the container header of a signed executable, re-hashes
// the covered pages for every code directory and checks the requirements
// and entitlements special slots, the CDHashes attribute and the CMS
// signature over the primary code directory.
func Verify(ctx context.Context, r io.ReaderAt, size int64) (*VerifyResult, error) {
	info, err := ReadSignature(r, size)
	if err != nil {
		return nil, err
	}
	if len(info.CodeDirs) == 0 {
		return nil, fmt.Errorf("signature has no code directory")
	}

	perDir := make([][]SlotMismatch, len(info.CodeDirs))
	pages := make([]int, len(info.CodeDirs))

	g, ctx := errgroup.WithContext(ctx)
	for i := range info.CodeDirs {
		i, cd := i, &info.CodeDirs[i]
		g.Go(func() error {
			if int64(cd.CodeLimit) > size {
				return fmt.Errorf("code limit %d of directory 0x%x exceeds file size %d", cd.CodeLimit, cd.Slot, size)
			}

			ph := digest.NewPageHasher(nil, int(cd.PageSize))
			src := io.NewSectionReader(r, 0, int64(cd.CodeLimit))
			if _, err := io.Copy(ph, contextReader{ctx, src}); err != nil {
				return fmt.Errorf("failed to hash directory 0x%x: %w", cd.Slot, err)
			}
			ph.CommitPageHash()

			perDir[i] = checkCodeDirectory(cd, ph.PageHashes(cd.HashType), info)
			pages[i] = len(cd.CodeHashes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &VerifyResult{Info: info}
	for i := range perDir {
		result.Mismatches = append(result.Mismatches, perDir[i]...)
		result.PagesChecked += pages[i]
	}
	result.CDHashesMatch = cdHashesMatch(info)
	result.SignatureError = verifyCMS(info)
	return result, nil
}

func checkCodeDirectory(cd *CodeDirectoryInfo, actual [][]byte, info *SignatureInfo) []SlotMismatch {
	var mismatches []SlotMismatch

	// Extra or missing pages carry a digest on one side only
	for i := len(cd.CodeHashes); i < len(actual); i++ {
		mismatches = append(mismatches, SlotMismatch{Directory: cd.Slot, Slot: i, Actual: actual[i]})
	}
	for i := len(actual); i < len(cd.CodeHashes); i++ {
		mismatches = append(mismatches, SlotMismatch{Directory: cd.Slot, Slot: i, Expected: cd.CodeHashes[i]})
	}
	for i := 0; i < len(actual) && i < len(cd.CodeHashes); i++ {
		if !bytes.Equal(actual[i], cd.CodeHashes[i]) {
			mismatches = append(mismatches, SlotMismatch{Directory: cd.Slot, Slot: i, Expected: cd.CodeHashes[i], Actual: actual[i]})
		}
	}

	special := map[int][]byte{
		-CSSLOT_REQUIREMENTS: info.Requirements.RawData,
		-CSSLOT_ENTITLEMENTS: info.Entitlements.RawData,
	}
	for slot, data := range special {
		if -slot > int(cd.NSpecialSlots) {
			continue
		}
		computed := cd.HashType.Zero()
		if data != nil {
			computed = digest.Bytes(data).Get(cd.HashType)
		}
		stored, ok := cd.SpecialHashes[slot]
		if !ok {
			stored = cd.HashType.Zero()
		}
		if !bytes.Equal(stored, computed) {
			mismatches = append(mismatches, SlotMismatch{Directory: cd.Slot, Slot: slot, Expected: stored, Actual: computed})
		}
	}
	return mismatches
}

func cdHashesMatch(info *SignatureInfo) bool {
	if len(info.CMSSignature.CDHashes) != len(info.CodeDirs) {
		return false
	}
	for i, cd := range info.CodeDirs {
		_, sum, err := CDHash(cd.RawData)
		if err != nil || !bytes.Equal(sum[:cdHashSize], info.CMSSignature.CDHashes[i]) {
			return false
		}
	}
	return true
}

func verifyCMS(info *SignatureInfo) error {
	primary := info.PrimaryCodeDirectory()
	if primary == nil {
		return fmt.Errorf("no primary code directory")
	}
	if len(info.CMSSignature.RawData) == 0 {
		return fmt.Errorf("no CMS signature")
	}

	p7, err := pkcs7.Parse(info.CMSSignature.RawData)
	if err != nil {
		return fmt.Errorf("failed to parse CMS signature: %w", err)
	}
	p7.Content = primary.RawData
	if err := p7.Verify(); err != nil {
		return fmt.Errorf("CMS signature does not verify: %w", err)
	}
	return nil
}

// contextReader stops a long copy once ctx is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ReadSignature locates the embedded signature through the header's
// LC_CODE_SIGNATURE and parses it.
func ReadSignature(r io.ReaderAt, size int64) (*SignatureInfo, error) {
	hdr, err := macho.Read(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, err
	}
	cs := hdr.CodeSignature()
	if cs == nil {
		return nil, fmt.Errorf("binary is not signed")
	}
	if int64(cs.DataOff)+int64(cs.DataSize) > size {
		return nil, fmt.Errorf("code signature extends beyond file")
	}

	sigData := make([]byte, cs.DataSize)
	if _, err := r.ReadAt(sigData, int64(cs.DataOff)); err != nil {
		return nil, fmt.Errorf("failed to read code signature: %w", err)
	}
	return ParseSignature(sigData)
}

// ReadSignatureFile reads the embedded signature of the executable at path.
func ReadSignatureFile(path string) (*SignatureInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return ReadSignature(f, st.Size())
}
