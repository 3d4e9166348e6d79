package codesign

import (
	"fmt"
	"io"

	"github.com/aluedeke/go-ipack/pkg/digest"
)

const (
	codeDirectoryVersion    = 0x20400
	codeDirectoryHeaderSize = 88

	// PageSizeBits is the log2 of the page size covered by one code slot.
	PageSizeBits = 12

	// NumSpecialSlots covers Info.plist, requirements, resources,
	// application and entitlements.
	NumSpecialSlots = CSSLOT_ENTITLEMENTS
)

// CodeDirectory binds the page digests of the signed code and the special
// slot digests to an identifier. One directory exists per digest algorithm.
type CodeDirectory struct {
	Identifier   string
	TeamID       string
	Flags        uint32
	CodeLimit    uint32
	Algorithm    digest.Algorithm
	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags uint64

	special [NumSpecialSlots][]byte
	code    [][]byte
}

// NewCodeDirectory returns a directory covering codeLimit bytes with every
// slot set to the zero digest.
func NewCodeDirectory(identifier, teamID string, codeLimit uint32, alg digest.Algorithm) *CodeDirectory {
	pageSize := uint32(1) << PageSizeBits
	nCodeSlots := (codeLimit + pageSize - 1) / pageSize

	cd := &CodeDirectory{
		Identifier: identifier,
		TeamID:     teamID,
		CodeLimit:  codeLimit,
		Algorithm:  alg,
		code:       make([][]byte, nCodeSlots),
	}
	for i := range cd.special {
		cd.special[i] = alg.Zero()
	}
	for i := range cd.code {
		cd.code[i] = alg.Zero()
	}
	return cd
}

// NumCodeSlots returns the number of page digests, ceil(CodeLimit / 4096).
func (cd *CodeDirectory) NumCodeSlots() int { return len(cd.code) }

// SetCodeSlot stores the digest of page i.
func (cd *CodeDirectory) SetCodeSlot(i int, d []byte) {
	cd.checkDigest(d)
	cd.code[i] = d
}

// CodeSlot returns the digest of page i.
func (cd *CodeDirectory) CodeSlot(i int) []byte { return cd.code[i] }

// SetSpecialSlot stores d in one of the CSSLOT_INFOSLOT..CSSLOT_ENTITLEMENTS
// slots. A nil d resets the slot to the zero digest.
func (cd *CodeDirectory) SetSpecialSlot(slot uint32, d []byte) {
	if slot < 1 || slot > NumSpecialSlots {
		panic(fmt.Sprintf("codesign: special slot %d out of range", slot))
	}
	if d == nil {
		d = cd.Algorithm.Zero()
	}
	cd.checkDigest(d)
	cd.special[slot-1] = d
}

// SpecialSlot returns the digest stored in slot.
func (cd *CodeDirectory) SpecialSlot(slot uint32) []byte { return cd.special[slot-1] }

func (cd *CodeDirectory) checkDigest(d []byte) {
	if len(d) != cd.Algorithm.Size() {
		panic(fmt.Sprintf("codesign: %d byte digest in a %s code directory", len(d), cd.Algorithm))
	}
}

func (cd *CodeDirectory) layout() (teamOff, hashOff, size uint32) {
	hashSize := uint32(cd.Algorithm.Size())
	hashOff = codeDirectoryHeaderSize + uint32(len(cd.Identifier)+1)
	if cd.TeamID != "" {
		teamOff = hashOff
		hashOff += uint32(len(cd.TeamID) + 1)
	}
	hashOff += NumSpecialSlots * hashSize
	size = hashOff + uint32(len(cd.code))*hashSize
	return teamOff, hashOff, size
}

func (cd *CodeDirectory) Magic() uint32 { return CSMAGIC_CODEDIRECTORY }

func (cd *CodeDirectory) Size() int {
	_, _, size := cd.layout()
	return int(size)
}

func (cd *CodeDirectory) Bytes() []byte {
	teamOff, hashOff, size := cd.layout()
	cdir := make([]byte, size)

	outp := put32be(cdir, CSMAGIC_CODEDIRECTORY)
	outp = put32be(outp, size)
	outp = put32be(outp, codeDirectoryVersion)
	outp = put32be(outp, cd.Flags)
	outp = put32be(outp, hashOff)
	outp = put32be(outp, codeDirectoryHeaderSize) // identOffset
	outp = put32be(outp, NumSpecialSlots)
	outp = put32be(outp, uint32(len(cd.code)))
	outp = put32be(outp, cd.CodeLimit)
	outp = put8(outp, uint8(cd.Algorithm.Size()))
	outp = put8(outp, uint8(cd.Algorithm))
	outp = put8(outp, 0) // platform
	outp = put8(outp, PageSizeBits)
	outp = put32be(outp, 0) // spare2
	outp = put32be(outp, 0) // scatterOffset
	outp = put32be(outp, teamOff)
	outp = put32be(outp, 0) // spare3
	outp = put64be(outp, 0) // codeLimit64
	outp = put64be(outp, cd.ExecSegBase)
	outp = put64be(outp, cd.ExecSegLimit)
	outp = put64be(outp, cd.ExecSegFlags)

	outp = puts(outp, []byte(cd.Identifier+"\x00"))
	if cd.TeamID != "" {
		outp = puts(outp, []byte(cd.TeamID+"\x00"))
	}

	// Special slots are stored from -NumSpecialSlots up to -1
	for i := NumSpecialSlots - 1; i >= 0; i-- {
		outp = puts(outp, cd.special[i])
	}
	for _, h := range cd.code {
		outp = puts(outp, h)
	}
	return cdir
}

func (cd *CodeDirectory) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, cd) }
