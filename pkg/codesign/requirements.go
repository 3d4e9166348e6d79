package codesign

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// Requirement opcodes and match operations from Apple's cscdefs.h
const (
	opAnd                = 6
	opIdent              = 2
	opAppleGenericAnchor = 15
	opCertField          = 11
	opCertGeneric        = 14

	matchExists = 0
	matchEqual  = 1

	requirementKindExpression = 1
)

// OID 1.2.840.113635.100.6.2.1, the Apple WWDR intermediate marker
var appleDeveloperOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

// Requirement is a single compiled requirement expression.
type Requirement struct {
	Kind uint32
	Expr []byte
}

// NewDesignatedRequirement compiles
//
//	identifier "<identifier>" and anchor apple generic and
//	certificate leaf[subject.CN] = "<subject>" and
//	certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// When subject is empty only the identifier and anchor clauses are emitted.
func NewDesignatedRequirement(identifier, subject string) *Requirement {
	var expr bytes.Buffer

	word := func(v uint32) { binary.Write(&expr, binary.BigEndian, v) }
	data := func(b []byte) {
		word(uint32(len(b)))
		expr.Write(b)
		for i := len(b); i%4 != 0; i++ {
			expr.WriteByte(0)
		}
	}

	word(opAnd)
	word(opIdent)
	data([]byte(identifier))
	if subject == "" {
		word(opAppleGenericAnchor)
		return &Requirement{Kind: requirementKindExpression, Expr: expr.Bytes()}
	}

	word(opAnd)
	word(opAppleGenericAnchor)
	word(opAnd)

	word(opCertField)
	word(0) // leaf
	data([]byte("subject.CN"))
	word(matchEqual)
	data([]byte(subject))

	word(opCertGeneric)
	word(1) // first intermediate
	data(appleDeveloperOID)
	word(matchExists)

	return &Requirement{Kind: requirementKindExpression, Expr: expr.Bytes()}
}

func (r *Requirement) Magic() uint32 { return CSMAGIC_REQUIREMENT }
func (r *Requirement) Size() int     { return blobHeaderSize + 4 + len(r.Expr) }

func (r *Requirement) Bytes() []byte {
	blob := make([]byte, r.Size())
	outp := put32be(blob, r.Magic())
	outp = put32be(outp, uint32(len(blob)))
	outp = put32be(outp, r.Kind)
	puts(outp, r.Expr)
	return blob
}

func (r *Requirement) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, r) }

// Requirements is the internal requirements set, keyed by requirement type.
type Requirements struct {
	entries map[uint32]*Requirement
}

// NewRequirements returns an empty requirements set.
func NewRequirements() *Requirements {
	return &Requirements{entries: make(map[uint32]*Requirement)}
}

// SetRequirement stores r under typ, DesignatedRequirementType in practice.
func (rs *Requirements) SetRequirement(typ uint32, r *Requirement) {
	rs.entries[typ] = r
}

// Requirement returns the requirement stored under typ or nil.
func (rs *Requirements) Requirement(typ uint32) *Requirement {
	return rs.entries[typ]
}

func (rs *Requirements) types() []uint32 {
	types := make([]uint32, 0, len(rs.entries))
	for typ := range rs.entries {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (rs *Requirements) Magic() uint32 { return CSMAGIC_REQUIREMENTS }

func (rs *Requirements) Size() int {
	size := superBlobHeaderSize + 8*len(rs.entries)
	for _, r := range rs.entries {
		size += r.Size()
	}
	return size
}

func (rs *Requirements) Bytes() []byte {
	types := rs.types()
	blob := make([]byte, rs.Size())

	outp := put32be(blob, rs.Magic())
	outp = put32be(outp, uint32(len(blob)))
	outp = put32be(outp, uint32(len(types)))

	offset := superBlobHeaderSize + 8*len(types)
	for _, typ := range types {
		outp = put32be(outp, typ)
		outp = put32be(outp, uint32(offset))
		offset += rs.entries[typ].Size()
	}
	for _, typ := range types {
		r := rs.entries[typ]
		outp = puts(outp, checkSize(r, r.Bytes()))
	}
	return blob
}

func (rs *Requirements) WriteTo(w io.Writer) (int64, error) { return writeBlob(w, rs) }
