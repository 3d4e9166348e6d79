package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Command is a load command. The set of implementations is closed:
// *Segment, *CodeSignature and *Opaque.
type Command interface {
	// Cmd returns the load command tag.
	Cmd() uint32
	// Size returns the serialized size including the cmd/cmdsize prefix.
	Size() uint32

	put(b []byte) []byte
}

const (
	segmentPayload32 = 16 + 4*8
	segmentPayload64 = 16 + 4*8 + 4*4
	sectionSize32    = 68
	sectionSize64    = 80
	codeSignatureCmd = 16
)

// Segment is an LC_SEGMENT or LC_SEGMENT_64 command. Address, size and
// offset fields are stored as 64-bit values regardless of the variant.
type Segment struct {
	Is64     bool
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  uint32
	Prot     uint32
	Flags    uint32
	Sections []*Section
}

// Section is a section header inside a segment. Only Addr and Size widen
// in the 64-bit variant; Reserved3 only exists there.
type Section struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

func (s *Segment) Cmd() uint32 {
	if s.Is64 {
		return LC_SEGMENT_64
	}
	return LC_SEGMENT
}

func (s *Segment) Size() uint32 {
	return loadCommandPrefix + s.payloadSize()
}

func (s *Segment) payloadSize() uint32 {
	if s.Is64 {
		return segmentPayload64 + sectionSize64*uint32(len(s.Sections))
	}
	return segmentPayload32 + sectionSize32*uint32(len(s.Sections))
}

// FindSection returns the first section with the given name, or nil.
func (s *Segment) FindSection(name string) *Section {
	for _, sect := range s.Sections {
		if sect.Name == name {
			return sect
		}
	}
	return nil
}

func (s *Segment) put(b []byte) []byte {
	b = put32le(b, s.Cmd())
	b = put32le(b, s.Size())
	b = putName(b, s.Name)
	b = s.putWord(b, s.Addr)
	b = s.putWord(b, s.Memsz)
	b = s.putWord(b, s.Offset)
	b = s.putWord(b, s.Filesz)
	b = put32le(b, s.Maxprot)
	b = put32le(b, s.Prot)
	b = put32le(b, uint32(len(s.Sections)))
	b = put32le(b, s.Flags)
	for _, sect := range s.Sections {
		b = putName(b, sect.Name)
		b = putName(b, sect.Seg)
		b = s.putWord(b, sect.Addr)
		b = s.putWord(b, sect.Size)
		b = put32le(b, sect.Offset)
		b = put32le(b, sect.Align)
		b = put32le(b, sect.Reloff)
		b = put32le(b, sect.Nreloc)
		b = put32le(b, sect.Flags)
		b = put32le(b, sect.Reserved1)
		b = put32le(b, sect.Reserved2)
		if s.Is64 {
			b = put32le(b, sect.Reserved3)
		}
	}
	return b
}

// putWord writes a pointer-sized field: one word for LC_SEGMENT, a
// low/high word pair for LC_SEGMENT_64.
func (s *Segment) putWord(b []byte, v uint64) []byte {
	if s.Is64 {
		return put64le(b, v)
	}
	return put32le(b, uint32(v))
}

// CodeSignature is the LC_CODE_SIGNATURE command locating the embedded
// signature in the file.
type CodeSignature struct {
	DataOff  uint32
	DataSize uint32
}

func (c *CodeSignature) Cmd() uint32  { return LC_CODE_SIGNATURE }
func (c *CodeSignature) Size() uint32 { return codeSignatureCmd }

func (c *CodeSignature) put(b []byte) []byte {
	b = put32le(b, LC_CODE_SIGNATURE)
	b = put32le(b, codeSignatureCmd)
	b = put32le(b, c.DataOff)
	return put32le(b, c.DataSize)
}

// Opaque is any load command this package does not interpret. Data holds
// everything after the cmd/cmdsize prefix.
type Opaque struct {
	Tag  uint32
	Data []byte
}

func (o *Opaque) Cmd() uint32  { return o.Tag }
func (o *Opaque) Size() uint32 { return loadCommandPrefix + uint32(len(o.Data)) }

func (o *Opaque) put(b []byte) []byte {
	b = put32le(b, o.Tag)
	b = put32le(b, o.Size())
	n := copy(b, o.Data)
	return b[n:]
}

func decodeCommand(cmd uint32, payload []byte) (Command, error) {
	switch cmd {
	case LC_SEGMENT:
		return decodeSegment(payload, false)
	case LC_SEGMENT_64:
		return decodeSegment(payload, true)
	case LC_CODE_SIGNATURE:
		if len(payload) != codeSignatureCmd-loadCommandPrefix {
			return nil, &StructuralError{Msg: fmt.Sprintf("LC_CODE_SIGNATURE has cmdsize %d", len(payload)+loadCommandPrefix)}
		}
		return &CodeSignature{
			DataOff:  binary.LittleEndian.Uint32(payload[0:]),
			DataSize: binary.LittleEndian.Uint32(payload[4:]),
		}, nil
	default:
		return &Opaque{Tag: cmd, Data: payload}, nil
	}
}

// fieldReader walks a little-endian load command payload.
type fieldReader struct {
	b    []byte
	is64 bool
}

func (r *fieldReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *fieldReader) word() uint64 {
	if r.is64 {
		v := binary.LittleEndian.Uint64(r.b)
		r.b = r.b[8:]
		return v
	}
	return uint64(r.u32())
}

func (r *fieldReader) name() string {
	n := string(bytes.TrimRight(r.b[:16], "\x00"))
	r.b = r.b[16:]
	return n
}

func decodeSegment(payload []byte, is64 bool) (*Segment, error) {
	fixed, sectSize := uint32(segmentPayload32), uint32(sectionSize32)
	if is64 {
		fixed, sectSize = segmentPayload64, sectionSize64
	}
	if uint32(len(payload)) < fixed {
		return nil, &StructuralError{Msg: fmt.Sprintf("segment command too short (%d bytes)", len(payload)+loadCommandPrefix)}
	}

	r := &fieldReader{b: payload, is64: is64}
	seg := &Segment{Is64: is64}
	seg.Name = r.name()
	seg.Addr = r.word()
	seg.Memsz = r.word()
	seg.Offset = r.word()
	seg.Filesz = r.word()
	seg.Maxprot = r.u32()
	seg.Prot = r.u32()
	nsects := r.u32()
	seg.Flags = r.u32()

	if uint64(len(payload)) != uint64(fixed)+uint64(sectSize)*uint64(nsects) {
		return nil, &StructuralError{Msg: fmt.Sprintf("segment %s: cmdsize %d does not match %d sections",
			seg.Name, len(payload)+loadCommandPrefix, nsects)}
	}

	seg.Sections = make([]*Section, 0, nsects)
	for i := uint32(0); i < nsects; i++ {
		sect := &Section{}
		sect.Name = r.name()
		sect.Seg = r.name()
		sect.Addr = r.word()
		sect.Size = r.word()
		sect.Offset = r.u32()
		sect.Align = r.u32()
		sect.Reloff = r.u32()
		sect.Nreloc = r.u32()
		sect.Flags = r.u32()
		sect.Reserved1 = r.u32()
		sect.Reserved2 = r.u32()
		if is64 {
			sect.Reserved3 = r.u32()
		}
		seg.Sections = append(seg.Sections, sect)
	}

	return seg, nil
}

func putName(b []byte, name string) []byte {
	var field [16]byte
	copy(field[:], name)
	n := copy(b, field[:])
	return b[n:]
}
