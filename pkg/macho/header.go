package macho

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Mach-O constants from <mach-o/loader.h>
const (
	CPUTypeARM64 = 0x0100000C

	LC_SEGMENT        = 0x1
	LC_SEGMENT_64     = 0x19
	LC_CODE_SIGNATURE = 0x1d

	headerSize        = 7 * 4
	headerSizeARM64   = headerSize + 4
	loadCommandPrefix = 8
)

// StructuralError reports a malformed executable header.
type StructuralError struct {
	Msg string
	Err error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return "malformed mach-o: " + e.Msg + ": " + e.Err.Error()
	}
	return "malformed mach-o: " + e.Msg
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Header is a mach header together with its load commands. The reserved
// word is only present on disk when CPUType is CPUTypeARM64.
type Header struct {
	Magic      uint32
	CPUType    uint32
	CPUSubType uint32
	FileType   uint32
	Flags      uint32
	Reserved   uint32
	Commands   []Command
}

// Read parses a mach header and all of its load commands from r. It
// consumes exactly Size() bytes on success.
func Read(r io.Reader) (*Header, error) {
	var fixed [headerSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, readError("header", err)
	}

	h := &Header{
		Magic:      binary.LittleEndian.Uint32(fixed[0:]),
		CPUType:    binary.LittleEndian.Uint32(fixed[4:]),
		CPUSubType: binary.LittleEndian.Uint32(fixed[8:]),
		FileType:   binary.LittleEndian.Uint32(fixed[12:]),
		Flags:      binary.LittleEndian.Uint32(fixed[24:]),
	}
	ncmds := binary.LittleEndian.Uint32(fixed[16:])
	sizeofcmds := binary.LittleEndian.Uint32(fixed[20:])

	if h.CPUType == CPUTypeARM64 {
		var reserved [4]byte
		if _, err := io.ReadFull(r, reserved[:]); err != nil {
			return nil, readError("header", err)
		}
		h.Reserved = binary.LittleEndian.Uint32(reserved[:])
	}

	var consumed uint32
	h.Commands = make([]Command, 0, min(ncmds, 256))
	for i := uint32(0); i < ncmds; i++ {
		var prefix [loadCommandPrefix]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return nil, readError(fmt.Sprintf("load command %d", i), err)
		}
		cmd := binary.LittleEndian.Uint32(prefix[0:])
		cmdsize := binary.LittleEndian.Uint32(prefix[4:])
		if cmdsize < loadCommandPrefix {
			return nil, &StructuralError{Msg: fmt.Sprintf("load command %d (0x%x) has cmdsize %d", i, cmd, cmdsize)}
		}
		if uint64(consumed)+uint64(cmdsize) > uint64(sizeofcmds) {
			return nil, &StructuralError{Msg: fmt.Sprintf("load commands exceed declared size %d", sizeofcmds)}
		}

		payload := make([]byte, cmdsize-loadCommandPrefix)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, readError(fmt.Sprintf("load command %d", i), err)
		}

		c, err := decodeCommand(cmd, payload)
		if err != nil {
			return nil, err
		}
		h.Commands = append(h.Commands, c)
		consumed += c.Size()
	}

	if consumed != sizeofcmds {
		return nil, &StructuralError{Msg: fmt.Sprintf("load commands occupy %d bytes, header declares %d", consumed, sizeofcmds)}
	}

	return h, nil
}

func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &StructuralError{Msg: "truncated " + what, Err: io.ErrUnexpectedEOF}
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

// Size returns the serialized length of the header and its commands. It
// is recomputed from Commands on every call, linear in the number of
// commands and sections, so that edits made directly to segments and
// sections are always reflected.
func (h *Header) Size() uint32 {
	return h.fixedSize() + h.SizeOfCommands()
}

// SizeOfCommands returns the value written to the sizeofcmds field.
func (h *Header) SizeOfCommands() uint32 {
	var n uint32
	for _, c := range h.Commands {
		n += c.Size()
	}
	return n
}

func (h *Header) fixedSize() uint32 {
	if h.CPUType == CPUTypeARM64 {
		return headerSizeARM64
	}
	return headerSize
}

// Bytes serializes the header and its commands.
func (h *Header) Bytes() []byte {
	buf := make([]byte, h.Size())
	outp := buf
	outp = put32le(outp, h.Magic)
	outp = put32le(outp, h.CPUType)
	outp = put32le(outp, h.CPUSubType)
	outp = put32le(outp, h.FileType)
	outp = put32le(outp, uint32(len(h.Commands)))
	outp = put32le(outp, h.SizeOfCommands())
	outp = put32le(outp, h.Flags)
	if h.CPUType == CPUTypeARM64 {
		outp = put32le(outp, h.Reserved)
	}
	for _, c := range h.Commands {
		outp = c.put(outp)
	}
	return buf
}

// Write serializes the header to w.
func (h *Header) Write(w io.Writer) error {
	_, err := w.Write(h.Bytes())
	return err
}

// AddCommand appends a load command after the existing ones.
func (h *Header) AddCommand(c Command) {
	h.Commands = append(h.Commands, c)
}

// FindCommand returns the first load command with the given tag, or nil.
func (h *Header) FindCommand(cmd uint32) Command {
	for _, c := range h.Commands {
		if c.Cmd() == cmd {
			return c
		}
	}
	return nil
}

// CodeSignature returns the LC_CODE_SIGNATURE command, or nil.
func (h *Header) CodeSignature() *CodeSignature {
	if cs, ok := h.FindCommand(LC_CODE_SIGNATURE).(*CodeSignature); ok {
		return cs
	}
	return nil
}

// FindSegment returns the first segment (32 or 64-bit) with the given name.
func (h *Header) FindSegment(name string) *Segment {
	for _, c := range h.Commands {
		if seg, ok := c.(*Segment); ok && seg.Name == name {
			return seg
		}
	}
	return nil
}

// Segments returns all segment commands in load order.
func (h *Header) Segments() []*Segment {
	var segs []*Segment
	for _, c := range h.Commands {
		if seg, ok := c.(*Segment); ok {
			segs = append(segs, seg)
		}
	}
	return segs
}

// FirstSectionFileOffset returns the lowest file offset of any section that
// occupies file space. Sections with a zero size or zero offset are skipped.
// The boolean is false when no section qualifies.
func (h *Header) FirstSectionFileOffset() (uint32, bool) {
	var lowest uint32
	found := false
	for _, seg := range h.Segments() {
		for _, sect := range seg.Sections {
			if sect.Size == 0 || sect.Offset == 0 {
				continue
			}
			if !found || sect.Offset < lowest {
				lowest = sect.Offset
				found = true
			}
		}
	}
	return lowest, found
}

func put32le(b []byte, x uint32) []byte {
	binary.LittleEndian.PutUint32(b, x)
	return b[4:]
}

func put64le(b []byte, x uint64) []byte {
	binary.LittleEndian.PutUint64(b, x)
	return b[8:]
}
