package macho

import (
	"bytes"
	"encoding/binary"
)

// Fixtures are assembled field by field with encoding/binary so that the
// round-trip tests do not depend on the encoder under test.

type rawSection struct {
	name, seg    string
	addr, size   uint64
	offset       uint32
	align, flags uint32
}

func le(buf *bytes.Buffer, v interface{}) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func name16(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func rawSegment(is64 bool, name string, vmaddr, vmsize, fileoff, filesize uint64, sects ...rawSection) []byte {
	var body bytes.Buffer
	le(&body, name16(name))
	word := func(v uint64) {
		if is64 {
			le(&body, v)
		} else {
			le(&body, uint32(v))
		}
	}
	word(vmaddr)
	word(vmsize)
	word(fileoff)
	word(filesize)
	le(&body, uint32(7)) // maxprot
	le(&body, uint32(5)) // initprot
	le(&body, uint32(len(sects)))
	le(&body, uint32(0)) // flags
	for _, s := range sects {
		le(&body, name16(s.name))
		le(&body, name16(s.seg))
		word(s.addr)
		word(s.size)
		le(&body, s.offset)
		le(&body, s.align)
		le(&body, uint32(0)) // reloff
		le(&body, uint32(0)) // nreloc
		le(&body, s.flags)
		le(&body, uint32(0)) // reserved1
		le(&body, uint32(0)) // reserved2
		if is64 {
			le(&body, uint32(0)) // reserved3
		}
	}

	cmd := uint32(LC_SEGMENT)
	if is64 {
		cmd = LC_SEGMENT_64
	}
	return rawCommand(cmd, body.Bytes())
}

func rawCommand(cmd uint32, payload []byte) []byte {
	var buf bytes.Buffer
	le(&buf, cmd)
	le(&buf, uint32(8+len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func rawCodeSignature(dataoff, datasize uint32) []byte {
	var payload bytes.Buffer
	le(&payload, dataoff)
	le(&payload, datasize)
	return rawCommand(LC_CODE_SIGNATURE, payload.Bytes())
}

// rawHeader builds a mach header followed by the given commands. A
// non-nil sizeofcmds overrides the computed field.
func rawHeader(cputype uint32, sizeofcmds *uint32, cmds ...[]byte) []byte {
	var total uint32
	for _, c := range cmds {
		total += uint32(len(c))
	}
	if sizeofcmds != nil {
		total = *sizeofcmds
	}

	var buf bytes.Buffer
	magic := uint32(0xfeedface)
	if cputype == CPUTypeARM64 {
		magic = 0xfeedfacf
	}
	le(&buf, magic)
	le(&buf, cputype)
	le(&buf, uint32(0)) // cpusubtype
	le(&buf, uint32(2)) // MH_EXECUTE
	le(&buf, uint32(len(cmds)))
	le(&buf, total)
	le(&buf, uint32(0x00200085))
	if cputype == CPUTypeARM64 {
		le(&buf, uint32(0))
	}
	for _, c := range cmds {
		buf.Write(c)
	}
	return buf.Bytes()
}

const cpuTypeARM = 12

func arm64Fixture(opaque bool) []byte {
	cmds := [][]byte{
		rawSegment(true, "__PAGEZERO", 0, 0x100000000, 0, 0),
		rawSegment(true, "__TEXT", 0x100000000, 0x8000, 0, 0x8000,
			rawSection{name: "__text", seg: "__TEXT", addr: 0x100004000, size: 0x3000, offset: 0x4000, align: 2},
			rawSection{name: "__info_plist", seg: "__TEXT", addr: 0x100007000, size: 0x200, offset: 0x7000},
		),
	}
	if opaque {
		cmds = append(cmds, rawCommand(0x1b, bytes.Repeat([]byte{0xab}, 16))) // LC_UUID
	}
	cmds = append(cmds, rawSegment(true, "__LINKEDIT", 0x100008000, 0x4000, 0x8000, 0x1230))
	if opaque {
		cmds = append(cmds, rawCommand(0x80000028, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})) // LC_MAIN
	}
	return rawHeader(CPUTypeARM64, nil, cmds...)
}

func arm32Fixture(opaque bool) []byte {
	cmds := [][]byte{
		rawSegment(false, "__TEXT", 0x4000, 0x4000, 0, 0x4000,
			rawSection{name: "__text", seg: "__TEXT", addr: 0x5000, size: 0x2000, offset: 0x1000, align: 2},
		),
	}
	if opaque {
		cmds = append(cmds, rawCommand(0x2, make([]byte, 16))) // LC_SYMTAB
	}
	cmds = append(cmds,
		rawSegment(false, "__LINKEDIT", 0x8000, 0x1000, 0x4000, 0x800),
		rawCodeSignature(0x4800, 0x400),
	)
	return rawHeader(cpuTypeARM, nil, cmds...)
}
