package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"

	ipmacho "github.com/aluedeke/go-ipack/pkg/macho"
)

// SegmentInfo describes one segment as seen by the Mach-O loader library
type SegmentInfo struct {
	Name   string
	Addr   uint64
	Memsz  uint64
	Offset uint64
	Filesz uint64
}

// ArchInfo describes one architecture slice
type ArchInfo struct {
	CPU             string
	Is64            bool
	LoadCommands    []string
	Segments        []SegmentInfo
	Signed          bool
	SignatureOffset uint32
	SignatureSize   uint32
}

// BinaryInfo is an independent view of an executable, parsed with
// go-macho rather than the container model used for signing.
type BinaryInfo struct {
	Path   string
	Fat    bool
	Arches []ArchInfo
}

// Inspect parses the executable at path, thin or fat.
func Inspect(path string) (*BinaryInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}

	info := &BinaryInfo{Path: path}
	if len(data) >= 4 && binary.BigEndian.Uint32(data) == 0xcafebabe {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse as fat binary: %w", err)
		}
		defer fat.Close()

		info.Fat = true
		for i, arch := range fat.Arches {
			archData := data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]
			a, err := inspectThin(archData)
			if err != nil {
				return nil, fmt.Errorf("failed to parse arch %d: %w", i, err)
			}
			info.Arches = append(info.Arches, *a)
		}
		return info, nil
	}

	a, err := inspectThin(data)
	if err != nil {
		return nil, err
	}
	info.Arches = append(info.Arches, *a)
	return info, nil
}

func inspectThin(data []byte) (*ArchInfo, error) {
	// go-macho chokes on some signature layouts, so the signature bytes are
	// zeroed before it sees them
	dataForParsing := data
	if hdr, err := ipmacho.Read(bytes.NewReader(data)); err == nil {
		if cs := hdr.CodeSignature(); cs != nil && int(cs.DataOff) < len(data) {
			dataForParsing = append([]byte(nil), data...)
			end := int(cs.DataOff) + int(cs.DataSize)
			if end > len(data) {
				end = len(data)
			}
			for i := int(cs.DataOff); i < end; i++ {
				dataForParsing[i] = 0
			}
		}
	}

	m, err := macho.NewFile(bytes.NewReader(dataForParsing))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	a := &ArchInfo{
		CPU:  m.CPU.String(),
		Is64: m.Magic == types.Magic64,
	}
	for _, load := range m.Loads {
		a.LoadCommands = append(a.LoadCommands, load.Command().String())
		switch l := load.(type) {
		case *macho.Segment:
			a.Segments = append(a.Segments, SegmentInfo{
				Name:   l.Name,
				Addr:   l.Addr,
				Memsz:  l.Memsz,
				Offset: l.Offset,
				Filesz: l.Filesz,
			})
		case *macho.CodeSignature:
			a.Signed = true
			a.SignatureOffset = l.Offset
			a.SignatureSize = l.Size
		}
	}
	return a, nil
}

// PrintBinaryInfo writes a short description of info to w
func PrintBinaryInfo(info *BinaryInfo, w io.Writer) {
	fmt.Fprintf(w, "%s", info.Path)
	if info.Fat {
		fmt.Fprintf(w, " (fat, %d architectures)", len(info.Arches))
	}
	fmt.Fprintln(w)

	for _, a := range info.Arches {
		bits := 32
		if a.Is64 {
			bits = 64
		}
		fmt.Fprintf(w, "\n%s (%d-bit), %d load commands\n", a.CPU, bits, len(a.LoadCommands))
		for _, seg := range a.Segments {
			fmt.Fprintf(w, "  %-16s vm 0x%09x-0x%09x  file 0x%08x-0x%08x\n",
				seg.Name, seg.Addr, seg.Addr+seg.Memsz, seg.Offset, seg.Offset+seg.Filesz)
		}
		if a.Signed {
			fmt.Fprintf(w, "  code signature at 0x%x, %d bytes\n", a.SignatureOffset, a.SignatureSize)
		} else {
			fmt.Fprintf(w, "  not signed\n")
		}
	}
}
