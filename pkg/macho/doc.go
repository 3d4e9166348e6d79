// Package macho models the parts of a thin Mach-O executable that code
// signing has to touch: the mach header, its ordered load commands,
// segments with their sections and the LC_CODE_SIGNATURE command.
//
// Load commands other than segments and the code signature command are
// kept as opaque byte strings so that a parsed header always serializes
// back to exactly the bytes it was read from.
//
//	hdr, err := macho.Read(f)
//	if err != nil {
//	    return err
//	}
//	linkedit := hdr.FindSegment("__LINKEDIT")
package macho
