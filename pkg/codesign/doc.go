// Package codesign models Apple's embedded code signature and the pieces
// around it that a packer needs.
//
// The signature is a super blob of typed sub-blobs: code directories with
// page and special slot digests, the requirements set, the entitlements
// plist and a detached CMS signature. Every blob knows its exact serialized
// size before it is written, which lets a packer reserve the space in the
// executable up front and fill it once the code has been hashed.
//
// # Building a signature
//
//	cd := codesign.NewCodeDirectory("com.example.App", "ABCDE12345", codeLimit, digest.SHA1)
//	cd.SetCodeSlot(0, pageHash)
//	sig := codesign.NewEmbeddedSignature()
//	sig.SetSubBlob(codesign.CSSLOT_CODEDIRECTORY, cd)
//	sig.SetSubBlob(codesign.CSSLOT_CMS_SIGNATURE, codesign.NewVirtual(0, 9000))
//
// # Inspecting a signed binary
//
// ParseSignature decodes a super blob for display, Verify re-hashes a
// signed executable against its directories and Inspect gives an
// independent view of the load commands through go-macho.
package codesign
