package codesign

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/aluedeke/go-ipack/pkg/digest"
)

// TestCodeDirectoryHeader verifies the fixed header fields of a serialized directory
func TestCodeDirectoryHeader(t *testing.T) {
	cd := NewCodeDirectory("com.example.App", "ABCDE12345", 0x9240, digest.SHA256)
	cd.ExecSegBase = 0
	cd.ExecSegLimit = 0x8000
	cd.ExecSegFlags = CS_EXECSEG_MAIN_BINARY

	blob := cd.Bytes()
	if len(blob) != cd.Size() {
		t.Fatalf("serialized %d bytes, Size() = %d", len(blob), cd.Size())
	}

	be := binary.BigEndian
	if be.Uint32(blob[0:]) != CSMAGIC_CODEDIRECTORY {
		t.Errorf("magic = 0x%x", be.Uint32(blob[0:]))
	}
	if be.Uint32(blob[4:]) != uint32(len(blob)) {
		t.Errorf("length = %d, want %d", be.Uint32(blob[4:]), len(blob))
	}
	if be.Uint32(blob[8:]) != 0x20400 {
		t.Errorf("version = 0x%x, want 0x20400", be.Uint32(blob[8:]))
	}
	if be.Uint32(blob[20:]) != 88 {
		t.Errorf("identOffset = %d, want 88", be.Uint32(blob[20:]))
	}
	if be.Uint32(blob[24:]) != NumSpecialSlots {
		t.Errorf("nSpecialSlots = %d", be.Uint32(blob[24:]))
	}
	// ceil(0x9240 / 4096) = 10
	if be.Uint32(blob[28:]) != 10 || cd.NumCodeSlots() != 10 {
		t.Errorf("nCodeSlots = %d, want 10", be.Uint32(blob[28:]))
	}
	if be.Uint32(blob[32:]) != 0x9240 {
		t.Errorf("codeLimit = 0x%x", be.Uint32(blob[32:]))
	}
	if blob[36] != 32 || blob[37] != uint8(digest.SHA256) || blob[39] != PageSizeBits {
		t.Errorf("hashSize/hashType/pageSize = %d/%d/%d", blob[36], blob[37], blob[39])
	}
	if be.Uint64(blob[72:]) != 0x8000 || be.Uint64(blob[80:]) != CS_EXECSEG_MAIN_BINARY {
		t.Errorf("execSegLimit/flags = 0x%x/0x%x", be.Uint64(blob[72:]), be.Uint64(blob[80:]))
	}

	identEnd := 88 + len("com.example.App") + 1
	if string(blob[88:identEnd-1]) != "com.example.App" || blob[identEnd-1] != 0 {
		t.Errorf("identifier not NUL terminated at 88")
	}
	teamOff := be.Uint32(blob[48:])
	if int(teamOff) != identEnd || string(blob[teamOff:teamOff+10]) != "ABCDE12345" {
		t.Errorf("teamOffset = %d, want %d", teamOff, identEnd)
	}
	hashOff := be.Uint32(blob[16:])
	if int(hashOff) != identEnd+11+5*32 {
		t.Errorf("hashOffset = %d, want %d", hashOff, identEnd+11+5*32)
	}
}

// TestCodeDirectoryWithoutTeam verifies teamOffset is zero when no team is set
func TestCodeDirectoryWithoutTeam(t *testing.T) {
	cd := NewCodeDirectory("com.example.App", "", 100, digest.SHA1)
	blob := cd.Bytes()
	if binary.BigEndian.Uint32(blob[48:]) != 0 {
		t.Errorf("teamOffset = %d, want 0", binary.BigEndian.Uint32(blob[48:]))
	}
	if cd.NumCodeSlots() != 1 {
		t.Errorf("NumCodeSlots() = %d, want 1", cd.NumCodeSlots())
	}
	if len(blob) != 88+16+5*20+20 {
		t.Errorf("size = %d", len(blob))
	}
}

// TestCodeDirectorySpecialSlotOrder verifies special slots are stored from -5 to -1 before the code slots
func TestCodeDirectorySpecialSlotOrder(t *testing.T) {
	cd := NewCodeDirectory("id", "", 2*4096, digest.SHA1)
	fill := func(b byte) []byte { return bytes.Repeat([]byte{b}, 20) }

	cd.SetSpecialSlot(CSSLOT_INFOSLOT, fill(1))
	cd.SetSpecialSlot(CSSLOT_REQUIREMENTS, fill(2))
	cd.SetSpecialSlot(CSSLOT_RESOURCEDIR, fill(3))
	cd.SetSpecialSlot(CSSLOT_ENTITLEMENTS, fill(5))
	cd.SetCodeSlot(0, fill(0xa0))
	cd.SetCodeSlot(1, fill(0xa1))

	blob := cd.Bytes()
	hashOff := int(binary.BigEndian.Uint32(blob[16:]))

	for slot := 1; slot <= 5; slot++ {
		off := hashOff - slot*20
		want := fill(byte(slot))
		if slot == CSSLOT_APPLICATION {
			want = make([]byte, 20)
		}
		if !bytes.Equal(blob[off:off+20], want) {
			t.Errorf("special slot -%d = %x, want %x", slot, blob[off:off+20], want)
		}
	}
	if !bytes.Equal(blob[hashOff:hashOff+20], fill(0xa0)) || !bytes.Equal(blob[hashOff+20:hashOff+40], fill(0xa1)) {
		t.Error("code slots not in page order")
	}

	cd.SetSpecialSlot(CSSLOT_RESOURCEDIR, nil)
	if !digest.IsZeroDigest(cd.SpecialSlot(CSSLOT_RESOURCEDIR)) {
		t.Error("nil should reset the slot to the zero digest")
	}
}

// TestCodeDirectoryRejectsWrongDigestSize verifies a mismatched digest length panics
func TestCodeDirectoryRejectsWrongDigestSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a SHA256 digest in a SHA1 directory")
		}
	}()
	cd := NewCodeDirectory("id", "", 4096, digest.SHA1)
	cd.SetCodeSlot(0, make([]byte, 32))
}

// TestEmbeddedSignatureIndex verifies the index is sorted by slot and offsets match the layout
func TestEmbeddedSignatureIndex(t *testing.T) {
	sig := NewEmbeddedSignature()
	// Insert out of order on purpose
	sig.SetSubBlob(CSSLOT_CMS_SIGNATURE, NewVirtual(0, 9000))
	sig.SetSubBlob(CSSLOT_ENTITLEMENTS, NewEntitlements([]byte("<plist/>")))
	sig.SetSubBlob(CSSLOT_ALTERNATE_CODEDIRECTORIES, NewCodeDirectory("id", "TEAM123456", 5000, digest.SHA256))
	sig.SetSubBlob(CSSLOT_CODEDIRECTORY, NewCodeDirectory("id", "TEAM123456", 5000, digest.SHA1))
	reqs := NewRequirements()
	reqs.SetRequirement(DesignatedRequirementType, NewDesignatedRequirement("id", "Subject"))
	sig.SetSubBlob(CSSLOT_REQUIREMENTS, reqs)

	blob := sig.Bytes()
	if len(blob) != sig.Size() {
		t.Fatalf("serialized %d bytes, Size() = %d", len(blob), sig.Size())
	}

	be := binary.BigEndian
	if be.Uint32(blob[0:]) != CSMAGIC_EMBEDDED_SIGNATURE || be.Uint32(blob[4:]) != uint32(len(blob)) {
		t.Fatalf("bad super blob header %x", blob[:12])
	}
	count := be.Uint32(blob[8:])
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}

	wantOrder := []uint32{CSSLOT_CODEDIRECTORY, CSSLOT_REQUIREMENTS, CSSLOT_ENTITLEMENTS, CSSLOT_ALTERNATE_CODEDIRECTORIES, CSSLOT_CMS_SIGNATURE}
	next := uint32(12 + 8*count)
	for i, want := range wantOrder {
		typ := be.Uint32(blob[12+8*i:])
		off := be.Uint32(blob[16+8*i:])
		if typ != want {
			t.Errorf("index %d type = 0x%x, want 0x%x", i, typ, want)
		}
		if off != next {
			t.Errorf("index %d offset = %d, want %d", i, off, next)
		}
		sub := sig.SubBlob(typ)
		if be.Uint32(blob[off:]) != sub.Magic() {
			t.Errorf("blob at %d has magic 0x%x, want 0x%x", off, be.Uint32(blob[off:]), sub.Magic())
		}
		next += uint32(sub.Size())
	}

	if sig.CodeDirectory().Algorithm != digest.SHA1 || sig.AlternateCodeDirectory().Algorithm != digest.SHA256 {
		t.Error("typed getters returned the wrong directories")
	}
	if sig.Requirements() == nil || sig.Entitlements() == nil || sig.Signature() == nil {
		t.Error("typed getters should find every sub-blob")
	}
}

// TestEmbeddedSignatureReplacePlaceholder verifies swapping the signature blob changes the size accordingly
func TestEmbeddedSignatureReplacePlaceholder(t *testing.T) {
	sig := NewEmbeddedSignature()
	sig.SetSubBlob(CSSLOT_CODEDIRECTORY, NewCodeDirectory("id", "", 4096, digest.SHA1))
	sig.SetSubBlob(CSSLOT_CMS_SIGNATURE, NewVirtual(0, 9000))
	reserved := sig.Size()

	der := bytes.Repeat([]byte{0x30}, 1500)
	sig.SetSubBlob(CSSLOT_CMS_SIGNATURE, NewWrapper(der))
	if sig.Size() != reserved-9000+8+1500 {
		t.Errorf("Size() = %d after replacing the placeholder", sig.Size())
	}

	blob := sig.Bytes()
	wrapperOff := binary.BigEndian.Uint32(blob[12+8+4:])
	if binary.BigEndian.Uint32(blob[wrapperOff:]) != CSMAGIC_BLOBWRAPPER {
		t.Error("signature slot should hold a blob wrapper")
	}
	if !bytes.Equal(blob[wrapperOff+8:], der) {
		t.Error("wrapper payload mismatch")
	}

	sig.SetSubBlob(CSSLOT_CMS_SIGNATURE, nil)
	if sig.Signature() != nil || len(sig.Slots()) != 1 {
		t.Error("nil blob should remove the slot")
	}
}

// TestVirtualBlob verifies the placeholder reports and writes its full reservation
func TestVirtualBlob(t *testing.T) {
	v := NewVirtual(0, 9000)
	var buf bytes.Buffer
	n, err := v.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if n != 9000 || buf.Len() != 9000 || v.Size() != 9000 {
		t.Errorf("wrote %d bytes, buffer %d, Size() %d", n, buf.Len(), v.Size())
	}
	if binary.BigEndian.Uint32(buf.Bytes()[4:]) != 9000 {
		t.Error("length field should cover the whole reservation")
	}
}

// TestDesignatedRequirementExpression verifies the opcode stream of the designated requirement
func TestDesignatedRequirementExpression(t *testing.T) {
	identifier := "com.example.App"
	subject := "iPhone Developer: Test Developer (ABCD1234)"
	req := NewDesignatedRequirement(identifier, subject)
	blob := req.Bytes()

	be := binary.BigEndian
	if be.Uint32(blob[0:]) != CSMAGIC_REQUIREMENT || int(be.Uint32(blob[4:])) != len(blob) {
		t.Fatalf("bad requirement header %x", blob[:8])
	}
	if be.Uint32(blob[8:]) != 1 {
		t.Errorf("kind = %d, want 1", be.Uint32(blob[8:]))
	}

	r := bytes.NewReader(blob[12:])
	word := func() uint32 {
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			t.Fatalf("expression truncated: %v", err)
		}
		return v
	}
	data := func() []byte {
		n := word()
		b := make([]byte, (n+3)&^3)
		r.Read(b)
		return b[:n]
	}

	expect := func(what string, want uint32) {
		if got := word(); got != want {
			t.Errorf("%s = %d, want %d", what, got, want)
		}
	}
	expect("opAnd", opAnd)
	expect("opIdent", opIdent)
	if got := string(data()); got != identifier {
		t.Errorf("identifier = %q", got)
	}
	expect("opAnd", opAnd)
	expect("opAppleGenericAnchor", opAppleGenericAnchor)
	expect("opAnd", opAnd)
	expect("opCertField", opCertField)
	expect("leaf slot", 0)
	if got := string(data()); got != "subject.CN" {
		t.Errorf("field = %q", got)
	}
	expect("matchEqual", matchEqual)
	if got := string(data()); got != subject {
		t.Errorf("subject = %q", got)
	}
	expect("opCertGeneric", opCertGeneric)
	expect("intermediate slot", 1)
	if got := data(); !bytes.Equal(got, appleDeveloperOID) {
		t.Errorf("oid = %x", got)
	}
	expect("matchExists", matchExists)
	if r.Len() != 0 {
		t.Errorf("%d trailing bytes", r.Len())
	}
}

// TestRequirementsBlob verifies the requirements set indexes the designated requirement as type 3
func TestRequirementsBlob(t *testing.T) {
	reqs := NewRequirements()
	req := NewDesignatedRequirement("com.example.App", "")
	reqs.SetRequirement(DesignatedRequirementType, req)

	blob := reqs.Bytes()
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != CSMAGIC_REQUIREMENTS || int(be.Uint32(blob[4:])) != len(blob) || len(blob) != reqs.Size() {
		t.Fatalf("bad requirements header %x", blob[:12])
	}
	if be.Uint32(blob[8:]) != 1 || be.Uint32(blob[12:]) != DesignatedRequirementType || be.Uint32(blob[16:]) != 20 {
		t.Errorf("unexpected index %x", blob[8:20])
	}
	if !bytes.Equal(blob[20:], req.Bytes()) {
		t.Error("requirement bytes not embedded after the index")
	}
	if reqs.Requirement(DesignatedRequirementType) != req {
		t.Error("Requirement() lookup failed")
	}
}

// TestParseSignatureRoundTrip verifies the parser reads back what the model writes
func TestParseSignatureRoundTrip(t *testing.T) {
	ents := NewEntitlements([]byte(debugEntitlements))
	reqs := NewRequirements()
	reqs.SetRequirement(DesignatedRequirementType, NewDesignatedRequirement("com.example.App", "Subject"))

	sig := NewEmbeddedSignature()
	for slot, alg := range map[uint32]digest.Algorithm{CSSLOT_CODEDIRECTORY: digest.SHA1, CSSLOT_ALTERNATE_CODEDIRECTORIES: digest.SHA256} {
		cd := NewCodeDirectory("com.example.App", "ABCDE12345", 3*4096+1, alg)
		cd.SetSpecialSlot(CSSLOT_REQUIREMENTS, digest.Bytes(reqs.Bytes()).Get(alg))
		cd.SetSpecialSlot(CSSLOT_ENTITLEMENTS, digest.Bytes(ents.Bytes()).Get(alg))
		for i := 0; i < cd.NumCodeSlots(); i++ {
			cd.SetCodeSlot(i, digest.Bytes([]byte{byte(i)}).Get(alg))
		}
		sig.SetSubBlob(slot, cd)
	}
	sig.SetSubBlob(CSSLOT_REQUIREMENTS, reqs)
	sig.SetSubBlob(CSSLOT_ENTITLEMENTS, ents)
	sig.SetSubBlob(CSSLOT_CMS_SIGNATURE, NewWrapper(nil))

	info, err := ParseSignature(append(sig.Bytes(), make([]byte, 64)...))
	if err != nil {
		t.Fatalf("ParseSignature failed: %v", err)
	}

	if len(info.CodeDirs) != 2 {
		t.Fatalf("parsed %d code directories, want 2", len(info.CodeDirs))
	}
	for _, cd := range info.CodeDirs {
		if cd.Identifier != "com.example.App" || cd.TeamID != "ABCDE12345" {
			t.Errorf("slot 0x%x: identifier %q team %q", cd.Slot, cd.Identifier, cd.TeamID)
		}
		if cd.NCodeSlots != 4 || len(cd.CodeHashes) != 4 || cd.PageSize != 4096 {
			t.Errorf("slot 0x%x: %d code slots, page size %d", cd.Slot, cd.NCodeSlots, cd.PageSize)
		}
		if _, ok := cd.SpecialHashes[-CSSLOT_RESOURCEDIR]; ok {
			t.Errorf("slot 0x%x: zero resource slot should be omitted", cd.Slot)
		}
		want := digest.Bytes(info.Requirements.RawData).Get(cd.HashType)
		if !bytes.Equal(cd.SpecialHashes[-CSSLOT_REQUIREMENTS], want) {
			t.Errorf("slot 0x%x: requirements slot mismatch", cd.Slot)
		}
	}
	if info.PrimaryCodeDirectory().HashType != digest.SHA1 {
		t.Error("primary directory should be SHA-1")
	}
	if info.Entitlements.Parsed["get-task-allow"] != true {
		t.Errorf("entitlements not parsed: %v", info.Entitlements.Parsed)
	}
}

// TestParseSignatureRejectsCorruptIndex verifies out-of-range offsets are reported
func TestParseSignatureRejectsCorruptIndex(t *testing.T) {
	sig := NewEmbeddedSignature()
	sig.SetSubBlob(CSSLOT_CODEDIRECTORY, NewCodeDirectory("id", "", 4096, digest.SHA1))
	blob := sig.Bytes()

	tests := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"bad magic", func(b []byte) { b[0] = 0 }},
		{"offset past end", func(b []byte) { binary.BigEndian.PutUint32(b[16:], uint32(len(b))) }},
		{"length past end", func(b []byte) { binary.BigEndian.PutUint32(b[4:], uint32(len(b)+1)) }},
		{"blob overruns", func(b []byte) { binary.BigEndian.PutUint32(b[24:], uint32(len(b))) }},
	}
	for _, tt := range tests {
		corrupted := append([]byte{}, blob...)
		tt.mutate(corrupted)
		if _, err := ParseSignature(corrupted); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}
