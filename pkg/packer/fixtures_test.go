package packer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	mrand "math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/aluedeke/go-ipack/pkg/macho"
	"howett.net/plist"
)

// exeLayout describes a synthetic arm64 executable
type exeLayout struct {
	textSectionOffset uint32 // 0 puts __text right after the header
	infoPlist         []byte // embedded in __TEXT,__info_plist when set
	linkeditFilesz    uint64
	signature         bool // carry an old LC_CODE_SIGNATURE
}

const (
	fixtureTextSize     = 0x8000
	fixtureLinkeditOff  = 0x8000
	fixtureInfoPlistOff = 0x7000
)

// buildExecutable assembles an executable with __PAGEZERO, __TEXT and
// __LINKEDIT. Everything past the header padding is pseudo random.
func buildExecutable(t *testing.T, l exeLayout) []byte {
	t.Helper()

	if l.linkeditFilesz == 0 {
		l.linkeditFilesz = 0x1230
	}
	text := &macho.Segment{
		Is64: true, Name: "__TEXT",
		Addr: 0x100000000, Memsz: fixtureTextSize, Offset: 0, Filesz: fixtureTextSize,
		Maxprot: 5, Prot: 5,
	}
	textSect := &macho.Section{Name: "__text", Seg: "__TEXT", Addr: 0x100004000, Size: 0x3000, Offset: 0x4000, Align: 2}
	text.Sections = append(text.Sections, textSect)
	if l.infoPlist != nil {
		text.Sections = append(text.Sections, &macho.Section{
			Name: "__info_plist", Seg: "__TEXT",
			Addr: 0x100000000 + fixtureInfoPlistOff, Size: uint64(len(l.infoPlist)), Offset: fixtureInfoPlistOff,
		})
	}

	hdr := &macho.Header{
		Magic:    0xfeedfacf,
		CPUType:  macho.CPUTypeARM64,
		FileType: 2,
		Flags:    0x00200085,
	}
	hdr.AddCommand(&macho.Segment{Is64: true, Name: "__PAGEZERO", Memsz: 0x100000000})
	hdr.AddCommand(text)
	hdr.AddCommand(&macho.Segment{
		Is64: true, Name: "__LINKEDIT",
		Addr: 0x100000000 + fixtureLinkeditOff, Memsz: 0x4000, Offset: fixtureLinkeditOff, Filesz: l.linkeditFilesz,
		Maxprot: 1, Prot: 1,
	})

	size := fixtureLinkeditOff + l.linkeditFilesz
	if l.signature {
		// An old 0x300 byte signature right after __LINKEDIT
		dataOff := uint32(size)
		hdr.AddCommand(&macho.CodeSignature{DataOff: dataOff, DataSize: 0x300})
		size += 0x300
	}
	if l.textSectionOffset == 0 {
		textSect.Offset = hdr.Size()
	} else {
		textSect.Offset = l.textSectionOffset
	}

	data := make([]byte, size)
	mrand.New(mrand.NewSource(7)).Read(data[textSect.Offset:])
	copy(data, hdr.Bytes())
	if l.infoPlist != nil {
		copy(data[fixtureInfoPlistOff:], l.infoPlist)
	}
	return data
}

// defaultExecutable leaves 0x4000 bytes for the header to grow into
func defaultExecutable(t *testing.T) []byte {
	return buildExecutable(t, exeLayout{textSectionOffset: 0x4000})
}

// newTestSigner returns a CMS signer over a throwaway self-signed identity
func newTestSigner(t *testing.T) *codesign.CMSSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject: pkix.Name{
			CommonName:         "Apple Development: Test Developer (XYZ9876543)",
			OrganizationalUnit: []string{"ABCDE12345"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	signer, err := codesign.NewCMSSigner(&codesign.SigningIdentity{
		Certificate: cert,
		PrivateKey:  key,
		CertChain:   []*x509.Certificate{cert},
		TeamID:      "ABCDE12345",
	})
	if err != nil {
		t.Fatalf("NewCMSSigner failed: %v", err)
	}
	return signer
}

// fakeSigner returns a canned signature or error
type fakeSigner struct {
	der   []byte
	err   error
	calls int
}

func (s *fakeSigner) Sign(primary []byte, alternates ...[]byte) ([]byte, error) {
	s.calls++
	return s.der, s.err
}

func (s *fakeSigner) SubjectName() string { return "Fake Signer" }

const testEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>ABCDE12345.com.example.App</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>
`

// writeTestBundle lays out baseDir/Payload/Test.app with an Info.plist, a
// few resources and the executable, and returns baseDir
func writeTestBundle(t *testing.T, exe []byte) string {
	t.Helper()

	baseDir := t.TempDir()
	appDir := filepath.Join(baseDir, "Payload", "Test.app")
	if err := os.MkdirAll(filepath.Join(appDir, "en.lproj"), 0755); err != nil {
		t.Fatal(err)
	}

	info, err := plist.Marshal(map[string]interface{}{
		"CFBundleIdentifier": "com.example.App",
		"CFBundleExecutable": "Test",
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	files := map[string][]byte{
		"Info.plist":                   info,
		"AppIcon.png":                  []byte("png"),
		"en.lproj/Localizable.strings": []byte(`"hello" = "hello";`),
		".DS_Store":                    []byte("junk"),
	}
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(appDir, filepath.FromSlash(rel)), content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(appDir, "Test"), exe, 0755); err != nil {
		t.Fatal(err)
	}
	return baseDir
}
