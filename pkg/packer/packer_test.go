package packer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/aluedeke/go-ipack/pkg/digest"
)

// TestStoreApplicationArchive verifies that a bundle is stored into an
// archive with a signed executable bound to the stored resources.
func TestStoreApplicationArchive(t *testing.T) {
	baseDir := writeTestBundle(t, defaultExecutable(t))

	var buf bytes.Buffer
	p := NewPacker(&buf, newTestSigner(t))
	report, err := p.StoreApplication(context.Background(), Application{
		BaseDir: baseDir,
		AppDir:  "Payload/Test.app",
		TeamID:  "ABCDE12345",
	})
	if err != nil {
		t.Fatalf("StoreApplication failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	entries := readZip(t, buf.Bytes())
	for _, name := range []string{"Payload/", "Payload/Test.app/", "Payload/Test.app/Test"} {
		if _, ok := entries[name]; !ok {
			t.Errorf("archive lacks %s", name)
		}
	}

	exe := entries["Payload/Test.app/Test"]
	if int64(len(exe)) != report.Executable.Size {
		t.Fatalf("stored executable has %d bytes, want %d", len(exe), report.Executable.Size)
	}
	vr := verifyBytes(t, exe)

	cd := vr.Info.PrimaryCodeDirectory()
	if cd.Identifier != "com.example.App" {
		t.Errorf("identifier %q, want the bundle identifier", cd.Identifier)
	}
	manifest := digest.Bytes(entries["Payload/Test.app/_CodeSignature/CodeResources"])
	if !bytes.Equal(cd.SpecialHashes[-int(codesign.CSSLOT_RESOURCEDIR)], manifest.SHA1) {
		t.Error("resource slot does not match the stored CodeResources")
	}
	info := digest.Bytes(entries["Payload/Test.app/Info.plist"])
	if !report.Resources.InfoPlist.Equal(info) {
		t.Error("reported Info.plist digest does not match the stored Info.plist")
	}
}

// TestStoreApplicationInPlace verifies that in place signing writes the
// manifest into the bundle and replaces the executable.
func TestStoreApplicationInPlace(t *testing.T) {
	baseDir := writeTestBundle(t, defaultExecutable(t))
	appDir := filepath.Join(baseDir, "Payload", "Test.app")

	p := NewPacker(nil, newTestSigner(t), WithInPlace(true))
	report, err := p.StoreApplication(context.Background(), Application{
		BaseDir:      baseDir,
		AppDir:       "Payload/Test.app",
		TeamID:       "ABCDE12345",
		Entitlements: codesign.NewEntitlements([]byte(testEntitlements)),
	})
	if err != nil {
		t.Fatalf("StoreApplication failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	manifest, err := os.ReadFile(filepath.Join(appDir, filepath.FromSlash(codesign.CodeResourcesPath)))
	if err != nil {
		t.Fatalf("CodeResources not written: %v", err)
	}
	if !digest.Bytes(manifest).Equal(report.Resources.Resources) {
		t.Error("reported resources digest does not cover the written manifest")
	}

	exe, err := os.ReadFile(filepath.Join(appDir, "Test"))
	if err != nil {
		t.Fatal(err)
	}
	vr := verifyBytes(t, exe)
	if vr.Info.Entitlements.Parsed["get-task-allow"] != true {
		t.Errorf("entitlements not embedded: %v", vr.Info.Entitlements.Parsed)
	}
}

// TestStoreApplicationNoBundle verifies bare executables need explicit
// names and get zero resource digests.
func TestStoreApplicationNoBundle(t *testing.T) {
	baseDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(baseDir, "tool"), defaultExecutable(t), 0755); err != nil {
		t.Fatal(err)
	}

	p := NewPacker(nil, &fakeSigner{der: []byte{0x30, 0x00}}, WithInPlace(true))
	_, err := p.StoreApplication(context.Background(), Application{BaseDir: baseDir, AppDir: ".", NoBundle: true})
	if err == nil {
		t.Fatal("expected error without an executable name")
	}

	report, err := p.StoreApplication(context.Background(), Application{
		BaseDir:  baseDir,
		AppDir:   ".",
		AppName:  "tool",
		AppID:    "com.example.tool",
		NoBundle: true,
	})
	if err != nil {
		t.Fatalf("StoreApplication failed: %v", err)
	}
	if !report.Resources.Resources.Equal(digest.ZeroDigests()) {
		t.Error("resource digests not zero")
	}
	if _, err := os.Stat(filepath.Join(baseDir, "_CodeSignature")); !os.IsNotExist(err) {
		t.Errorf("manifest written for a bare executable: %v", err)
	}
}

// TestStoreApplicationReportsResources verifies the report keeps the
// resource digests when the executable step fails.
func TestStoreApplicationReportsResources(t *testing.T) {
	baseDir := writeTestBundle(t, defaultExecutable(t))

	var buf bytes.Buffer
	p := NewPacker(&buf, &fakeSigner{err: errors.New("declined")})
	report, err := p.StoreApplication(context.Background(), Application{
		BaseDir: baseDir,
		AppDir:  "Payload/Test.app",
	})
	var signingErr *SigningError
	if !errors.As(err, &signingErr) {
		t.Fatalf("expected SigningError, got %v", err)
	}
	if report == nil || report.Resources.Resources.IsZero() {
		t.Fatalf("resource digests missing from report: %+v", report)
	}
	if report.Executable != nil {
		t.Error("executable result reported on failure")
	}
}
