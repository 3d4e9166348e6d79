package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluedeke/go-ipack/pkg/digest"
)

const (
	sha1Hex   = "A9993E364706816ABA3E25717850C26C9CD0D89D"
	sha256Hex = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
)

const testEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>
`

// writeWorkspace creates a keystore placeholder, entitlements and a bundle
// directory with an executable, and returns the workspace root.
func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "Payload", "My.app"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"signing.p12":          "keystore",
		"app.entitlements":     testEntitlements,
		"Payload/My.app/MyApp": "executable",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// TestLoadConfigurationFromFile verifies both formats decode to the same
// configuration with paths resolved against the file's directory.
func TestLoadConfigurationFromFile(t *testing.T) {
	dir := writeWorkspace(t)

	yamlConfig := `config_version: 1
archive: out/My.ipa
signing:
  keystore: signing.p12
  storepass: secret
applications:
  - basedir: .
    appdir: Payload/My.app
    appname: MyApp
    appid: com.example.MyApp
    teamid: ABCDE12345
    entitlements: app.entitlements
`
	jsonConfig := `{
  "config_version": 1,
  "archive": "out/My.ipa",
  "signing": {"keystore": "signing.p12", "storepass": "secret"},
  "applications": [{
    "basedir": ".",
    "appdir": "Payload/My.app",
    "appname": "MyApp",
    "appid": "com.example.MyApp",
    "teamid": "ABCDE12345",
    "entitlements": "app.entitlements"
  }]
}`

	tests := []struct {
		name    string
		content string
	}{
		{"config.yaml", yamlConfig},
		{"config.json", jsonConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			format, err := FormatFromPath(path)
			if err != nil {
				t.Fatalf("FormatFromPath failed: %v", err)
			}

			config, err := LoadConfigurationFromFile(path, format)
			if err != nil {
				t.Fatalf("LoadConfigurationFromFile failed: %v", err)
			}
			if config.Archive != filepath.Join(dir, "out", "My.ipa") {
				t.Errorf("archive %q", config.Archive)
			}
			if config.Signing.Keystore != filepath.Join(dir, "signing.p12") || config.Signing.StorePass != "secret" {
				t.Errorf("signing %+v", config.Signing)
			}
			if len(config.Applications) != 1 {
				t.Fatalf("%d applications, want 1", len(config.Applications))
			}
			app := config.Applications[0]
			if app.Dir() != filepath.Join(dir, "Payload", "My.app") {
				t.Errorf("application directory %q", app.Dir())
			}
			if app.AppID != "com.example.MyApp" || app.TeamID != "ABCDE12345" {
				t.Errorf("application %+v", app)
			}
			if err := config.Validate(); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

// TestLoadConfigurationVersion verifies newer configuration versions are
// rejected.
func TestLoadConfigurationVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("config_version: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigurationFromFile(path, ConfigFormatYAML); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

// TestFormatFromPath verifies format detection by extension.
func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    ConfigFormat
		wantErr bool
	}{
		{"ipack.json", ConfigFormatJSON, false},
		{"ipack.YAML", ConfigFormatYAML, false},
		{"dir/ipack.yml", ConfigFormatYAML, false},
		{"ipack.toml", 0, true},
		{"ipack", 0, true},
	}
	for _, tt := range tests {
		got, err := FormatFromPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatFromPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("FormatFromPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

// TestValidate verifies the checks applied before packing.
func TestValidate(t *testing.T) {
	dir := writeWorkspace(t)

	valid := func() *Configuration {
		return &Configuration{
			Archive: filepath.Join(dir, "My.ipa"),
			Signing: Signing{Keystore: filepath.Join(dir, "signing.p12")},
			Applications: []Application{{
				BaseDir: dir,
				AppDir:  "Payload/My.app",
				AppName: "MyApp",
				TeamID:  "ABCDE12345",
			}},
		}
	}

	tests := []struct {
		name    string
		modify  func(c *Configuration)
		wantErr string
	}{
		{"valid", func(c *Configuration) {}, ""},
		{"in place", func(c *Configuration) { c.Archive, c.InPlace = "", true }, ""},
		{"archive and in place", func(c *Configuration) { c.InPlace = true }, "both specified"},
		{"no destination", func(c *Configuration) { c.Archive = "" }, "destination file not specified"},
		{"no application", func(c *Configuration) { c.Applications = nil }, "no application"},
		{"no keystore", func(c *Configuration) { c.Signing.Keystore = "" }, "key store not specified"},
		{"missing keystore", func(c *Configuration) { c.Signing.Keystore = filepath.Join(dir, "none.p12") }, "doesn't exist"},
		{"missing directory", func(c *Configuration) { c.Applications[0].AppDir = "Payload/Other.app" }, "doesn't exist"},
		{"missing executable", func(c *Configuration) { c.Applications[0].AppName = "Other" }, "doesn't exist"},
		{"no team", func(c *Configuration) { c.Applications[0].TeamID = "" }, "team id not specified"},
		{"short team", func(c *Configuration) { c.Applications[0].TeamID = "ABC123" }, "10 alphanumeric"},
		{"team with dash", func(c *Configuration) { c.Applications[0].TeamID = "ABCDE-1234" }, "10 alphanumeric"},
		{"bare executable without id", func(c *Configuration) { c.Applications[0].NoBundle = true }, "required without a bundle"},
		{"entitlements and profile", func(c *Configuration) {
			c.Applications[0].Entitlements = filepath.Join(dir, "app.entitlements")
			c.Applications[0].Profile = filepath.Join(dir, "app.entitlements")
		}, "both specified"},
		{"short resources hash", func(c *Configuration) {
			c.Applications[0].ResourcesHash = "ABCD"
			c.Applications[0].Resources256Hash = sha256Hex
		}, "40 hexadecimal"},
		{"bad info plist 256 hash", func(c *Configuration) {
			c.Applications[0].ResourcesHash = sha1Hex
			c.Applications[0].Resources256Hash = sha256Hex
			c.Applications[0].InfoPlist256Hash = strings.Repeat("G", 64)
		}, "64 hexadecimal"},
		{"unpaired resources hash", func(c *Configuration) { c.Applications[0].ResourcesHash = sha1Hex }, "given together"},
		{"info plist hash alone", func(c *Configuration) { c.Applications[0].InfoPlistHash = sha1Hex }, "require the resources hashes"},
		{"precomputed", func(c *Configuration) {
			c.Applications[0].ResourcesHash = sha1Hex
			c.Applications[0].Resources256Hash = sha256Hex
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestApplyEnvironment verifies environment values only fill unset fields.
func TestApplyEnvironment(t *testing.T) {
	t.Setenv(EnvKeystore, "/env/keystore.p12")
	t.Setenv(EnvStorePass, "env-store")
	t.Setenv(EnvKeyPass, "env-key")

	c := &Configuration{Signing: Signing{StorePass: "flag-store"}}
	c.ApplyEnvironment()

	want := Signing{Keystore: "/env/keystore.p12", StorePass: "flag-store", KeyPass: "env-key"}
	if c.Signing != want {
		t.Errorf("signing %+v, want %+v", c.Signing, want)
	}
}

// TestPackerApplication verifies the conversion loads entitlements and
// parses precomputed digests.
func TestPackerApplication(t *testing.T) {
	dir := writeWorkspace(t)

	app := Application{
		BaseDir:          dir,
		AppDir:           "Payload/My.app",
		AppName:          "MyApp",
		AppID:            "com.example.MyApp",
		TeamID:           "ABCDE12345",
		Entitlements:     filepath.Join(dir, "app.entitlements"),
		ResourcesHash:    sha1Hex,
		Resources256Hash: sha256Hex,
	}
	result, err := app.PackerApplication()
	if err != nil {
		t.Fatalf("PackerApplication failed: %v", err)
	}

	if result.Entitlements == nil || !result.Entitlements.GetTaskAllow() {
		t.Error("entitlements not loaded")
	}
	if result.Precomputed == nil {
		t.Fatal("precomputed digests missing")
	}
	want := digest.Bytes([]byte("abc"))
	if !result.Precomputed.Resources.Equal(want) {
		t.Errorf("resources digests %x", result.Precomputed.Resources.SHA256)
	}
	if !result.Precomputed.InfoPlist.IsZero() || len(result.Precomputed.InfoPlist.SHA256) != digest.SHA256.Size() {
		t.Errorf("info plist digests not zero: %x", result.Precomputed.InfoPlist.SHA256)
	}

	app.ResourcesHash, app.Resources256Hash = "", ""
	if result, err = app.PackerApplication(); err != nil {
		t.Fatalf("PackerApplication failed: %v", err)
	}
	if result.Precomputed != nil {
		t.Error("precomputed digests without hashes")
	}
	if !bytes.Contains(result.Entitlements.Data, []byte("get-task-allow")) {
		t.Error("entitlements data not carried")
	}
}
