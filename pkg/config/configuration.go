package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/aluedeke/go-ipack/pkg/codesign"
	"github.com/aluedeke/go-ipack/pkg/digest"
	"github.com/aluedeke/go-ipack/pkg/packer"
	"github.com/xyproto/env/v2"
)

// CurrentVersion is the newest config_version this build understands.
const CurrentVersion = 1

// Environment fallbacks for the signing section
const (
	EnvKeystore  = "IPACK_KEYSTORE"
	EnvStorePass = "IPACK_STOREPASS"
	EnvKeyPass   = "IPACK_KEYPASS"
)

var teamIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{10}$`)

// Configuration is one packing run: where the result goes, how to sign
// and which applications to pack.
type Configuration struct {
	ConfigVersion int           `json:"config_version" yaml:"config_version"`
	Archive       string        `json:"archive" yaml:"archive"`
	InPlace       bool          `json:"in_place" yaml:"in_place"`
	Signing       Signing       `json:"signing" yaml:"signing"`
	Applications  []Application `json:"applications" yaml:"applications"`
}

type Signing struct {
	Keystore  string `json:"keystore" yaml:"keystore"`
	StorePass string `json:"storepass" yaml:"storepass"`
	KeyPass   string `json:"keypass" yaml:"keypass"`
}

type Application struct {
	BaseDir      string `json:"basedir" yaml:"basedir"`
	AppDir       string `json:"appdir" yaml:"appdir"`
	AppName      string `json:"appname" yaml:"appname"`
	AppID        string `json:"appid" yaml:"appid"`
	TeamID       string `json:"teamid" yaml:"teamid"`
	Entitlements string `json:"entitlements" yaml:"entitlements"`
	Profile      string `json:"profile" yaml:"profile"`

	ResourcesHash    string `json:"resources_hash" yaml:"resources_hash"`
	InfoPlistHash    string `json:"info_plist_hash" yaml:"info_plist_hash"`
	Resources256Hash string `json:"resources_256_hash" yaml:"resources_256_hash"`
	InfoPlist256Hash string `json:"info_plist_256_hash" yaml:"info_plist_256_hash"`

	NoBundle bool `json:"no_bundle" yaml:"no_bundle"`
}

// ApplyEnvironment fills unset signing fields from the environment.
func (config *Configuration) ApplyEnvironment() {
	if config.Signing.Keystore == "" {
		config.Signing.Keystore = env.Str(EnvKeystore)
	}
	if config.Signing.StorePass == "" {
		config.Signing.StorePass = env.Str(EnvStorePass)
	}
	if config.Signing.KeyPass == "" {
		config.Signing.KeyPass = env.Str(EnvKeyPass)
	}
}

// Validate checks the run as a whole and every application in it.
func (config *Configuration) Validate() error {
	switch {
	case config.Archive != "" && config.InPlace:
		return errors.New("destination file and in place both specified")

	case config.Archive == "" && !config.InPlace:
		return errors.New("destination file not specified")

	case len(config.Applications) == 0:
		return errors.New("no application specified")
	}

	if err := config.Signing.Validate(); err != nil {
		return err
	}
	for i := range config.Applications {
		if err := config.Applications[i].Validate(); err != nil {
			return fmt.Errorf("application %d: %w", i+1, err)
		}
	}
	return nil
}

func (signing *Signing) Validate() error {
	if signing.Keystore == "" {
		return errors.New("key store not specified")
	}
	if _, err := os.Stat(signing.Keystore); err != nil {
		return fmt.Errorf("key store %q doesn't exist", signing.Keystore)
	}
	return nil
}

// LoadIdentity opens the keystore with the store password, falling back to
// the key password. A keystore holding only a key takes its certificate
// from the provisioning profile at profilePath.
func (signing *Signing) LoadIdentity(profilePath string) (*codesign.SigningIdentity, error) {
	if profilePath == "" {
		return codesign.LoadSigningIdentityFile(signing.Keystore, signing.StorePass, signing.KeyPass)
	}

	profile, err := codesign.LoadProvisioningProfile(profilePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(signing.Keystore)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var lastErr error
	for _, password := range []string{signing.StorePass, signing.KeyPass} {
		identity, err := codesign.LoadSigningIdentityWithProfile(data, password, profile)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (app *Application) Validate() error {
	dir := app.Dir()
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return fmt.Errorf("directory %q doesn't exist", dir)
	}
	if app.AppName != "" {
		if _, err := os.Stat(filepath.Join(dir, app.AppName)); err != nil {
			return fmt.Errorf("application %q doesn't exist", app.AppName)
		}
	}
	if app.NoBundle && (app.AppName == "" || app.AppID == "") {
		return errors.New("application name and id are required without a bundle")
	}

	if app.TeamID == "" {
		return errors.New("team id not specified")
	} else if !teamIDPattern.MatchString(app.TeamID) {
		return errors.New("team id must be 10 alphanumeric characters")
	}

	if app.Entitlements != "" && app.Profile != "" {
		return errors.New("entitlements and profile both specified")
	}
	for _, path := range []string{app.Entitlements, app.Profile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%q doesn't exist", path)
		}
	}

	_, err := app.precomputed()
	return err
}

// Dir is the bundle directory on disk.
func (app *Application) Dir() string {
	return filepath.Join(app.BaseDir, filepath.FromSlash(app.AppDir))
}

// precomputed parses the supplied digests. Resource digests come in pairs;
// Info.plist digests are optional and default to zero.
func (app *Application) precomputed() (*packer.ResourceDigests, error) {
	result := packer.ZeroResourceDigests()
	hashes := []struct {
		name  string
		value string
		alg   digest.Algorithm
		dst   *[]byte
	}{
		{"resources hash", app.ResourcesHash, digest.SHA1, &result.Resources.SHA1},
		{"resources 256 hash", app.Resources256Hash, digest.SHA256, &result.Resources.SHA256},
		{"info plist hash", app.InfoPlistHash, digest.SHA1, &result.InfoPlist.SHA1},
		{"info plist 256 hash", app.InfoPlist256Hash, digest.SHA256, &result.InfoPlist.SHA256},
	}

	for _, h := range hashes {
		b, err := digest.ParseHex(h.value, h.alg)
		if err != nil {
			return nil, fmt.Errorf("%s must be %d hexadecimal characters: %w", h.name, 2*h.alg.Size(), err)
		}
		if b != nil {
			*h.dst = b
		}
	}

	switch {
	case app.ResourcesHash == "" && app.Resources256Hash == "":
		if app.InfoPlistHash != "" || app.InfoPlist256Hash != "" {
			return nil, errors.New("info plist hashes require the resources hashes")
		}
		return nil, nil

	case app.ResourcesHash == "" || app.Resources256Hash == "":
		return nil, errors.New("resources hash and resources 256 hash must be given together")
	}
	return &result, nil
}

// PackerApplication loads the entitlements and precomputed digests and
// returns the application in the form the packer takes.
func (app *Application) PackerApplication() (packer.Application, error) {
	precomputed, err := app.precomputed()
	if err != nil {
		return packer.Application{}, err
	}

	result := packer.Application{
		BaseDir:     app.BaseDir,
		AppDir:      app.AppDir,
		AppName:     app.AppName,
		AppID:       app.AppID,
		TeamID:      app.TeamID,
		Precomputed: precomputed,
		NoBundle:    app.NoBundle,
	}

	switch {
	case app.Entitlements != "":
		if result.Entitlements, err = codesign.LoadEntitlements(app.Entitlements); err != nil {
			return packer.Application{}, err
		}

	case app.Profile != "":
		profile, err := codesign.LoadProvisioningProfile(app.Profile)
		if err != nil {
			return packer.Application{}, err
		}
		appID := app.AppID
		if appID == "" {
			if appID, err = codesign.GetAppBundleID(app.Dir()); err != nil {
				return packer.Application{}, err
			}
		}
		if result.Entitlements, err = codesign.EntitlementsFromProfile(profile, app.TeamID, appID); err != nil {
			return packer.Application{}, err
		}
	}
	return result, nil
}
