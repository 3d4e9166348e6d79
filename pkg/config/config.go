package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

type ConfigFormat uint8

const (
	ConfigFormatJSON ConfigFormat = iota
	ConfigFormatYAML
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ConfigFormatJSON, nil

	case ".yaml", ".yml":
		return ConfigFormatYAML, nil

	default:
		return 0, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

func (format ConfigFormat) decode(src io.Reader, dst any) error {
	switch format {
	case ConfigFormatJSON:
		return json.NewDecoder(src).Decode(dst)

	case ConfigFormatYAML:
		return yaml.NewDecoder(src).Decode(dst)

	default:
		return errors.New("unsupported config format")
	}
}

var ErrUnsupportedVersion = errors.New("unsupported configuration version")

type configVersion struct {
	ConfigVersion int `json:"config_version" yaml:"config_version"`
}

func LoadConfigurationFromFile(srcFile string, format ConfigFormat) (*Configuration, error) {
	src, err := os.OpenFile(srcFile, os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open configuration file: %w", err)
	}
	defer src.Close()

	var configVer configVersion
	if err = format.decode(src, &configVer); err != nil {
		return nil, fmt.Errorf("decode config version: %w", err)
	} else if configVer.ConfigVersion > CurrentVersion {
		return nil, ErrUnsupportedVersion
	} else if _, err = src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to start of config: %w", err)
	}

	config := new(Configuration)
	if err = format.decode(src, config); err != nil {
		return nil, fmt.Errorf("decode configuration file: %w", err)
	}

	// Relative paths in the file are relative to the file
	dir := filepath.Dir(srcFile)
	for i := range config.Applications {
		app := &config.Applications[i]
		app.BaseDir = resolvePath(dir, app.BaseDir)
		app.Entitlements = resolvePath(dir, app.Entitlements)
		app.Profile = resolvePath(dir, app.Profile)
	}
	config.Signing.Keystore = resolvePath(dir, config.Signing.Keystore)
	config.Archive = resolvePath(dir, config.Archive)

	return config, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
