package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// InfoPlistName is the bundle metadata file hashed into the Info.plist slot
const InfoPlistName = "Info.plist"

// ReadInfoPlist parses the Info.plist of the bundle at appPath
func ReadInfoPlist(appPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(appPath, InfoPlistName))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	return info, nil
}

// GetAppBundleID reads the bundle ID from an app's Info.plist
func GetAppBundleID(appPath string) (string, error) {
	info, err := ReadInfoPlist(appPath)
	if err != nil {
		return "", err
	}

	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return bundleID, nil
}

// GetAppExecutableName reads the executable name from an app's Info.plist
func GetAppExecutableName(appPath string) (string, error) {
	info, err := ReadInfoPlist(appPath)
	if err != nil {
		return "", err
	}

	execName, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}
	return execName, nil
}
