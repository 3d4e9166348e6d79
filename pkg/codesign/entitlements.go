package codesign

import (
	"fmt"
	"os"
	"strings"

	"howett.net/plist"
)

// LoadEntitlements reads an entitlements property list and returns it as an
// entitlements blob. The file is stored verbatim once it parses.
func LoadEntitlements(path string) (*Entitlements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entitlements: %w", err)
	}
	if _, err := ParseEntitlementsXML(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewEntitlements(data), nil
}

// EntitlementsFromProfile extracts the entitlements of a provisioning
// profile. When appID is set the wildcard application identifier is
// narrowed to teamID.appID.
func EntitlementsFromProfile(profile *ProvisioningProfile, teamID, appID string) (*Entitlements, error) {
	if profile.Entitlements == nil {
		return nil, fmt.Errorf("provisioning profile has no entitlements")
	}

	ents := profile.Entitlements
	if appID != "" {
		if teamID == "" {
			teamID = profile.GetTeamID()
		}
		ents = UpdateEntitlementsForBundleID(ents, teamID, appID)
	}

	data, err := EntitlementsToXML(ents)
	if err != nil {
		return nil, err
	}
	return NewEntitlements(data), nil
}

// GetTaskAllow reports whether the entitlements allow debugger attachment.
func (e *Entitlements) GetTaskAllow() bool {
	ents, err := ParseEntitlementsXML(e.Data)
	if err != nil {
		return false
	}
	allow, _ := ents["get-task-allow"].(bool)
	return allow
}

// UpdateEntitlementsForBundleID sets application-identifier and the
// keychain access groups to the given bundle ID
func UpdateEntitlementsForBundleID(entitlements map[string]interface{}, teamID, newBundleID string) map[string]interface{} {
	updated := make(map[string]interface{}, len(entitlements))
	for k, v := range entitlements {
		updated[k] = v
	}

	bundleID := strings.TrimPrefix(newBundleID, teamID+".")
	updated["application-identifier"] = teamID + "." + bundleID

	if groups, ok := updated["keychain-access-groups"].([]interface{}); ok {
		newGroups := make([]interface{}, 0, len(groups))
		for _, group := range groups {
			groupStr, ok := group.(string)
			if !ok {
				continue
			}
			if strings.Contains(groupStr, ".") {
				newGroups = append(newGroups, teamID+"."+bundleID)
			} else {
				newGroups = append(newGroups, groupStr)
			}
		}
		updated["keychain-access-groups"] = newGroups
	}

	return updated
}

// EntitlementsToXML converts entitlements map to XML plist bytes
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}
