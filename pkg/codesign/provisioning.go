package codesign

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Reasons a provisioning profile rejects a signed bundle.
var (
	ErrProfileExpired          = errors.New("provisioning profile has expired")
	ErrCertificateNotInProfile = errors.New("signing certificate is not part of the provisioning profile")
	ErrTeamMismatch            = errors.New("signing team does not match the provisioning profile")
	ErrAppIDNotProvisioned     = errors.New("application identifier is not covered by the provisioning profile")
)

// ProvisioningProfile is the plist payload of a .mobileprovision file.
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile decodes the CMS container of a .mobileprovision
// file and its plist payload. The container signature is not checked.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// LoadProvisioningProfile reads and parses a .mobileprovision file
func LoadProvisioningProfile(path string) (*ProvisioningProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return ParseProvisioningProfile(data)
}

// GetTeamID returns the profile's team, falling back to the application
// identifier prefix.
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the provisioned application-identifier
// entitlement, "TEAMID.com.example.*" for a wildcard profile.
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	appID, _ := p.Entitlements["application-identifier"].(string)
	return appID
}

// ExpiredAt reports whether the profile is no longer valid at t.
func (p *ProvisioningProfile) ExpiredAt(t time.Time) bool {
	return !p.ExpirationDate.IsZero() && t.After(p.ExpirationDate)
}

// GetCertificates parses the developer certificates of the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.DeveloperCertificates))
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate reports whether cert is one of the profile's developer
// certificates. Unparseable entries are skipped.
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	for _, der := range p.DeveloperCertificates {
		if profileCert, err := x509.ParseCertificate(der); err == nil && cert.Equal(profileCert) {
			return true
		}
	}
	return false
}

// AllowsAppID reports whether the bundle identifier appID is covered by the
// profile's application identifier, honouring a trailing wildcard.
func (p *ProvisioningProfile) AllowsAppID(appID string) bool {
	provisioned := p.GetApplicationIdentifier()
	if provisioned == "" {
		return false
	}
	if team := p.GetTeamID(); team != "" {
		provisioned = strings.TrimPrefix(provisioned, team+".")
	}
	if prefix, ok := strings.CutSuffix(provisioned, "*"); ok {
		return strings.HasPrefix(appID, prefix)
	}
	return provisioned == appID
}

// Validate checks that a bundle with identifier appID signed by identity at
// time now would be accepted under the profile. All failed checks are
// joined into the returned error. An empty appID skips the identifier
// check.
func (p *ProvisioningProfile) Validate(identity *SigningIdentity, appID string, now time.Time) error {
	var errs []error
	if p.ExpiredAt(now) {
		errs = append(errs, fmt.Errorf("%w on %s", ErrProfileExpired, p.ExpirationDate.Format(time.RFC3339)))
	}
	if !p.MatchesCertificate(identity.Certificate) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrCertificateNotInProfile, identity.SubjectName()))
	}
	if team := p.GetTeamID(); team != "" && identity.TeamID != "" && team != identity.TeamID {
		errs = append(errs, fmt.Errorf("%w: %s, profile %s", ErrTeamMismatch, identity.TeamID, team))
	}
	if appID != "" && !p.AllowsAppID(appID) {
		errs = append(errs, fmt.Errorf("%w: %s, profile %s", ErrAppIDNotProvisioned, appID, p.GetApplicationIdentifier()))
	}
	return errors.Join(errs...)
}
