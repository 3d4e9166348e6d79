package codesign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Apple Root CA and WWDR G3 certificates (DER, base64)
const appleRootCABase64 = `MIIEuzCCA6OgAwIBAgIBAjANBgkqhkiG9w0BAQUFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMDYwNDI1MjE0MDM2WhcNMzUwMjA5MjE0MDM2WjBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDkkakJH5HbHkdQ6wXtXnmELes2oldMVeyLGYne+Uts9QerIjAC6Bg++FAJ039BqJj50cpmnCRrEdCju+QbKsMflZ56DKRHi1vUFjczy8QPTc4UadHJGXL1XQ7Vf1+b8iUDulWPTV0N8WQ1IxVLFVkds5T39pyez1C6wVhQZ48ItCD3y6wsIG9wtj8BMIy3Q88PnT3zK0koGsj+zrW5DtleHNbLPbU6rfQPDgCSC7EhFi501TwN22IWq6NxkkdTVcGvL0Gz+PvjcM3mo0xFfh9Ma1CWQYnEdGILEINBhzOKgbEwWOxaBDKMaLOPHd5lc/9nXmW8Sdh2nzMUZaF3lMktAgMBAAGjggF6MIIBdjAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUK9BpR5R2Cf70a40uQKb3R01/CF4wHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wggERBgNVHSAEggEIMIIBBDCCAQAGCSqGSIb3Y2QFATCB8jAqBggrBgEFBQcCARYeaHR0cHM6Ly93d3cuYXBwbGUuY29tL2FwcGxlY2EvMIHDBggrBgEFBQcCAjCBthqBs1JlbGlhbmNlIG9uIHRoaXMgY2VydGlmaWNhdGUgYnkgYW55IHBhcnR5IGFzc3VtZXMgYWNjZXB0YW5jZSBvZiB0aGUgdGhlbiBhcHBsaWNhYmxlIHN0YW5kYXJkIHRlcm1zIGFuZCBjb25kaXRpb25zIG9mIHVzZSwgY2VydGlmaWNhdGUgcG9saWN5IGFuZCBjZXJ0aWZpY2F0aW9uIHByYWN0aWNlIHN0YXRlbWVudHMuMA0GCSqGSIb3DQEBBQUAA4IBAQBcNplMLXi37Yyb3PN3m/J20ncwT8EfhYOFG5k9RzfyqZtAjizUsZAS2L70c5vu0mQPy3lPNNiiPvl4/2vIB+x9OYOLUyDTOMSxv5pPCmv/K/xZpwUJfBdAVhEedNO3iyM7R6PVbyTi69G3cN8PReEnyvFteO3ntRcXqNx+IjXKJdXZD9Zr1KIkIxH3oayPc4FgxhtbCS+SsvhESPBgOJ4V9T0mZyCKM2r3DYLP3uujL/lTaltkwGMzd/c6ByxW69oPIQ7aunMZT7XZNn/Bh1XZp5m5MkL72NVxnn6hUrcbvZNCJBIqxw8dtk2cXmPIS4AXUKqK1drk/NAJBzewdXUh`
const appleWWDRG3Base64 = `MIIEUTCCAzmgAwIBAgIQfK9pCiW3Of57m0R6wXjF7jANBgkqhkiG9w0BAQsFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMjAwMjE5MTgxMzQ3WhcNMzAwMjIwMDAwMDAwWjB1MUQwQgYDVQQDDDtBcHBsZSBXb3JsZHdpZGUgRGV2ZWxvcGVyIFJlbGF0aW9ucyBDZXJ0aWZpY2F0aW9uIEF1dGhvcml0eTELMAkGA1UECwwCRzMxEzARBgNVBAoMCkFwcGxlIEluYy4xCzAJBgNVBAYTAlVTMIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA2PWJ/KhZC4fHTJEuLVaQ03gdpDDppUjvC0O/LYT7JF1FG+XrWTYSXFRknmxiLbTGl8rMPPbWBpH85QKmHGq0edVny6zpPwcR4YS8Rx1mjjmi6LRJ7TrS4RBgeo6TjMrA2gzAg9Dj+ZHWp4zIwXPirkbRYp2SqJBgN31ols2N4Pyb+ni743uvLRfdW/6AWSN1F7gSwe0b5TTO/iK1nkmw5VW/j4SiPKi6xYaVFuQAyZ8D0MyzOhZ71gVcnetHrg21LYwOaU1A0EtMOwSejSGxrC5DVDDOwYqGlJhL32oNP/77HK6XF8J4CjDgXx9UO0m3JQAaN4LSVpelUkl8YDib7wIDAQABo4HvMIHsMBIGA1UdEwEB/wQIMAYBAf8CAQAwHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wRAYIKwYBBQUHAQEEODA2MDQGCCsGAQUFBzABhihodHRwOi8vb2NzcC5hcHBsZS5jb20vb2NzcDAzLWFwcGxlcm9vdGNhMC4GA1UdHwQnMCUwI6AhoB+GHWh0dHA6Ly9jcmwuYXBwbGUuY29tL3Jvb3QuY3JsMB0GA1UdDgQWBBQJ/sAVkPmvZAqSErkmKGMMl+ynsjAOBgNVHQ8BAf8EBAMCAQYwEAYKKoZIhvdjZAYCAQQCBQAwDQYJKoZIhvcNAQELBQADggEBAK1lE+j24IF3RAJHQr5fpTkg6mKp/cWQyXMT1Z6b0KoPjY3L7QHPbChAW8dVJEH4/M/BtSPp3Ozxb8qAHXfCxGFJJWevD8o5Ja3T43rMMygNDi6hV0Bz+uZcrgZRKe3jhQxPYdwyFot30ETKXXIDMUacrptAGvr04NM++i+MZp+XxFRZ79JI9AeZSWBZGcfdlNHAwWx/eCHvDOs7bJmCS1JgOLU5gm3sUjFTvg+RTElJdI+mUcuER04ddSduvfnSXPN/wmwLCTbiZOTCNwMUGdXqapSqqdv+9poIZ4vvK7iqF0mDr8/LvOnP6pVxsLRFoszlh6oKw0E6eVzaUDSdlTs=`

func getAppleCACertificates() ([]*x509.Certificate, error) {
	rootCADER, err := base64.StdEncoding.DecodeString(appleRootCABase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Apple Root CA: %w", err)
	}
	rootCA, err := x509.ParseCertificate(rootCADER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Apple Root CA: %w", err)
	}

	wwdrDER, err := base64.StdEncoding.DecodeString(appleWWDRG3Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Apple WWDR G3: %w", err)
	}
	wwdr, err := x509.ParseCertificate(wwdrDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Apple WWDR G3: %w", err)
	}

	// Intermediate first, then the root
	return []*x509.Certificate{wwdr, rootCA}, nil
}

// buildCertificateChain completes a short chain with the Apple intermediates
func buildCertificateChain(identity *SigningIdentity) error {
	if len(identity.CertChain) >= 3 {
		return nil
	}

	appleCerts, err := getAppleCACertificates()
	if err != nil {
		return err
	}

	identity.CertChain = append([]*x509.Certificate{identity.Certificate}, appleCerts...)
	return nil
}

// SigningIdentity represents a code signing identity (certificate + private key)
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// SubjectName returns the certificate common name used by the designated
// requirement.
func (id *SigningIdentity) SubjectName() string {
	if id.Certificate == nil {
		return ""
	}
	return id.Certificate.Subject.CommonName
}

// LoadSigningIdentityFile reads a keystore from disk and loads it with the
// first password that opens it.
func LoadSigningIdentityFile(path string, passwords ...string) (*SigningIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	if len(passwords) == 0 {
		passwords = []string{""}
	}

	var lastErr error
	for _, password := range passwords {
		identity, err := LoadSigningIdentity(data, password)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// LoadSigningIdentity loads a signing identity from a PKCS#12 keystore or a
// PEM bundle. A PEM bundle may carry the certificate next to the key; when it
// does not, the certificate must come from a provisioning profile through
// LoadSigningIdentityWithProfile.
func LoadSigningIdentity(data []byte, password string) (*SigningIdentity, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return loadPEMIdentity(data)
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	identity := &SigningIdentity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   append([]*x509.Certificate{cert}, caCerts...),
		TeamID:      extractTeamID(cert),
	}

	if err := buildCertificateChain(identity); err != nil {
		return nil, fmt.Errorf("failed to build certificate chain: %w", err)
	}

	return identity, nil
}

func loadPEMIdentity(pemData []byte) (*SigningIdentity, error) {
	identity := &SigningIdentity{}
	var extra []*x509.Certificate

	for rest := pemData; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		var err error
		switch block.Type {
		case "CERTIFICATE":
			var cert *x509.Certificate
			cert, err = x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			if identity.Certificate == nil {
				identity.Certificate = cert
			} else {
				extra = append(extra, cert)
			}
		case "RSA PRIVATE KEY":
			identity.PrivateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			identity.PrivateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			identity.PrivateKey, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	if identity.PrivateKey == nil {
		return nil, fmt.Errorf("no private key found in PEM data")
	}
	if identity.Certificate == nil {
		return identity, nil
	}
	if !keyMatchesCert(identity.PrivateKey, identity.Certificate) {
		return nil, fmt.Errorf("private key does not match certificate %q", identity.Certificate.Subject.CommonName)
	}

	identity.CertChain = append([]*x509.Certificate{identity.Certificate}, extra...)
	identity.TeamID = extractTeamID(identity.Certificate)
	if err := buildCertificateChain(identity); err != nil {
		return nil, fmt.Errorf("failed to build certificate chain: %w", err)
	}
	return identity, nil
}

// LoadSigningIdentityWithProfile loads a signing identity and, when the
// keystore only holds a key, takes the matching certificate from the
// provisioning profile
func LoadSigningIdentityWithProfile(keyData []byte, password string, profile *ProvisioningProfile) (*SigningIdentity, error) {
	identity, err := LoadSigningIdentity(keyData, password)
	if err != nil {
		return nil, err
	}
	if identity.Certificate != nil {
		return identity, nil
	}

	certs, err := profile.GetCertificates()
	if err != nil {
		return nil, fmt.Errorf("failed to get certificates from profile: %w", err)
	}

	for _, cert := range certs {
		if keyMatchesCert(identity.PrivateKey, cert) {
			identity.Certificate = cert
			identity.CertChain = []*x509.Certificate{cert}
			identity.TeamID = extractTeamID(cert)

			if err := buildCertificateChain(identity); err != nil {
				return nil, fmt.Errorf("failed to build certificate chain: %w", err)
			}
			return identity, nil
		}
	}

	return nil, fmt.Errorf("no certificate in provisioning profile matches the provided private key")
}

// keyMatchesCert checks if a private key matches a certificate's public key
func keyMatchesCert(privateKey crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := privateKey.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return priv.N.Cmp(pub.N) == 0 && priv.E == pub.E
		}
	case *ecdsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
			return priv.PublicKey.Equal(pub)
		}
	}
	return false
}

func extractTeamID(cert *x509.Certificate) string {
	// Apple puts the 10 character team identifier in the OU
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
