package codesign

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/aluedeke/go-ipack/pkg/digest"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Apple OIDs for the code directory hash signed attributes
var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// cdHashSize is the truncated length of a code directory hash
const cdHashSize = 20

// CMSSigner produces the detached CMS signature stored in the signature slot.
type CMSSigner struct {
	identity *SigningIdentity
}

// NewCMSSigner returns a signer for identity. The identity must carry a
// certificate and a key usable for signing.
func NewCMSSigner(identity *SigningIdentity) (*CMSSigner, error) {
	if identity == nil || identity.Certificate == nil {
		return nil, fmt.Errorf("signing identity has no certificate")
	}
	if _, ok := identity.PrivateKey.(crypto.Signer); !ok {
		return nil, fmt.Errorf("unsupported private key type %T", identity.PrivateKey)
	}
	return &CMSSigner{identity: identity}, nil
}

// SubjectName returns the signing certificate's common name.
func (s *CMSSigner) SubjectName() string {
	return s.identity.SubjectName()
}

// Sign returns a DER encoded detached CMS signature over the primary code
// directory. The signed attributes carry the hashes of the primary and all
// alternate code directories.
func (s *CMSSigner) Sign(primary []byte, alternates ...[]byte) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(primary)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	attrs, err := cdHashesAttributes(append([][]byte{primary}, alternates...))
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}

	// CertChain is [leaf, intermediates...]; pkcs7 wants the parents only
	var parents []*x509.Certificate
	if len(s.identity.CertChain) > 1 {
		parents = s.identity.CertChain[1:]
	}

	config := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := signedData.AddSignerChain(s.identity.Certificate, s.identity.PrivateKey, parents, config); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}

	signedData.Detach()

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}
	return der, nil
}

// CDHash returns the hash of a serialized code directory under the
// directory's own digest algorithm.
func CDHash(codeDirectory []byte) (digest.Algorithm, []byte, error) {
	if len(codeDirectory) < codeDirectoryHeaderSize {
		return 0, nil, fmt.Errorf("code directory too short: %d bytes", len(codeDirectory))
	}
	alg := digest.Algorithm(codeDirectory[37])
	if alg != digest.SHA1 && alg != digest.SHA256 {
		return 0, nil, fmt.Errorf("unsupported code directory hash type %d", alg)
	}
	h := alg.New()
	h.Write(codeDirectory)
	return alg, h.Sum(nil), nil
}

// cdHashesAttributes builds the CDHashes plist attribute listing every
// directory's truncated hash, and the CDHashes2 attribute with the full
// SHA256 directory hash when one exists.
func cdHashesAttributes(codeDirectories [][]byte) ([]pkcs7.Attribute, error) {
	var truncated [][]byte
	var full256 []byte

	for _, cd := range codeDirectories {
		alg, sum, err := CDHash(cd)
		if err != nil {
			return nil, err
		}
		truncated = append(truncated, sum[:cdHashSize])
		if alg == digest.SHA256 && full256 == nil {
			full256 = sum
		}
	}

	cdHashesPlist, err := plist.Marshal(map[string]interface{}{"cdhashes": truncated}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CDHashes plist: %w", err)
	}

	attrs := []pkcs7.Attribute{{Type: oidCDHashesPlist, Value: cdHashesPlist}}
	if full256 == nil {
		return attrs, nil
	}

	encoded, err := asn1.Marshal(struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}{oidSHA256, full256})
	if err != nil {
		return nil, err
	}
	return append(attrs, pkcs7.Attribute{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: encoded}}), nil
}
