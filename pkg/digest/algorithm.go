// Package digest provides the two digest algorithms used by embedded code
// signatures and write sinks that compute both of them in a single pass,
// either over a whole stream or per fixed-size page.
package digest

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// Algorithm identifies a digest algorithm by its code directory hash type.
type Algorithm uint8

const (
	SHA1   Algorithm = 1
	SHA256 Algorithm = 2
)

// Algorithms lists the supported algorithms in code directory order:
// the primary directory uses SHA1, the alternate one SHA256.
var Algorithms = [...]Algorithm{SHA1, SHA256}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	}
	panic(fmt.Sprintf("digest: unsupported algorithm %d", a))
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	}
	panic(fmt.Sprintf("digest: unsupported algorithm %d", a))
}

// Zero returns an all-zero digest of the algorithm's size. An all-zero
// digest marks a special slot as not applicable.
func (a Algorithm) Zero() []byte {
	return make([]byte, a.Size())
}

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA-1"
	case SHA256:
		return "SHA-256"
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

func (a Algorithm) index() int {
	switch a {
	case SHA1:
		return 0
	case SHA256:
		return 1
	}
	panic(fmt.Sprintf("digest: unsupported algorithm %d", a))
}

// Digests holds one digest per supported algorithm.
type Digests struct {
	SHA1   []byte
	SHA256 []byte
}

// ZeroDigests returns the "not applicable" value for both algorithms.
func ZeroDigests() Digests {
	return Digests{SHA1: SHA1.Zero(), SHA256: SHA256.Zero()}
}

// Get returns the digest for alg.
func (d Digests) Get(alg Algorithm) []byte {
	if alg == SHA1 {
		return d.SHA1
	}
	return d.SHA256
}

// IsZero reports whether both digests are absent or all zero.
func (d Digests) IsZero() bool {
	return isZero(d.SHA1) && isZero(d.SHA256)
}

// Equal reports whether both digests match.
func (d Digests) Equal(o Digests) bool {
	return bytes.Equal(d.SHA1, o.SHA1) && bytes.Equal(d.SHA256, o.SHA256)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// IsZeroDigest reports whether b is all zero bytes.
func IsZeroDigest(b []byte) bool {
	return isZero(b)
}
