package digest

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseHex decodes a hexadecimal digest of alg, in either case. An empty
// string yields a nil digest.
func ParseHex(s string, alg Algorithm) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s digest %q: %w", alg, s, err)
	}
	if len(b) != alg.Size() {
		return nil, fmt.Errorf("invalid %s digest %q: %d bytes, want %d", alg, s, len(b), alg.Size())
	}
	return b, nil
}

// Hex formats a digest as upper-case hexadecimal.
func Hex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
