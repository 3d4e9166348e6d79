package packer

import (
	"fmt"

	"github.com/aluedeke/go-ipack/pkg/digest"
)

// LayoutOverflowError reports a structure that does not fit the space
// available for it: the patched header growing past the first section, or
// the finished signature exceeding its reservation.
type LayoutOverflowError struct {
	What  string
	Size  uint64
	Limit uint64
}

func (e *LayoutOverflowError) Error() string {
	return fmt.Sprintf("%s too large: %d bytes, limit %d", e.What, e.Size, e.Limit)
}

// IntegrityMismatchError reports a caller supplied digest that disagrees
// with the content it describes.
type IntegrityMismatchError struct {
	Subject   string
	Algorithm digest.Algorithm
	Expected  []byte
	Actual    []byte
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("%s %s digest mismatch: expected %s, embedded %s",
		e.Subject, e.Algorithm, digest.Hex(e.Expected), digest.Hex(e.Actual))
}

// SigningError wraps a failure of the external signer.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return "failed to sign executable: " + e.Err.Error() }

func (e *SigningError) Unwrap() error { return e.Err }

// IOError wraps a stream or filesystem failure with the operation and path
// it happened on.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }
