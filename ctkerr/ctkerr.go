// Package ctkerr defines the typed error kinds shared by every
// cyphertextkit package.
package ctkerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure. Values match the slash-separated
// names used throughout the design: "<area>/<reason>".
type Kind string

const (
	CryptoInvalidHandshake  Kind = "crypto/invalid_handshake"
	CryptoInvalidSignature  Kind = "crypto/invalid_signature"
	CryptoTooManySkipped    Kind = "crypto/too_many_skipped"
	CryptoInvalidNonceLen   Kind = "crypto/invalid_nonce_length"
	CryptoInvalidRootKeyLen Kind = "crypto/invalid_root_key_size"

	ConfigCorrupt        Kind = "config/corrupt"
	ConfigNotMasterDevice Kind = "config/not_master_device"

	TransportOffline     Kind = "transport/offline"
	TransportUnsupported Kind = "transport/unsupported"

	InputBad Kind = "input/bad"

	StateNotFound Kind = "state/not_found"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, e.g. "ratchet.Decrypt".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind, optionally wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
