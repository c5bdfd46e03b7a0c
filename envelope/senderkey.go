package envelope

import (
	"crypto/rand"
	"io"

	"cyphertextkit/ctkerr"
)

// SenderKey is a rotated symmetric key shared out of band with every
// member of a large group, grounded on the teacher's GroupKeyService /
// internal/signal/sender_keys.go "sender key" shortcut. It produces the
// same (AEAD-seal once, wrap the key per recipient) shape as BuildMulti,
// but the key itself is distributed once per rotation via
// adapters/blobstore instead of being re-wrapped through the ratchet on
// every send. This is additive: BuildMulti's per-send fresh payload key
// remains the only path used by pipeline, and nothing here bypasses
// per-device ratcheting for the key wrap itself when a group is small
// enough that BuildMulti's cost is acceptable.
type SenderKey struct {
	KeyData []byte
	Version int
}

// NewSenderKey generates a fresh sender key for a group, starting at
// version 1.
func NewSenderKey() (SenderKey, error) {
	key := make([]byte, payloadKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return SenderKey{}, ctkerr.New("envelope.NewSenderKey", ctkerr.CryptoInvalidHandshake, err)
	}
	return SenderKey{KeyData: key, Version: 1}, nil
}

// Rotate produces the next version of k, keeping the same key size.
func (k SenderKey) Rotate() (SenderKey, error) {
	next, err := NewSenderKey()
	if err != nil {
		return SenderKey{}, err
	}
	next.Version = k.Version + 1
	return next, nil
}

// SenderKeySuite seals and opens group messages with a SenderKey using
// the same sealed-payload shape as the per-send multi-recipient path, so
// a sealed-payload blob produced by BuildMulti's sealPayload/openPayload
// helpers can be reused verbatim for sender-key groups.
type SenderKeySuite struct {
	Key SenderKey
}

// Seal AEAD-seals plaintext under the suite's current sender key.
func (s SenderKeySuite) Seal(tag string, plaintext []byte) ([]byte, error) {
	sealed, err := sealPayload(s.Key.KeyData, plaintext, []byte(tag))
	if err != nil {
		return nil, ctkerr.New("envelope.SenderKeySuite.Seal", ctkerr.CryptoInvalidHandshake, err)
	}
	return sealed, nil
}

// Open AEAD-opens a blob produced by Seal.
func (s SenderKeySuite) Open(tag string, sealed []byte) ([]byte, error) {
	return openPayload(s.Key.KeyData, sealed, []byte(tag))
}
