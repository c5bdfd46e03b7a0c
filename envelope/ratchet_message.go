package envelope

import (
	"crypto/ed25519"

	"cyphertextkit/ratchet"
)

// SealSingle ratchet-encrypts plaintext for one peer device and wraps the
// result in a signed Single envelope. rekeyFlag should be true iff sess
// was (re)initialized as sender for this call, per devicestore's
// write_with_ratchet contract.
func SealSingle(tag string, sess *ratchet.Session, plaintext []byte, associatedData []byte, rekeyFlag bool, signer ed25519.PrivateKey) (Single, error) {
	msg, err := sess.Encrypt(plaintext, associatedData)
	if err != nil {
		return Single{}, err
	}
	return Sign(tag, ratchetMessageBytes(msg), rekeyFlag, signer), nil
}

// OpenSingle verifies e against the peer's signing key, then ratchet-
// decrypts its inner RatchetMessage with sess.
func OpenSingle(e Single, peerSigningPublic ed25519.PublicKey, sess *ratchet.Session, associatedData []byte) ([]byte, error) {
	if err := e.Verify(peerSigningPublic); err != nil {
		return nil, err
	}
	msg, err := parseRatchetMessage(e.InnerBytes)
	if err != nil {
		return nil, err
	}
	return sess.Decrypt(msg, associatedData)
}
