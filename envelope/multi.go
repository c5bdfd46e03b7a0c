package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"cyphertextkit/ctkerr"
	"cyphertextkit/ratchet"
)

// payloadKeySize is the size of the one-shot AEAD key generated per
// multi-recipient send.
const payloadKeySize = 32

// RecipientSession pairs a peer device address with the ratchet session
// used to wrap the payload key for it.
type RecipientSession struct {
	User    string
	Device  string
	Session *ratchet.Session
	RekeyFlag bool
	SigningPublic ed25519.PublicKey // unused on build, kept for symmetry with OpenMulti callers
}

// BuildMulti generates a fresh one-shot payload key, AEAD-seals plaintext
// once under it, signs the sealed bytes with the sender's identity key,
// and wraps the payload key per recipient device through that device's
// ratchet session, per §4.2.
func BuildMulti(tag string, plaintext []byte, recipients []RecipientSession, signer ed25519.PrivateKey) (Multi, error) {
	const op = "envelope.BuildMulti"
	payloadKey := make([]byte, payloadKeySize)
	if _, err := io.ReadFull(rand.Reader, payloadKey); err != nil {
		return Multi{}, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}

	sealed, err := sealPayload(payloadKey, plaintext, []byte(tag))
	if err != nil {
		return Multi{}, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}

	perDevice := make([]PerDeviceKey, 0, len(recipients))
	for _, r := range recipients {
		wrapped, err := SealSingle(tag, r.Session, payloadKey, nil, r.RekeyFlag, signer)
		if err != nil {
			return Multi{}, err
		}
		perDevice = append(perDevice, PerDeviceKey{User: r.User, Device: r.Device, WrappingEnvelope: wrapped})
	}

	return SignMulti(tag, sealed, signer, perDevice), nil
}

// OpenMulti recovers the per-device wrapped payload key for (user, device),
// ratchet-decrypts it with sess, then AEAD-opens the shared sealed payload.
// The outer signature is checked last against the sender's identity key,
// matching §4.2's "recipient decrypts its envelope ... then AEAD-opens ...
// and verifies the outer signature."
func OpenMulti(m Multi, user, device string, sess *ratchet.Session, peerSigningPublic ed25519.PublicKey) ([]byte, error) {
	const op = "envelope.OpenMulti"
	wrapped, ok := m.ForDevice(user, device)
	if !ok {
		return nil, ctkerr.New(op, ctkerr.InputBad, fmt.Errorf("no per-device key for %s/%s", user, device))
	}
	payloadKey, err := OpenSingle(wrapped.WrappingEnvelope, peerSigningPublic, sess, nil)
	if err != nil {
		return nil, err
	}
	plaintext, err := openPayload(payloadKey, m.SealedPayload, []byte(m.Tag))
	if err != nil {
		return nil, err
	}
	if err := m.Verify(peerSigningPublic); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func sealPayload(key, plaintext, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, associatedData), nil
}

func openPayload(key, sealed, associatedData []byte) ([]byte, error) {
	const op = "envelope.openPayload"
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ctkerr.New(op, ctkerr.CryptoInvalidSignature, fmt.Errorf("sealed payload too short"))
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, associatedData)
	if err != nil {
		return nil, ctkerr.New(op, ctkerr.CryptoInvalidSignature, err)
	}
	return pt, nil
}
