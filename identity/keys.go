// Package identity holds the long-lived cryptographic identity of a user
// and their devices: Ed25519 signing keys, X25519 agreement keys, the
// signed multi-device UserConfig, and the encrypted local device-config
// blob used to persist them at rest.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"cyphertextkit/ctkerr"
)

// SigningKeyPair is a long-lived Ed25519 identity key.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new Ed25519 signing key pair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, ctkerr.New("identity.GenerateSigningKeyPair", ctkerr.CryptoInvalidHandshake, err)
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the private key.
func (k SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify reports whether signature is valid over message under pub.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, message, signature)
}

// AgreementKeyPair is an X25519 key-agreement key pair, either the
// long-lived per-device agreement key or a session's ephemeral ratchet
// key, depending on context.
type AgreementKeyPair struct {
	Public  []byte // curve25519.PointSize
	Private []byte // curve25519.ScalarSize
}

// GenerateAgreementKeyPair creates a new X25519 key pair.
func GenerateAgreementKeyPair() (AgreementKeyPair, error) {
	var scalar [curve25519.ScalarSize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return AgreementKeyPair{}, ctkerr.New("identity.GenerateAgreementKeyPair", ctkerr.CryptoInvalidHandshake, err)
	}
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return AgreementKeyPair{}, ctkerr.New("identity.GenerateAgreementKeyPair", ctkerr.CryptoInvalidHandshake, err)
	}
	return AgreementKeyPair{Public: pub, Private: scalar[:]}, nil
}

// Agree computes the X25519 shared secret with a peer's public key.
func (k AgreementKeyPair) Agree(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, ctkerr.New("identity.Agree", ctkerr.InputBad, fmt.Errorf("invalid peer public key size %d", len(peerPublic)))
	}
	out, err := curve25519.X25519(k.Private, peerPublic)
	if err != nil {
		return nil, ctkerr.New("identity.Agree", ctkerr.CryptoInvalidHandshake, err)
	}
	return out, nil
}

// DeviceKeys is the private, local-only key material for one device: its
// long-term signing key and its long-term agreement key.
type DeviceKeys struct {
	DeviceID  string
	Signing   SigningKeyPair
	Agreement AgreementKeyPair
}

// GenerateDeviceKeys creates a fresh signing and agreement key pair for a
// new device.
func GenerateDeviceKeys(deviceID string) (DeviceKeys, error) {
	signing, err := GenerateSigningKeyPair()
	if err != nil {
		return DeviceKeys{}, err
	}
	agreement, err := GenerateAgreementKeyPair()
	if err != nil {
		return DeviceKeys{}, err
	}
	return DeviceKeys{DeviceID: deviceID, Signing: signing, Agreement: agreement}, nil
}
