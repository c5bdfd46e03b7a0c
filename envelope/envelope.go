// Package envelope signs and verifies the outer framing around ratchet
// messages: a single-recipient envelope wraps one RatchetMessage for one
// peer device, and a multi-recipient envelope AEAD-seals a plaintext once
// and wraps the resulting payload key per recipient device through that
// device's own single-recipient envelope.
package envelope

import (
	"crypto/ed25519"
	"fmt"

	"cyphertextkit/ctkerr"
	"cyphertextkit/internal/wire"
	"cyphertextkit/ratchet"
)

// Wire tags, in signedBytes' fixed field order.
const (
	tagTag        = 't'
	tagInner      = 'i'
	tagRekeyFlag  = 'r'
	tagSignature  = 's'
	tagSealed     = 'p'
	tagDeviceUser = 'u'
	tagDeviceID   = 'd'
	tagWrappedKey = 'k'
)

// Single is the envelope around one ratchet message addressed to one peer
// device. RekeyFlag is set iff the sender (re)initialized the session for
// this message, per §4.2.
type Single struct {
	Tag                string
	InnerBytes         []byte
	RekeyFlag          bool
	SignatureOverInner []byte
}

func (e Single) signedBytes() []byte {
	return wire.NewWriter().
		PutBytes(tagTag, []byte(e.Tag)).
		PutBytes(tagInner, e.InnerBytes).
		PutBool(tagRekeyFlag, e.RekeyFlag).
		Bytes()
}

// Sign builds a Single envelope, signing inner with the sender's identity
// signing key.
func Sign(tag string, inner []byte, rekeyFlag bool, signer ed25519.PrivateKey) Single {
	e := Single{Tag: tag, InnerBytes: inner, RekeyFlag: rekeyFlag}
	e.SignatureOverInner = ed25519.Sign(signer, e.signedBytes())
	return e
}

// Verify checks e's signature against the peer's advertised identity
// signing key. Per §4.2, callers must additionally force the recipient to
// discard any prior ratchet state for this device when e.RekeyFlag is
// set, before attempting to decrypt — that belongs to the device store,
// not here.
func (e Single) Verify(peerSigningPublic ed25519.PublicKey) error {
	if !ed25519.Verify(peerSigningPublic, e.signedBytes(), e.SignatureOverInner) {
		return ctkerr.New("envelope.Single.Verify", ctkerr.CryptoInvalidSignature, fmt.Errorf("envelope signature does not verify"))
	}
	return nil
}

// Encode serializes e for transport.
func (e Single) Encode() []byte {
	return wire.NewWriter().
		PutBytes(tagTag, []byte(e.Tag)).
		PutBytes(tagInner, e.InnerBytes).
		PutBool(tagRekeyFlag, e.RekeyFlag).
		PutBytes(tagSignature, e.SignatureOverInner).
		Bytes()
}

// DecodeSingle parses an envelope previously produced by Encode.
func DecodeSingle(data []byte) (Single, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return Single{}, err
	}
	tag, _ := wire.Lookup(fields, tagTag)
	inner, _ := wire.Lookup(fields, tagInner)
	rekey, _, err := wire.BoolAt(fields, tagRekeyFlag)
	if err != nil {
		return Single{}, err
	}
	sig, _ := wire.Lookup(fields, tagSignature)
	return Single{Tag: string(tag), InnerBytes: inner, RekeyFlag: rekey, SignatureOverInner: sig}, nil
}

// PerDeviceKey is one recipient device's wrapped copy of a multi-recipient
// payload key.
type PerDeviceKey struct {
	User              string
	Device             string
	WrappingEnvelope  Single // wraps the payload_key via that device's ratchet
}

// Multi is the envelope for one plaintext fanned out to many recipient
// devices: the plaintext is AEAD-sealed once under a one-shot payload key,
// and that key is wrapped per device through each device's own ratchet.
type Multi struct {
	Tag                        string
	SealedPayload              []byte
	SignatureOverSealedPayload []byte
	PerDeviceKeys              []PerDeviceKey
}

func (m Multi) signedBytes() []byte {
	return wire.NewWriter().
		PutBytes(tagTag, []byte(m.Tag)).
		PutBytes(tagSealed, m.SealedPayload).
		Bytes()
}

// SignMulti builds a Multi envelope's outer signature over its sealed
// payload. PerDeviceKeys are attached after signing since the signature
// only covers the tag and the sealed payload, per §3's data model — the
// set of recipient devices can be trimmed later (e.g. by a server) without
// invalidating it.
func SignMulti(tag string, sealedPayload []byte, signer ed25519.PrivateKey, perDeviceKeys []PerDeviceKey) Multi {
	m := Multi{Tag: tag, SealedPayload: sealedPayload, PerDeviceKeys: perDeviceKeys}
	m.SignatureOverSealedPayload = ed25519.Sign(signer, m.signedBytes())
	return m
}

// Verify checks m's outer signature against the sender's identity key.
func (m Multi) Verify(peerSigningPublic ed25519.PublicKey) error {
	if !ed25519.Verify(peerSigningPublic, m.signedBytes(), m.SignatureOverSealedPayload) {
		return ctkerr.New("envelope.Multi.Verify", ctkerr.CryptoInvalidSignature, fmt.Errorf("multi-recipient envelope signature does not verify"))
	}
	return nil
}

// ForDevice returns the PerDeviceKey addressed to (user, device), if any.
// Servers MAY have stripped entries not addressed to the requesting
// device, per §4.2.
func (m Multi) ForDevice(user, device string) (PerDeviceKey, bool) {
	for _, k := range m.PerDeviceKeys {
		if k.User == user && k.Device == device {
			return k, true
		}
	}
	return PerDeviceKey{}, false
}

// ratchetMessageBytes and parseRatchetMessage are the inner-envelope
// serialization used when the wrapped content is a ratchet.RatchetMessage
// (as opposed to an already-plaintext payload key in the sender-key fast
// path, see senderkey.go).
func ratchetMessageBytes(msg ratchet.RatchetMessage) []byte {
	return wire.NewWriter().
		PutBytes('h', msg.Header.Encode()).
		PutBytes('c', msg.Ciphertext).
		Bytes()
}

func parseRatchetMessage(data []byte) (ratchet.RatchetMessage, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return ratchet.RatchetMessage{}, err
	}
	hBytes, _ := wire.Lookup(fields, 'h')
	ct, _ := wire.Lookup(fields, 'c')
	header, err := ratchet.DecodeHeader(hBytes)
	if err != nil {
		return ratchet.RatchetMessage{}, err
	}
	return ratchet.RatchetMessage{Header: header, Ciphertext: ct}, nil
}
