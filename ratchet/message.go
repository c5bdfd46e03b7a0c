package ratchet

import (
	"cyphertextkit/internal/wire"
)

// Wire tags for the serialized message header. Single letters, per
// internal/wire's convention; numbering is part of the wire format and
// must never change once shipped.
const (
	tagSenderPublic    = 'p'
	tagPreviousChainLen = 'c'
	tagMessageNumber    = 'n'
)

// Header accompanies every RatchetMessage and is folded into the AEAD
// associated data, per §4.1.
type Header struct {
	SenderAgreementPublic PublicKey
	PreviousChainLength   int
	MessageNumber         int
}

// Encode serializes the header deterministically.
func (h Header) Encode() []byte {
	return wire.NewWriter().
		PutBytes(tagSenderPublic, h.SenderAgreementPublic).
		PutUint64(tagPreviousChainLen, uint64(h.PreviousChainLength)).
		PutUint64(tagMessageNumber, uint64(h.MessageNumber)).
		Bytes()
}

// DecodeHeader parses a header previously produced by Encode.
func DecodeHeader(data []byte) (Header, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return Header{}, err
	}
	pub, _ := wire.Lookup(fields, tagSenderPublic)
	pn, _, err := wire.Uint64At(fields, tagPreviousChainLen)
	if err != nil {
		return Header{}, err
	}
	n, _, err := wire.Uint64At(fields, tagMessageNumber)
	if err != nil {
		return Header{}, err
	}
	return Header{
		SenderAgreementPublic: PublicKey(pub),
		PreviousChainLength:   int(pn),
		MessageNumber:         int(n),
	}, nil
}

// RatchetMessage is the wire shape produced by Encrypt and consumed by
// Decrypt.
type RatchetMessage struct {
	Header     Header
	Ciphertext []byte
}

// associatedData binds the header into the AEAD input so a header cannot
// be swapped for another without invalidating the tag. Suite.DeriveNonce
// does not take this value; it hashes outerAD and the encoded header.
func associatedData(outerAD []byte, h Header) []byte {
	return wire.NewWriter().
		PutBytes('a', outerAD).
		PutBytes('h', h.Encode()).
		Bytes()
}
