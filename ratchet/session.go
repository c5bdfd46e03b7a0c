package ratchet

import (
	"crypto/rand"
	"fmt"
	"io"

	"cyphertextkit/ctkerr"
)

// Session is a Double Ratchet conversation with exactly one peer device.
// A Session is initialized either as sender or as recipient, never both
// (per §4.1's "exactly one of sender-initialized, recipient-initialized
// on creation" invariant); subsequent encrypt/decrypt calls ratchet it
// forward in place.
type Session struct {
	suite Suite
	rand  io.Reader
	state *State
}

// New wraps an already-constructed State (e.g. loaded from storage) in a
// Session bound to suite. Use InitializeSender or InitializeRecipient to
// create a State from scratch.
func New(suite Suite, state *State) *Session {
	if state.SkippedKeys == nil {
		state.SkippedKeys = NewSkippedKeyStore(DefaultMaxSkippedKeys)
	}
	return &Session{suite: suite, rand: rand.Reader, state: state}
}

// State returns the session's current persisted state.
func (s *Session) State() *State { return s.state }

// InitializeSender creates a sender-initialized session: a fresh local
// agreement keypair is generated and DH'd against the peer's agreement
// public key, then the root key is derived from sharedSecret keyed by
// that DH output.
func InitializeSender(suite Suite, sharedSecret []byte, peerAgreementPublic PublicKey) (*Session, error) {
	if len(sharedSecret) != RootKeySize {
		return nil, ctkerr.New("ratchet.InitializeSender", ctkerr.CryptoInvalidRootKeyLen,
			fmt.Errorf("shared secret is %d bytes, want %d", len(sharedSecret), RootKeySize))
	}
	priv, pub, err := suite.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	dh, err := suite.DH(priv, peerAgreementPublic)
	if err != nil {
		return nil, err
	}
	rk, sendCK := suite.KDFRootKey(RootKey(sharedSecret), dh)
	state := &State{
		RootKey:         rk,
		LocalPrivate:    priv,
		LocalPublic:     pub,
		RemotePublic:    append(PublicKey(nil), peerAgreementPublic...),
		SendingChainKey: sendCK,
		SkippedKeys:     NewSkippedKeyStore(DefaultMaxSkippedKeys),
	}
	return New(suite, state), nil
}

// InitializeRecipient creates a recipient-initialized session: sharedSecret
// becomes the initial root key directly, and the first inbound message is
// decrypted immediately, which performs the DH ratchet step that learns
// the peer's agreement public key.
func InitializeRecipient(suite Suite, sharedSecret []byte, localPrivate PrivateKey, initial RatchetMessage, outerAD []byte) (*Session, []byte, error) {
	if len(sharedSecret) != RootKeySize {
		return nil, nil, ctkerr.New("ratchet.InitializeRecipient", ctkerr.CryptoInvalidRootKeyLen,
			fmt.Errorf("shared secret is %d bytes, want %d", len(sharedSecret), RootKeySize))
	}
	localPublic, err := suite.Public(localPrivate)
	if err != nil {
		return nil, nil, err
	}
	state := &State{
		RootKey:      RootKey(sharedSecret),
		LocalPrivate: localPrivate,
		LocalPublic:  localPublic,
		SkippedKeys:  NewSkippedKeyStore(DefaultMaxSkippedKeys),
	}
	sess := New(suite, state)
	plaintext, err := sess.Decrypt(initial, outerAD)
	if err != nil {
		return nil, nil, err
	}
	return sess, plaintext, nil
}

// Encrypt advances the sending chain by one step and seals plaintext. It
// fails if this session has never been initialized as a sender (including
// a recipient session that has not yet sent a message after its first
// DH ratchet step).
func (s *Session) Encrypt(plaintext, outerAD []byte) (RatchetMessage, error) {
	const op = "ratchet.Encrypt"
	if s.state.SendingChainKey == nil {
		return RatchetMessage{}, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, fmt.Errorf("session has no sending chain"))
	}
	nextCK, mk := s.suite.KDFChainKey(s.state.SendingChainKey)
	header := Header{
		SenderAgreementPublic: s.state.LocalPublic,
		PreviousChainLength:   s.state.PreviousSendingCount,
		MessageNumber:         s.state.SentCount,
	}
	ad := associatedData(outerAD, header)
	nonce := s.suite.DeriveNonce(outerAD, header.Encode())
	ct, err := s.suite.Seal(mk, nonce, plaintext, ad)
	if err != nil {
		return RatchetMessage{}, err
	}
	s.state.SendingChainKey = nextCK
	s.state.SentCount++
	return RatchetMessage{Header: header, Ciphertext: ct}, nil
}

// Decrypt implements the three-phase decrypt described in §4.1: try a
// stored skipped key first, then perform a DH ratchet if the sender's
// public key has changed, then advance the receiving chain up to the
// message number.
func (s *Session) Decrypt(msg RatchetMessage, outerAD []byte) ([]byte, error) {
	const op = "ratchet.Decrypt"
	h := msg.Header
	ad := associatedData(outerAD, h)
	nonce := s.suite.DeriveNonce(outerAD, h.Encode())

	if mk, ok := s.state.SkippedKeys.Take(h.SenderAgreementPublic, h.MessageNumber); ok {
		return s.suite.Open(mk, nonce, msg.Ciphertext, ad)
	}

	tmp := s.state.Clone()

	remoteChanged := tmp.RemotePublic == nil || !equalBytes(tmp.RemotePublic, h.SenderAgreementPublic)
	if remoteChanged {
		if err := tmp.skipReceiving(s.suite, h.PreviousChainLength, op); err != nil {
			return nil, err
		}
		if err := tmp.dhRatchet(s.suite, h.SenderAgreementPublic); err != nil {
			return nil, err
		}
	}
	if err := tmp.skipReceiving(s.suite, h.MessageNumber, op); err != nil {
		return nil, err
	}

	nextCK, mk := s.suite.KDFChainKey(tmp.ReceivingChainKey)
	plaintext, err := s.suite.Open(mk, nonce, msg.Ciphertext, ad)
	if err != nil {
		return nil, err
	}
	tmp.ReceivingChainKey = nextCK
	tmp.ReceivedCount++

	s.state.wipe()
	s.state = tmp
	return plaintext, nil
}

// skipReceiving advances the receiving chain from its current counter up
// to (not including) until, storing a skipped key for every message
// number passed over.
func (st *State) skipReceiving(suite Suite, until int, op string) error {
	if st.ReceivingChainKey == nil {
		return nil
	}
	if until-st.ReceivedCount > maxSkipSafetyBound {
		return tooManySkipped(op, st.ReceivedCount, until)
	}
	for st.ReceivedCount < until {
		var mk MessageKey
		st.ReceivingChainKey, mk = suite.KDFChainKey(st.ReceivingChainKey)
		st.SkippedKeys.Store(st.RemotePublic, st.ReceivedCount, mk)
		st.ReceivedCount++
	}
	return nil
}

// dhRatchet performs a full DH-ratchet step: first it derives the new
// receiving chain from the existing local private key and the peer's new
// public key, then it rotates the local keypair and derives a fresh
// sending chain, resetting both message counters.
func (st *State) dhRatchet(suite Suite, peerPublic PublicKey) error {
	st.PreviousSendingCount = st.SentCount
	st.SentCount = 0
	st.ReceivedCount = 0
	st.RemotePublic = append(PublicKey(nil), peerPublic...)

	dh, err := suite.DH(st.LocalPrivate, st.RemotePublic)
	if err != nil {
		return err
	}
	st.RootKey, st.ReceivingChainKey = suite.KDFRootKey(st.RootKey, dh)

	priv, pub, err := suite.GenerateKeyPair(rand.Reader)
	if err != nil {
		return err
	}
	st.LocalPrivate, st.LocalPublic = priv, pub

	dh, err = suite.DH(st.LocalPrivate, st.RemotePublic)
	if err != nil {
		return err
	}
	st.RootKey, st.SendingChainKey = suite.KDFRootKey(st.RootKey, dh)
	return nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
