package ratchet

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func mustInitializeSender(t *testing.T, suite Suite, secret []byte, peerPub PublicKey) *Session {
	t.Helper()
	sess, err := InitializeSender(suite, secret, peerPub)
	if err != nil {
		t.Fatalf("InitializeSender: %v", err)
	}
	return sess
}

func newPeerPair(t *testing.T, suite Suite) (PrivateKey, PublicKey) {
	t.Helper()
	priv, pub, err := suite.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return priv, pub
}

func TestBasicRoundTrip(t *testing.T) {
	suite := X25519ChaCha20SHA256()
	sharedSecret := make([]byte, RootKeySize)
	recipPriv, recipPub := newPeerPair(t, suite)

	sender := mustInitializeSender(t, suite, sharedSecret, recipPub)

	msg, err := sender.Encrypt([]byte("hello bob"), []byte("ad"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, plaintext, err := InitializeRecipient(suite, sharedSecret, recipPriv, msg, []byte("ad"))
	if err != nil {
		t.Fatalf("InitializeRecipient: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "hello bob")
	}
}

func TestMultiMessageRoundTrip(t *testing.T) {
	suite := X25519ChaCha20SHA256()
	sharedSecret := make([]byte, RootKeySize)
	recipPriv, recipPub := newPeerPair(t, suite)

	sender := mustInitializeSender(t, suite, sharedSecret, recipPub)

	first, err := sender.Encrypt([]byte("msg one"), nil)
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	recipient, pt1, err := InitializeRecipient(suite, sharedSecret, recipPriv, first, nil)
	if err != nil {
		t.Fatalf("InitializeRecipient: %v", err)
	}
	if string(pt1) != "msg one" {
		t.Fatalf("pt1 = %q", pt1)
	}

	second, err := sender.Encrypt([]byte("msg two"), nil)
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}
	pt2, err := recipient.Decrypt(second, nil)
	if err != nil {
		t.Fatalf("Decrypt 2: %v", err)
	}
	if string(pt2) != "msg two" {
		t.Fatalf("pt2 = %q", pt2)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	suite := X25519ChaCha20SHA256()
	sharedSecret := make([]byte, RootKeySize)
	recipPriv, recipPub := newPeerPair(t, suite)

	sender := mustInitializeSender(t, suite, sharedSecret, recipPub)

	first, err := sender.Encrypt([]byte("one"), nil)
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	second, err := sender.Encrypt([]byte("two"), nil)
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}
	third, err := sender.Encrypt([]byte("three"), nil)
	if err != nil {
		t.Fatalf("Encrypt 3: %v", err)
	}

	// Recipient's first delivery is message 3 (0-indexed: number 2),
	// forcing the first two to be stored as skipped keys.
	recipient, pt3, err := InitializeRecipient(suite, sharedSecret, recipPriv, third, nil)
	if err != nil {
		t.Fatalf("InitializeRecipient with out-of-order first message: %v", err)
	}
	if string(pt3) != "three" {
		t.Fatalf("pt3 = %q", pt3)
	}

	pt1, err := recipient.Decrypt(first, nil)
	if err != nil {
		t.Fatalf("Decrypt skipped msg 1: %v", err)
	}
	if string(pt1) != "one" {
		t.Fatalf("pt1 = %q", pt1)
	}

	pt2, err := recipient.Decrypt(second, nil)
	if err != nil {
		t.Fatalf("Decrypt skipped msg 2: %v", err)
	}
	if string(pt2) != "two" {
		t.Fatalf("pt2 = %q", pt2)
	}
}

func TestBidirectionalRatchet(t *testing.T) {
	suite := X25519ChaCha20SHA256()
	sharedSecret := make([]byte, RootKeySize)
	recipPriv, recipPub := newPeerPair(t, suite)

	sender := mustInitializeSender(t, suite, sharedSecret, recipPub)
	outbound, err := sender.Encrypt([]byte("hi"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	recipient, pt, err := InitializeRecipient(suite, sharedSecret, recipPriv, outbound, nil)
	if err != nil {
		t.Fatalf("InitializeRecipient: %v", err)
	}
	if string(pt) != "hi" {
		t.Fatalf("pt = %q", pt)
	}

	reply, err := recipient.Encrypt([]byte("hi back"), nil)
	if err != nil {
		t.Fatalf("recipient Encrypt: %v", err)
	}
	got, err := sender.Decrypt(reply, nil)
	if err != nil {
		t.Fatalf("sender Decrypt reply: %v", err)
	}
	if string(got) != "hi back" {
		t.Fatalf("got = %q, want %q", got, "hi back")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	suite := X25519ChaCha20SHA256()
	sharedSecret := make([]byte, RootKeySize)
	recipPriv, recipPub := newPeerPair(t, suite)

	sender := mustInitializeSender(t, suite, sharedSecret, recipPub)
	msg, err := sender.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := msg
	tampered.Ciphertext = append([]byte(nil), msg.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF

	if _, _, err := InitializeRecipient(suite, sharedSecret, recipPriv, tampered, nil); err == nil {
		t.Fatalf("expected decrypt of tampered ciphertext to fail")
	}
}

func TestAESGCMSuiteRoundTrip(t *testing.T) {
	suite := X25519AESGCMSHA512()
	sharedSecret := make([]byte, RootKeySize)
	recipPriv, recipPub := newPeerPair(t, suite)

	sender := mustInitializeSender(t, suite, sharedSecret, recipPub)
	msg, err := sender.Encrypt([]byte("fips friendly"), []byte("ctx"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, pt, err := InitializeRecipient(suite, sharedSecret, recipPriv, msg, []byte("ctx"))
	if err != nil {
		t.Fatalf("InitializeRecipient: %v", err)
	}
	if string(pt) != "fips friendly" {
		t.Fatalf("pt = %q", pt)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{SenderAgreementPublic: bytes.Repeat([]byte{7}, 32), PreviousChainLength: 3, MessageNumber: 9}
	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded.PreviousChainLength != 3 || decoded.MessageNumber != 9 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if !bytes.Equal(decoded.SenderAgreementPublic, h.SenderAgreementPublic) {
		t.Fatalf("decoded public = %x", decoded.SenderAgreementPublic)
	}
}
