// Package ratchet implements a Double Ratchet session between this device
// and a single peer device, parameterized by a pluggable cipher Suite. The
// Diffie-Hellman primitive is always X25519 (the data model's key types are
// fixed); hash, AEAD, and KDF labeling vary by Suite.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"cyphertextkit/ctkerr"
)

// RootKeySize is the fixed size, in bytes, of a root key and of the shared
// secret produced by X3DH-style agreement.
const RootKeySize = 32

// PrivateKey is an X25519 scalar (local ratchet key).
type PrivateKey []byte

// PublicKey is an X25519 point (peer ratchet key).
type PublicKey []byte

// RootKey seeds each step of the root KDF chain.
type RootKey []byte

// ChainKey seeds each step of a sending or receiving KDF chain.
type ChainKey []byte

// MessageKey encrypts exactly one message.
type MessageKey []byte

// Suite supplies the cryptographic primitives a Session uses: DH, the two
// KDF chains, and the AEAD that seals individual messages.
type Suite interface {
	// Name identifies the suite, e.g. for logging or config selection.
	Name() string
	// GenerateKeyPair creates a new X25519 private/public pair.
	GenerateKeyPair(rand io.Reader) (PrivateKey, PublicKey, error)
	// Public recovers the public half of priv.
	Public(priv PrivateKey) (PublicKey, error)
	// DH computes the X25519 shared point.
	DH(priv PrivateKey, pub PublicKey) ([]byte, error)
	// KDFRootKey derives the next (root key, chain key) from the current
	// root key and a fresh DH output.
	KDFRootKey(rk RootKey, dh []byte) (RootKey, ChainKey)
	// KDFChainKey derives the next chain key and a message key from the
	// current chain key.
	KDFChainKey(ck ChainKey) (ChainKey, MessageKey)
	// NonceSize returns the AEAD's required nonce length.
	NonceSize() int
	// DeriveNonce derives a deterministic nonce from associated data and
	// the serialized message header, per §4.1: H(ad ‖ header) truncated
	// or expanded to the AEAD's nonce size.
	DeriveNonce(associatedData, serializedHeader []byte) []byte
	// Seal encrypts plaintext under key, authenticating associatedData.
	Seal(key MessageKey, nonce, plaintext, associatedData []byte) ([]byte, error)
	// Open decrypts ciphertext under key, authenticating associatedData.
	Open(key MessageKey, nonce, ciphertext, associatedData []byte) ([]byte, error)
}

// x25519Suite implements Suite for a configurable hash/AEAD/KDF pairing
// over X25519. It's grounded on ericlagergren-dr's djb.go/nist.go split:
// one generic implementation parameterized by a hash constructor and an
// AEAD factory, rather than one struct per combination.
type x25519Suite struct {
	name       string
	newHash    func() hash.Hash
	rootInfo   []byte
	chainConst struct{ chain, message byte }
	aead       func(key []byte) (aeadCipher, error)
	nonceSize  int
	keySize    int
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func (s *x25519Suite) Name() string { return s.name }

func (s *x25519Suite) GenerateKeyPair(rand io.Reader) (PrivateKey, PublicKey, error) {
	var scalar [curve25519.ScalarSize]byte
	if _, err := io.ReadFull(rand, scalar[:]); err != nil {
		return nil, nil, ctkerr.New("ratchet.GenerateKeyPair", ctkerr.CryptoInvalidHandshake, err)
	}
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, ctkerr.New("ratchet.GenerateKeyPair", ctkerr.CryptoInvalidHandshake, err)
	}
	return PrivateKey(scalar[:]), PublicKey(pub), nil
}

func (s *x25519Suite) Public(priv PrivateKey) (PublicKey, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, ctkerr.New("ratchet.Public", ctkerr.InputBad, fmt.Errorf("invalid private key size %d", len(priv)))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, ctkerr.New("ratchet.Public", ctkerr.CryptoInvalidHandshake, err)
	}
	return PublicKey(pub), nil
}

func (s *x25519Suite) DH(priv PrivateKey, pub PublicKey) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, ctkerr.New("ratchet.DH", ctkerr.InputBad, fmt.Errorf("invalid private key size %d", len(priv)))
	}
	if len(pub) != curve25519.PointSize {
		return nil, ctkerr.New("ratchet.DH", ctkerr.InputBad, fmt.Errorf("invalid public key size %d", len(pub)))
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, ctkerr.New("ratchet.DH", ctkerr.CryptoInvalidHandshake, err)
	}
	return out, nil
}

func (s *x25519Suite) KDFRootKey(rk RootKey, dh []byte) (RootKey, ChainKey) {
	buf := make([]byte, 2*RootKeySize)
	r := hkdf.New(s.newHash, dh, rk, s.rootInfo)
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(err) // hkdf.Reader only fails if output exceeds 255*hashLen
	}
	return RootKey(buf[:RootKeySize:RootKeySize]), ChainKey(buf[RootKeySize:2*RootKeySize : 2*RootKeySize])
}

func (s *x25519Suite) KDFChainKey(ck ChainKey) (ChainKey, MessageKey) {
	mac := hmac.New(s.newHash, ck)
	mac.Write([]byte{s.chainConst.chain})
	next := mac.Sum(nil)

	mac = hmac.New(s.newHash, ck)
	mac.Write([]byte{s.chainConst.message})
	mk := mac.Sum(nil)

	return ChainKey(next), MessageKey(mk)
}

func (s *x25519Suite) NonceSize() int { return s.nonceSize }

func (s *x25519Suite) DeriveNonce(associatedData, serializedHeader []byte) []byte {
	h := s.newHash()
	h.Write(associatedData)
	h.Write(serializedHeader)
	sum := h.Sum(nil)
	nonce := make([]byte, s.nonceSize)
	// Expand by repeated hashing if the digest is shorter than the nonce;
	// truncate if longer. Digest sizes in use (32/64 bytes) always exceed
	// the AEAD nonce sizes in use (12/24 bytes), so this is a truncation
	// in practice.
	for copied := 0; copied < len(nonce); {
		n := copy(nonce[copied:], sum[copied%len(sum):])
		copied += n
		if n == 0 {
			break
		}
	}
	return nonce
}

func (s *x25519Suite) Seal(key MessageKey, nonce, plaintext, associatedData []byte) ([]byte, error) {
	if len(key) != s.keySize {
		return nil, ctkerr.New("ratchet.Seal", ctkerr.InputBad, fmt.Errorf("invalid message key size %d", len(key)))
	}
	if len(nonce) != s.nonceSize {
		return nil, ctkerr.New("ratchet.Seal", ctkerr.CryptoInvalidNonceLen, fmt.Errorf("nonce size %d, want %d", len(nonce), s.nonceSize))
	}
	aead, err := s.aead(key)
	if err != nil {
		return nil, ctkerr.New("ratchet.Seal", ctkerr.CryptoInvalidHandshake, err)
	}
	return aead.Seal(nil, nonce, plaintext, associatedData), nil
}

func (s *x25519Suite) Open(key MessageKey, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	if len(key) != s.keySize {
		return nil, ctkerr.New("ratchet.Open", ctkerr.InputBad, fmt.Errorf("invalid message key size %d", len(key)))
	}
	if len(nonce) != s.nonceSize {
		return nil, ctkerr.New("ratchet.Open", ctkerr.CryptoInvalidNonceLen, fmt.Errorf("nonce size %d, want %d", len(nonce), s.nonceSize))
	}
	aead, err := s.aead(key)
	if err != nil {
		return nil, ctkerr.New("ratchet.Open", ctkerr.CryptoInvalidHandshake, err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ctkerr.New("ratchet.Open", ctkerr.CryptoInvalidSignature, err)
	}
	return pt, nil
}

// DefaultSuite is X25519 + XChaCha20-Poly1305 + HKDF-SHA256, used for new
// sessions unless configuration selects otherwise.
var DefaultSuite = X25519ChaCha20SHA256()

// X25519ChaCha20SHA256 returns the default suite: X25519 agreement,
// XChaCha20-Poly1305 AEAD, HKDF/HMAC over SHA-256.
func X25519ChaCha20SHA256() Suite {
	return &x25519Suite{
		name:      "x25519-chacha20poly1305-sha256",
		newHash:   sha256.New,
		rootInfo:  []byte("cyphertextkit-ratchet-root"),
		chainConst: struct{ chain, message byte }{chain: 0x02, message: 0x01},
		nonceSize: chacha20poly1305.NonceSizeX,
		keySize:   chacha20poly1305.KeySize,
		aead: func(key []byte) (aeadCipher, error) {
			return chacha20poly1305.NewX(key)
		},
	}
}

// X25519AESGCMSHA512 is X25519 agreement, AES-256-GCM AEAD, HKDF/HMAC over
// SHA-512 — selected by configuration for deployments that prefer
// FIPS-approved primitives in the AEAD/hash layer.
func X25519AESGCMSHA512() Suite {
	return &x25519Suite{
		name:      "x25519-aes256gcm-sha512",
		newHash:   sha512.New,
		rootInfo:  []byte("cyphertextkit-ratchet-root"),
		chainConst: struct{ chain, message byte }{chain: 0x02, message: 0x01},
		nonceSize: 12,
		keySize:   32,
		aead:      newAESGCM,
	}
}
