package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
)

func newAESGCM(key []byte) (aeadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
