package devicestore

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfSHA256 derives n bytes from ikm, salted and labeled, for the
// session-initialization symmetric key described in §4.3.
func hkdfSHA256(ikm, salt, info []byte, n int) []byte {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}
