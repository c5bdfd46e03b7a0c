package ratchet

import (
	"fmt"

	"cyphertextkit/ctkerr"
)

// DefaultMaxSkippedKeys is the default bound on stored skipped message
// keys per session, per §4.1 (spec default 100).
const DefaultMaxSkippedKeys = 100

// maxSkipSafetyBound caps how many chain steps decrypt will walk forward
// in a single call before giving up with too_many_skipped, independent of
// the stored-key FIFO bound. This guards against a forged huge message
// number forcing an unbounded KDF loop.
const maxSkipSafetyBound = 10_000

type skippedKey struct {
	remote  string // hex-encoded PublicKey, used as a map key
	counter int
	key     MessageKey
}

// SkippedKeyStore holds message keys for out-of-order messages that
// arrived ahead of one that's still missing. Oldest entries are evicted
// FIFO once Max is exceeded.
type SkippedKeyStore struct {
	Max     int
	entries []skippedKey
}

// NewSkippedKeyStore returns an empty store bounded at max entries. A
// max <= 0 falls back to DefaultMaxSkippedKeys.
func NewSkippedKeyStore(max int) *SkippedKeyStore {
	if max <= 0 {
		max = DefaultMaxSkippedKeys
	}
	return &SkippedKeyStore{Max: max}
}

func (s *SkippedKeyStore) clone() *SkippedKeyStore {
	if s == nil {
		return NewSkippedKeyStore(DefaultMaxSkippedKeys)
	}
	out := &SkippedKeyStore{Max: s.Max, entries: make([]skippedKey, len(s.entries))}
	for i, e := range s.entries {
		out.entries[i] = skippedKey{remote: e.remote, counter: e.counter, key: append(MessageKey(nil), e.key...)}
	}
	return out
}

func remoteKey(pub PublicKey) string { return fmt.Sprintf("%x", []byte(pub)) }

// Store saves mk under (remote, counter), evicting the oldest entry first
// if the store is already at capacity.
func (s *SkippedKeyStore) Store(remote PublicKey, counter int, mk MessageKey) {
	if len(s.entries) >= s.Max {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, skippedKey{remote: remoteKey(remote), counter: counter, key: mk})
}

// Take returns and removes the key for (remote, counter), if present.
func (s *SkippedKeyStore) Take(remote PublicKey, counter int) (MessageKey, bool) {
	rk := remoteKey(remote)
	for i, e := range s.entries {
		if e.remote == rk && e.counter == counter {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e.key, true
		}
	}
	return nil, false
}

func tooManySkipped(op string, from, to int) error {
	return ctkerr.New(op, ctkerr.CryptoTooManySkipped, fmt.Errorf("refusing to skip %d messages (from %d to %d)", to-from, from, to))
}
