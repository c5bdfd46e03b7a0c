package ratchet

// State is the persisted state of one Double Ratchet session. It is
// serialized and encrypted at rest by the owning device store; this
// package only manipulates the in-memory shape.
type State struct {
	RootKey RootKey

	LocalPrivate  PrivateKey
	LocalPublic   PublicKey
	RemotePublic  PublicKey // nil until the first DH ratchet step

	SendingChainKey   ChainKey // nil until this side has sent
	ReceivingChainKey ChainKey // nil until this side has received

	SentCount            int
	ReceivedCount         int
	PreviousSendingCount int

	SkippedKeys *SkippedKeyStore
}

// Clone deep-copies the state so a failed decrypt never corrupts the
// persisted session (mirrors ericlagergren-dr's State.Clone/tmp-state
// pattern in dr.go).
func (s *State) Clone() *State {
	return &State{
		RootKey:              append(RootKey(nil), s.RootKey...),
		LocalPrivate:         append(PrivateKey(nil), s.LocalPrivate...),
		LocalPublic:          append(PublicKey(nil), s.LocalPublic...),
		RemotePublic:         append(PublicKey(nil), s.RemotePublic...),
		SendingChainKey:      append(ChainKey(nil), s.SendingChainKey...),
		ReceivingChainKey:    append(ChainKey(nil), s.ReceivingChainKey...),
		SentCount:            s.SentCount,
		ReceivedCount:        s.ReceivedCount,
		PreviousSendingCount: s.PreviousSendingCount,
		SkippedKeys:          s.SkippedKeys.clone(),
	}
}

// wipe zeroes key material in place. Best-effort: the Go runtime may have
// already copied bytes elsewhere, but this matches the teacher corpus's
// defense-in-depth convention (ericlagergren-dr's wipe helper).
func (s *State) wipe() {
	zero(s.RootKey)
	zero(s.LocalPrivate)
	zero(s.SendingChainKey)
	zero(s.ReceivingChainKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
