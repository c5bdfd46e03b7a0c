package devicestore

import (
	"cyphertextkit/internal/wire"
	"cyphertextkit/ratchet"
)

// encodeRatchetState/decodeRatchetState serialize a ratchet.State for
// persistence inside an encoded DeviceIdentity. Skipped message keys are
// not serialized: a decoded State always starts with an empty
// SkippedKeyStore, so keys stored for out-of-order messages do not survive
// a persist/load cycle.
func encodeRatchetState(st *ratchet.State) []byte {
	w := wire.NewWriter().
		PutBytes('R', st.RootKey).
		PutBytes('p', st.LocalPrivate).
		PutBytes('P', st.LocalPublic).
		PutBytes('r', st.RemotePublic).
		PutBytes('s', st.SendingChainKey).
		PutBytes('c', st.ReceivingChainKey).
		PutUint64('n', uint64(st.SentCount)).
		PutUint64('N', uint64(st.ReceivedCount)).
		PutUint64('v', uint64(st.PreviousSendingCount))
	return w.Bytes()
}

func decodeRatchetState(data []byte) (*ratchet.State, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	root, _ := wire.Lookup(fields, 'R')
	localPriv, _ := wire.Lookup(fields, 'p')
	localPub, _ := wire.Lookup(fields, 'P')
	remotePub, _ := wire.Lookup(fields, 'r')
	sendCK, _ := wire.Lookup(fields, 's')
	recvCK, _ := wire.Lookup(fields, 'c')
	sent, _, err := wire.Uint64At(fields, 'n')
	if err != nil {
		return nil, err
	}
	recv, _, err := wire.Uint64At(fields, 'N')
	if err != nil {
		return nil, err
	}
	prevSent, _, err := wire.Uint64At(fields, 'v')
	if err != nil {
		return nil, err
	}
	return &ratchet.State{
		RootKey:              ratchet.RootKey(root),
		LocalPrivate:         ratchet.PrivateKey(localPriv),
		LocalPublic:          ratchet.PublicKey(localPub),
		RemotePublic:         ratchet.PublicKey(remotePub),
		SendingChainKey:      ratchet.ChainKey(sendCK),
		ReceivingChainKey:    ratchet.ChainKey(recvCK),
		SentCount:            int(sent),
		ReceivedCount:        int(recv),
		PreviousSendingCount: int(prevSent),
		SkippedKeys:          ratchet.NewSkippedKeyStore(ratchet.DefaultMaxSkippedKeys),
	}, nil
}
