// Package devicestore maintains one DeviceIdentity — and its optional
// ratchet session — per peer (user, device) pair, serializing all access
// per device and implementing the rekey protocol from §4.3.
package devicestore

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"

	"cyphertextkit/ctkerr"
	"cyphertextkit/envelope"
	"cyphertextkit/identity"
	"cyphertextkit/internal/wire"
	"cyphertextkit/ratchet"
	"cyphertextkit/store"
)

// DeviceIdentity is what the store keeps for one peer device: its
// advertised keys, an optional live ratchet session, and whether it is
// that peer's master device.
type DeviceIdentity struct {
	PeerUser            string
	PeerDevice          string
	PeerSigningPublic   ed25519.PublicKey
	PeerAgreementPublic []byte
	IsMaster            bool
	LocalMonotonicID    uint64

	session *ratchet.Session // nil until the first send or successful decrypt
}

// RekeyAnnouncer enqueues the reserved-subtype magic packet described in
// §4.3: receipt is ignored by application layers but forces the peer's
// next outbound write to re-initialize as sender. Implemented by
// pipeline so devicestore doesn't need to depend on jobqueue.
type RekeyAnnouncer interface {
	AnnounceRekey(ctx context.Context, peerUser, peerDevice string) error
}

// rekeyLabel is the configured HKDF info label mixed into the shared
// symmetric key derived for write_with_ratchet's initialize_sender call.
const rekeyLabel = "cyphertextkit-session-init"

// Store holds one DeviceIdentity per (user, device), each guarded by its
// own mutex so concurrent sends/receives for different devices never
// block each other, while operations on the same device are serialized
// (which is also what makes read_with_ratchet safe against a concurrent
// rekey on the same device, see SPEC_FULL §9).
type Store struct {
	backing store.Store
	suite   ratchet.Suite
	local   identity.DeviceKeys
	notify  RekeyAnnouncer

	mu    sync.Mutex // guards locks map only
	locks map[string]*sync.Mutex
}

// New constructs a Store backed by backing, using suite for any newly
// initialized ratchet session and local as this device's own keys.
func New(backing store.Store, suite ratchet.Suite, local identity.DeviceKeys, notify RekeyAnnouncer) *Store {
	return &Store{backing: backing, suite: suite, local: local, notify: notify, locks: make(map[string]*sync.Mutex)}
}

func deviceKey(user, device string) string {
	return identity.NormalizeUserIdentifier(user) + "\x00" + device
}

func (s *Store) lockFor(user, device string) *sync.Mutex {
	key := deviceKey(user, device)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

func (s *Store) load(ctx context.Context, user, device string) (*DeviceIdentity, error) {
	rec, found, err := s.backing.LoadDeviceIdentity(ctx, user, device)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return decodeDeviceIdentity(rec.Payload, s.suite)
}

func (s *Store) persist(ctx context.Context, id *DeviceIdentity) error {
	payload, err := encodeDeviceIdentity(id)
	if err != nil {
		return err
	}
	return s.backing.SaveDeviceIdentity(ctx, store.StoredDeviceIdentity{
		PeerUser:   id.PeerUser,
		PeerDevice: id.PeerDevice,
		Payload:    payload,
	})
}

// WriteFunc is invoked by WriteWithRatchet once a ratchet session is
// available; rekey is true iff the session was just initialized as
// sender for this call.
type WriteFunc func(sess *ratchet.Session, rekey bool) error

// WriteWithRatchet acquires the per-device lock, ensures a sending
// session exists (initializing one if needed per §4.3), invokes fn, and
// persists the mutated state on success.
func (s *Store) WriteWithRatchet(ctx context.Context, id *DeviceIdentity, fn WriteFunc) error {
	const op = "devicestore.WriteWithRatchet"
	lock := s.lockFor(id.PeerUser, id.PeerDevice)
	lock.Lock()
	defer lock.Unlock()

	rekey := false
	if id.session == nil {
		secret, err := s.local.Agreement.Agree(id.PeerAgreementPublic)
		if err != nil {
			return err
		}
		symmetric := s.deriveSessionSecret(secret, id.PeerUser)
		sess, err := ratchet.InitializeSender(s.suite, symmetric, id.PeerAgreementPublic)
		if err != nil {
			return err
		}
		id.session = sess
		rekey = true
	}

	if err := fn(id.session, rekey); err != nil {
		return ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	return s.persist(ctx, id)
}

// deriveSessionSecret implements §4.3's "derive symmetric key via
// HKDF(salt=H(initiator_username_lowercased), info=configured_label)"
// over the raw X25519 agreement output.
func (s *Store) deriveSessionSecret(dh []byte, initiatorUsername string) []byte {
	salt := sha256.Sum256([]byte(identity.NormalizeUserIdentifier(initiatorUsername)))
	return hkdfSHA256(dh, salt[:], []byte(rekeyLabel), ratchet.RootKeySize)
}

// ReadWithRatchet acquires the per-device lock, verifies env's signature,
// and decrypts its inner message — initializing a recipient session if
// env.RekeyFlag is set or none exists yet. On any failure it clears the
// session and enqueues a rekey announcement before returning the error.
func (s *Store) ReadWithRatchet(ctx context.Context, id *DeviceIdentity, env envelope.Single, associatedData []byte) ([]byte, error) {
	const op = "devicestore.ReadWithRatchet"
	lock := s.lockFor(id.PeerUser, id.PeerDevice)
	lock.Lock()
	defer lock.Unlock()

	plaintext, err := s.tryDecrypt(id, env, associatedData)
	if err != nil {
		id.session = nil
		if s.notify != nil {
			_ = s.notify.AnnounceRekey(ctx, id.PeerUser, id.PeerDevice)
		}
		return nil, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	if err := s.persist(ctx, id); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Store) tryDecrypt(id *DeviceIdentity, env envelope.Single, associatedData []byte) ([]byte, error) {
	if err := env.Verify(id.PeerSigningPublic); err != nil {
		return nil, err
	}

	if env.RekeyFlag || id.session == nil {
		secret, err := s.local.Agreement.Agree(id.PeerAgreementPublic)
		if err != nil {
			return nil, err
		}
		symmetric := s.deriveSessionSecret(secret, id.PeerUser)
		sess, plaintext, err := ratchet.InitializeRecipient(s.suite, symmetric, s.local.Agreement.Private, mustParseRatchetMessage(env), associatedData)
		if err != nil {
			return nil, err
		}
		id.session = sess
		return plaintext, nil
	}

	return envelope.OpenSingle(env, id.PeerSigningPublic, id.session, associatedData)
}

func mustParseRatchetMessage(env envelope.Single) ratchet.RatchetMessage {
	fields, err := wire.Decode(env.InnerBytes)
	if err != nil {
		return ratchet.RatchetMessage{}
	}
	hBytes, _ := wire.Lookup(fields, 'h')
	ct, _ := wire.Lookup(fields, 'c')
	header, _ := ratchet.DecodeHeader(hBytes)
	return ratchet.RatchetMessage{Header: header, Ciphertext: ct}
}

// LoadOrCreate returns the DeviceIdentity for (user, device), creating a
// fresh (sessionless) one from the peer's advertised keys if none exists
// yet.
func (s *Store) LoadOrCreate(ctx context.Context, user, device string, peerSigningPublic ed25519.PublicKey, peerAgreementPublic []byte, isMaster bool) (*DeviceIdentity, error) {
	existing, err := s.load(ctx, user, device)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	id := &DeviceIdentity{
		PeerUser:            user,
		PeerDevice:          device,
		PeerSigningPublic:   peerSigningPublic,
		PeerAgreementPublic: peerAgreementPublic,
		IsMaster:            isMaster,
	}
	if err := s.persist(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// DetectIdentityChange implements §4.3's identity-change detection: it
// compares a freshly fetched DeviceConfig against the stored
// DeviceIdentity's peer_signing_public. On mismatch it returns true and
// the caller (pipeline) is responsible for surfacing it to the event
// handler, updating the stored identity, and clearing its ratchet state.
func (s *Store) DetectIdentityChange(id *DeviceIdentity, fresh identity.DeviceConfig) bool {
	return !equalBytes(id.PeerSigningPublic, fresh.SigningPublic)
}

// ApplyIdentityChange updates id in place to fresh's keys and clears any
// live ratchet session, per §4.3.
func (s *Store) ApplyIdentityChange(ctx context.Context, id *DeviceIdentity, fresh identity.DeviceConfig) error {
	id.PeerSigningPublic = fresh.SigningPublic
	id.PeerAgreementPublic = fresh.AgreementPublic
	id.IsMaster = fresh.IsMaster
	id.session = nil
	return s.persist(ctx, id)
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

func encodeDeviceIdentity(id *DeviceIdentity) ([]byte, error) {
	w := wire.NewWriter().
		PutBytes('u', []byte(id.PeerUser)).
		PutBytes('d', []byte(id.PeerDevice)).
		PutBytes('s', id.PeerSigningPublic).
		PutBytes('a', id.PeerAgreementPublic).
		PutBool('m', id.IsMaster).
		PutUint64('l', id.LocalMonotonicID)
	if id.session != nil {
		w.PutBytes('r', encodeRatchetState(id.session.State()))
	}
	return w.Bytes(), nil
}

func decodeDeviceIdentity(data []byte, suite ratchet.Suite) (*DeviceIdentity, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	user, _ := wire.Lookup(fields, 'u')
	device, _ := wire.Lookup(fields, 'd')
	signing, _ := wire.Lookup(fields, 's')
	agreement, _ := wire.Lookup(fields, 'a')
	isMaster, _, err := wire.BoolAt(fields, 'm')
	if err != nil {
		return nil, err
	}
	localID, _, err := wire.Uint64At(fields, 'l')
	if err != nil {
		return nil, err
	}
	id := &DeviceIdentity{
		PeerUser:            string(user),
		PeerDevice:          string(device),
		PeerSigningPublic:   append(ed25519.PublicKey(nil), signing...),
		PeerAgreementPublic: append([]byte(nil), agreement...),
		IsMaster:            isMaster,
		LocalMonotonicID:    localID,
	}
	if raw, ok := wire.Lookup(fields, 'r'); ok {
		state, err := decodeRatchetState(raw)
		if err != nil {
			return nil, fmt.Errorf("decode ratchet state: %w", err)
		}
		id.session = ratchet.New(suite, state)
	}
	return id, nil
}
