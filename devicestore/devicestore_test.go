package devicestore

import (
	"context"
	"testing"

	"cyphertextkit/adapters/sqlitestore"
	"cyphertextkit/envelope"
	"cyphertextkit/identity"
	"cyphertextkit/ratchet"
)

type noopAnnouncer struct {
	announced []string
}

func (n *noopAnnouncer) AnnounceRekey(_ context.Context, peerUser, peerDevice string) error {
	n.announced = append(n.announced, peerUser+"/"+peerDevice)
	return nil
}

func mustDeviceKeys(t *testing.T, id string) identity.DeviceKeys {
	t.Helper()
	k, err := identity.GenerateDeviceKeys(id)
	if err != nil {
		t.Fatalf("GenerateDeviceKeys: %v", err)
	}
	return k
}

func TestWriteReadWithRatchetRoundTrip(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()

	alice := mustDeviceKeys(t, "alice-phone")
	bob := mustDeviceKeys(t, "bob-laptop")

	aliceAnnouncer := &noopAnnouncer{}
	bobAnnouncer := &noopAnnouncer{}
	aliceStore := New(sqlitestore.NewMemory(), suite, alice, aliceAnnouncer)
	bobStore := New(sqlitestore.NewMemory(), suite, bob, bobAnnouncer)

	aliceView, err := aliceStore.LoadOrCreate(ctx, "bob", "laptop", bob.Signing.Public, bob.Agreement.Public, false)
	if err != nil {
		t.Fatalf("LoadOrCreate alice view of bob: %v", err)
	}

	var envToBob envelope.Single
	err = aliceStore.WriteWithRatchet(ctx, aliceView, func(sess *ratchet.Session, rekey bool) error {
		if !rekey {
			t.Fatalf("expected first write to set rekey=true")
		}
		e, err := envelope.SealSingle("chat", sess, []byte("hi bob"), nil, rekey, alice.Signing.Private)
		envToBob = e
		return err
	})
	if err != nil {
		t.Fatalf("WriteWithRatchet: %v", err)
	}

	bobView, err := bobStore.LoadOrCreate(ctx, "alice", "phone", alice.Signing.Public, alice.Agreement.Public, false)
	if err != nil {
		t.Fatalf("LoadOrCreate bob view of alice: %v", err)
	}
	plaintext, err := bobStore.ReadWithRatchet(ctx, bobView, envToBob, nil)
	if err != nil {
		t.Fatalf("ReadWithRatchet: %v", err)
	}
	if string(plaintext) != "hi bob" {
		t.Fatalf("plaintext = %q", plaintext)
	}
	if len(bobAnnouncer.announced) != 0 {
		t.Fatalf("expected no rekey announcement on success, got %v", bobAnnouncer.announced)
	}
}

func TestReadWithRatchetAnnouncesRekeyOnFailure(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()

	alice := mustDeviceKeys(t, "alice")
	bob := mustDeviceKeys(t, "bob")
	announcer := &noopAnnouncer{}
	bobStore := New(sqlitestore.NewMemory(), suite, bob, announcer)

	bobView, err := bobStore.LoadOrCreate(ctx, "alice", "phone", alice.Signing.Public, alice.Agreement.Public, false)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	garbage := envelope.Sign("chat", []byte("not a real ratchet message"), true, alice.Signing.Private)
	if _, err := bobStore.ReadWithRatchet(ctx, bobView, garbage, nil); err == nil {
		t.Fatalf("expected ReadWithRatchet to fail on garbage inner bytes")
	}
	if len(announcer.announced) != 1 {
		t.Fatalf("expected one rekey announcement, got %v", announcer.announced)
	}
}

func TestDetectIdentityChange(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()
	bob := mustDeviceKeys(t, "bob")
	alice := mustDeviceKeys(t, "alice")
	bobStore := New(sqlitestore.NewMemory(), suite, bob, nil)

	view, err := bobStore.LoadOrCreate(ctx, "alice", "phone", alice.Signing.Public, alice.Agreement.Public, false)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	sameConfig := identity.DeviceConfig{SigningPublic: alice.Signing.Public, AgreementPublic: alice.Agreement.Public}
	if bobStore.DetectIdentityChange(view, sameConfig) {
		t.Fatalf("expected no identity change for identical key")
	}

	newAlice := mustDeviceKeys(t, "alice-reinstalled")
	changedConfig := identity.DeviceConfig{SigningPublic: newAlice.Signing.Public, AgreementPublic: newAlice.Agreement.Public}
	if !bobStore.DetectIdentityChange(view, changedConfig) {
		t.Fatalf("expected identity change to be detected")
	}

	if err := bobStore.ApplyIdentityChange(ctx, view, changedConfig); err != nil {
		t.Fatalf("ApplyIdentityChange: %v", err)
	}
	if view.session != nil {
		t.Fatalf("expected ratchet session to be cleared after identity change")
	}
}
