package pipeline

import (
	"context"
	"testing"
	"time"

	"cyphertextkit/adapters/sqlitestore"
	"cyphertextkit/identity"
	"cyphertextkit/internal/clock"
	"cyphertextkit/jobqueue"
	"cyphertextkit/ratchet"
	"cyphertextkit/store"
)

func mustDeviceKeys(t *testing.T, id string) identity.DeviceKeys {
	t.Helper()
	k, err := identity.GenerateDeviceKeys(id)
	if err != nil {
		t.Fatalf("GenerateDeviceKeys: %v", err)
	}
	return k
}

// singleDeviceUser builds a one-device UserConfig self-signed by that
// device, the common case exercised by these tests.
func singleDeviceUser(t *testing.T, userID string, keys identity.DeviceKeys) identity.UserConfig {
	t.Helper()
	cfg, err := identity.NewUserConfig(userID, keys.Signing.Public, []identity.DeviceConfig{
		{DeviceID: keys.DeviceID, SigningPublic: keys.Signing.Public, AgreementPublic: keys.Agreement.Public, IsMaster: true},
	}, keys.Signing)
	if err != nil {
		t.Fatalf("NewUserConfig(%s): %v", userID, err)
	}
	return cfg
}

// harness bundles one simulated device's Engine with its own backing
// store, transport, scheduler, and handler.
type harness struct {
	user      string
	keys      identity.DeviceKeys
	backing   store.Store
	transport *fakeTransport
	handler   *fakeHandler
	engine    *Engine
	scheduler *jobqueue.Scheduler
	clock     *clock.Fake
}

func newHarness(t *testing.T, net *fakeNetwork, suite ratchet.Suite, user, device string, supportsMulti bool) *harness {
	t.Helper()
	keys := mustDeviceKeys(t, device)
	net.publish(singleDeviceUser(t, user, keys))

	backing := sqlitestore.NewMemory()
	transport := &fakeTransport{net: net, user: user, device: device, supportsMulti: supportsMulti}
	handler := &fakeHandler{}
	registry := jobqueue.NewRegistry()
	engine := NewEngine(backing, suite, keys, user, transport, nil, handler, registry)
	clk := clock.NewFake(time.Unix(0, 0))
	scheduler := jobqueue.NewScheduler(backing, registry, clk, jobqueue.Deps{
		ConnectivityAvailable: func() bool { return true },
	})
	engine.Bind(scheduler)
	return &harness{user: user, keys: keys, backing: backing, transport: transport, handler: handler, engine: engine, scheduler: scheduler, clock: clk}
}

func findMessage(t *testing.T, ctx context.Context, backing store.Store, conversation, messageID string) localMessage {
	t.Helper()
	rows, err := backing.ListChatMessages(ctx, store.MessageQuery{Conversation: conversation})
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	for _, row := range rows {
		if row.ID != messageID {
			continue
		}
		lm, err := decodeLocalMessage(row.Payload)
		if err != nil {
			t.Fatalf("decodeLocalMessage: %v", err)
		}
		return lm
	}
	t.Fatalf("message %s not found in conversation %s", messageID, conversation)
	return localMessage{}
}

func TestSendMessageDirectRoundTrip(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()
	net := newFakeNetwork()

	alice := newHarness(t, net, suite, "alice", "phone", false)
	bob := newHarness(t, net, suite, "bob", "laptop", false)

	messageID, err := alice.engine.SendMessage(ctx, OtherUserTarget("bob"), []byte("hello bob"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := alice.scheduler.RunUntilIdle(ctx); err != nil {
		t.Fatalf("alice RunUntilIdle: %v", err)
	}

	conv := OtherUserTarget("bob").ConversationID("alice")
	sent := findMessage(t, ctx, alice.backing, conv, messageID)
	if sent.State != StateDelivered {
		t.Fatalf("sender state = %v, want StateDelivered", sent.State)
	}

	select {
	case evt := <-net.channelFor("bob"):
		if err := bob.engine.handleServerEvent(ctx, evt); err != nil {
			t.Fatalf("bob handleServerEvent: %v", err)
		}
	default:
		t.Fatalf("expected an event queued for bob")
	}
	if err := bob.scheduler.RunUntilIdle(ctx); err != nil {
		t.Fatalf("bob RunUntilIdle: %v", err)
	}

	bobConv := OtherUserTarget("alice").ConversationID("bob")
	received := findMessage(t, ctx, bob.backing, bobConv, messageID)
	if string(received.Body) != "hello bob" {
		t.Fatalf("received body = %q, want %q", received.Body, "hello bob")
	}
	if received.State != StateReceived {
		t.Fatalf("recipient state = %v, want StateReceived", received.State)
	}

	select {
	case evt := <-net.channelFor("alice"):
		if err := alice.engine.handleServerEvent(ctx, evt); err != nil {
			t.Fatalf("alice handleServerEvent: %v", err)
		}
	default:
		t.Fatalf("expected a received-receipt queued for alice")
	}
	after := findMessage(t, ctx, alice.backing, conv, messageID)
	if after.State != StateReceived {
		t.Fatalf("sender state after receipt = %v, want StateReceived", after.State)
	}
}

func TestSendMessageMultiRecipientGroup(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()
	net := newFakeNetwork()

	alice := newHarness(t, net, suite, "alice", "phone", true)
	bob := newHarness(t, net, suite, "bob", "laptop", false)
	carol := newHarness(t, net, suite, "carol", "tablet", false)

	target := GroupTarget("team-x")
	conv := target.ConversationID("alice")
	members := []Member{{User: "bob", Device: "laptop"}, {User: "carol", Device: "tablet"}}
	if _, err := EnsureConversation(ctx, alice.backing, conv, members); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	messageID, err := alice.engine.SendMessage(ctx, target, []byte("hi team"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := alice.scheduler.RunUntilIdle(ctx); err != nil {
		t.Fatalf("alice RunUntilIdle: %v", err)
	}

	sent := findMessage(t, ctx, alice.backing, conv, messageID)
	if sent.State != StateDelivered {
		t.Fatalf("sender state = %v, want StateDelivered", sent.State)
	}

	for _, member := range []*harness{bob, carol} {
		select {
		case evt := <-net.channelFor(member.user):
			if err := member.engine.handleServerEvent(ctx, evt); err != nil {
				t.Fatalf("%s handleServerEvent: %v", member.user, err)
			}
		default:
			t.Fatalf("expected an event queued for %s", member.user)
		}
		if err := member.scheduler.RunUntilIdle(ctx); err != nil {
			t.Fatalf("%s RunUntilIdle: %v", member.user, err)
		}
		got := findMessage(t, ctx, member.backing, conv, messageID)
		if string(got.Body) != "hi team" {
			t.Fatalf("%s received body = %q, want %q", member.user, got.Body, "hi team")
		}
		if got.State != StateReceived {
			t.Fatalf("%s state = %v, want StateReceived", member.user, got.State)
		}
	}
}

func TestAnnounceRekeySendsForcedRekeyEnvelope(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()
	net := newFakeNetwork()

	alice := newHarness(t, net, suite, "alice", "phone", false)
	_ = newHarness(t, net, suite, "bob", "laptop", false)

	if err := alice.engine.AnnounceRekey(ctx, "bob", "laptop"); err != nil {
		t.Fatalf("AnnounceRekey: %v", err)
	}
	if err := alice.scheduler.RunUntilIdle(ctx); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	select {
	case evt := <-net.channelFor("bob"):
		if evt.SingleEnvelope == nil {
			t.Fatalf("expected a single-recipient rekey envelope")
		}
		if evt.SingleEnvelope.Tag != rekeyAnnounceTag {
			t.Fatalf("envelope tag = %q, want %q", evt.SingleEnvelope.Tag, rekeyAnnounceTag)
		}
		if !evt.SingleEnvelope.RekeyFlag {
			t.Fatalf("expected RekeyFlag to be forced true")
		}
	default:
		t.Fatalf("expected a rekey announcement queued for bob")
	}
}

// TestEnsureDeviceIdentityDetectsAndAppliesIdentityChange exercises seed
// scenario 5 (identity change) at the pipeline level: when a peer's
// published signing key no longer matches what devicestore has on file,
// ensureDeviceIdentity must update the stored identity, drop the stale
// ratchet session, and notify the event handler.
func TestEnsureDeviceIdentityDetectsAndAppliesIdentityChange(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()
	net := newFakeNetwork()

	alice := newHarness(t, net, suite, "alice", "phone", false)
	bob := newHarness(t, net, suite, "bob", "laptop", false)

	// Establish bob's devicestore view of alice, and a live ratchet session
	// with her, by sending a message before her identity changes.
	if _, err := bob.engine.SendMessage(ctx, OtherUserTarget("alice"), []byte("hi alice")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := bob.scheduler.RunUntilIdle(ctx); err != nil {
		t.Fatalf("bob RunUntilIdle: %v", err)
	}

	view, err := bob.engine.devices.LoadOrCreate(ctx, "alice", "phone", alice.keys.Signing.Public, alice.keys.Agreement.Public, true)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if view.PeerSigningPublic == nil {
		t.Fatalf("expected bob to already have alice's peer identity on file")
	}

	// Alice reinstalls: a new device key pair is published under the same
	// device id.
	reinstalled := mustDeviceKeys(t, "phone")
	net.publish(singleDeviceUser(t, "alice", reinstalled))

	if _, err := bob.engine.ensureDeviceIdentity(ctx, "alice", "phone"); err != nil {
		t.Fatalf("ensureDeviceIdentity: %v", err)
	}

	bob.handler.mu.Lock()
	changes := bob.handler.identityChanges
	bob.handler.mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("expected exactly one identity change notification, got %d", len(changes))
	}
	if string(changes[0].SigningPublic) != string(reinstalled.Signing.Public) {
		t.Fatalf("notified identity change carries stale signing key")
	}

	updated, err := bob.engine.devices.LoadOrCreate(ctx, "alice", "phone", nil, nil, false)
	if err != nil {
		t.Fatalf("LoadOrCreate after change: %v", err)
	}
	if string(updated.PeerSigningPublic) != string(reinstalled.Signing.Public) {
		t.Fatalf("devicestore was not updated to the reinstalled signing key")
	}
}

// TestSendTaskOfflineRetryExhaustsAndMarksUndelivered exercises seed
// scenario 6 (spec.md:168): a send task whose transport stays offline is
// retried per retry_after(30s, max=3); after the third failure the job is
// cancelled and the local message ends up StateUndelivered.
func TestSendTaskOfflineRetryExhaustsAndMarksUndelivered(t *testing.T) {
	ctx := context.Background()
	suite := ratchet.X25519ChaCha20SHA256()
	net := newFakeNetwork()

	alice := newHarness(t, net, suite, "alice", "phone", false)
	_ = newHarness(t, net, suite, "bob", "laptop", false)

	alice.transport.setFailSend(true)

	conv := OtherUserTarget("bob").ConversationID("alice")
	messageID, err := alice.engine.SendMessage(ctx, OtherUserTarget("bob"), []byte("offline message"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for attempt := 0; attempt < sendMaxAttempts; attempt++ {
		if err := alice.scheduler.RunUntilIdle(ctx); err != nil {
			t.Fatalf("RunUntilIdle attempt %d: %v", attempt, err)
		}
		alice.clock.Advance(30 * time.Second)
	}
	if err := alice.scheduler.RunUntilIdle(ctx); err != nil {
		t.Fatalf("final RunUntilIdle: %v", err)
	}

	msg := findMessage(t, ctx, alice.backing, conv, messageID)
	if msg.State != StateUndelivered {
		t.Fatalf("message state = %v, want StateUndelivered", msg.State)
	}
}

func TestTargetConversationIDDeterministic(t *testing.T) {
	if got, want := CurrentUserTarget().ConversationID("alice"), "self:alice"; got != want {
		t.Fatalf("CurrentUserTarget = %q, want %q", got, want)
	}
	if got, want := GroupTarget("team-x").ConversationID("alice"), "group:team-x"; got != want {
		t.Fatalf("GroupTarget = %q, want %q", got, want)
	}
	fromAlice := OtherUserTarget("bob").ConversationID("alice")
	fromBob := OtherUserTarget("alice").ConversationID("bob")
	if fromAlice != fromBob {
		t.Fatalf("dm conversation ids diverge: %q vs %q", fromAlice, fromBob)
	}
}
