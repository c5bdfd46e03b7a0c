package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"cyphertextkit/adapters/sqlitestore"
	"cyphertextkit/envelope"
	"cyphertextkit/eventhandler"
	"cyphertextkit/identity"
	"cyphertextkit/internal/clock"
	"cyphertextkit/jobqueue"
	"cyphertextkit/pipeline"
	"cyphertextkit/ratchet"
	"cyphertextkit/transport"
)

// loopbackNetwork is a minimal in-process transport.ServerTransport
// fixture: two simulated users exchange a message entirely in memory, with
// no real network or server, so this command doubles as an offline
// end-to-end smoke test of devicestore/envelope/jobqueue/pipeline wired
// together.
type loopbackNetwork struct {
	mu        sync.Mutex
	directory map[string]identity.UserConfig
	inboxes   map[string]chan transport.ServerEvent
}

func newLoopbackNetwork() *loopbackNetwork {
	return &loopbackNetwork{
		directory: make(map[string]identity.UserConfig),
		inboxes:   make(map[string]chan transport.ServerEvent),
	}
}

func (n *loopbackNetwork) publish(cfg identity.UserConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.directory[identity.NormalizeUserIdentifier(cfg.UserID)] = cfg
}

func (n *loopbackNetwork) inbox(user string) chan transport.ServerEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	user = identity.NormalizeUserIdentifier(user)
	if ch, ok := n.inboxes[user]; ok {
		return ch
	}
	ch := make(chan transport.ServerEvent, 16)
	n.inboxes[user] = ch
	return ch
}

// closeInbox closes user's event channel so a blocking RunEvents call
// drains whatever is already buffered and then returns, instead of
// waiting on a stream that this one-shot selftest never keeps open.
func (n *loopbackNetwork) closeInbox(user string) {
	close(n.inbox(user))
}

type loopbackClient struct {
	net  *loopbackNetwork
	user string
}

var _ transport.ServerTransport = (*loopbackClient)(nil)

func (c *loopbackClient) AuthState() transport.AuthState { return transport.Authenticated }

func (c *loopbackClient) SendSingle(ctx context.Context, env envelope.Single, peerUser, peerDevice, messageID, conversation string) error {
	c.net.inbox(peerUser) <- transport.ServerEvent{
		Kind: transport.EventSingleRecipientMessage, FromUser: c.user, FromDevice: "self",
		MessageID: messageID, Conversation: conversation, SingleEnvelope: &env,
	}
	return nil
}

func (c *loopbackClient) SendMulti(ctx context.Context, env envelope.Multi, messageID, conversation string) error {
	return fmt.Errorf("loopback selftest does not exercise multi-recipient sends")
}

func (c *loopbackClient) SupportsSendMulti() bool { return false }

func (c *loopbackClient) ReadKeyBundle(ctx context.Context, user string) (identity.UserConfig, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	cfg, ok := c.net.directory[identity.NormalizeUserIdentifier(user)]
	if !ok {
		return identity.UserConfig{}, fmt.Errorf("no published bundle for %q", user)
	}
	return cfg, nil
}

func (c *loopbackClient) PublishKeyBundle(ctx context.Context, cfg identity.UserConfig) error {
	c.net.publish(cfg)
	return nil
}

func (c *loopbackClient) RequestDeviceRegistration(ctx context.Context, cfg identity.DeviceConfig) error {
	return nil
}

func (c *loopbackClient) PublishBlob(ctx context.Context, key string, blob []byte) error { return nil }
func (c *loopbackClient) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("no blob published for %q", key)
}

func (c *loopbackClient) SendReadReceipt(ctx context.Context, peerUser, peerDevice, messageID, conversation string) error {
	c.net.inbox(peerUser) <- transport.ServerEvent{Kind: transport.EventDisplayedReceipt, FromUser: c.user, FromDevice: "self", MessageID: messageID, Conversation: conversation}
	return nil
}

func (c *loopbackClient) SendReceivedReceipt(ctx context.Context, peerUser, peerDevice, messageID, conversation string) error {
	c.net.inbox(peerUser) <- transport.ServerEvent{Kind: transport.EventReceivedReceipt, FromUser: c.user, FromDevice: "self", MessageID: messageID, Conversation: conversation}
	return nil
}

func (c *loopbackClient) Events(ctx context.Context) (<-chan transport.ServerEvent, error) {
	return c.net.inbox(c.user), nil
}

type noopHandler struct{}

func (noopHandler) PreSave(ctx context.Context, msg eventhandler.InboundMessage) eventhandler.SaveDecision {
	return eventhandler.Save
}
func (noopHandler) PreSend(ctx context.Context, msg eventhandler.OutboundMessage) eventhandler.SendDecision {
	return eventhandler.SaveAndSend
}
func (noopHandler) OnCreate(ctx context.Context, entity eventhandler.Entity, id string, payload []byte) {
}
func (noopHandler) OnUpdate(ctx context.Context, entity eventhandler.Entity, id string, payload []byte) {
}
func (noopHandler) OnRemove(ctx context.Context, entity eventhandler.Entity, id string) {}
func (noopHandler) OnRekey(ctx context.Context, peerUser, peerDevice string)           {}
func (noopHandler) OnDeviceRegistrationRequest(ctx context.Context, req transport.DeviceRegistrationRequest) {
}
func (noopHandler) OnP2POpen(ctx context.Context, peerUser, peerDevice string)  {}
func (noopHandler) OnP2PClose(ctx context.Context, peerUser, peerDevice string) {}
func (noopHandler) OnIdentityChange(ctx context.Context, peerUser, peerDevice string, oldConfig, newConfig identity.DeviceConfig) {
}

func selftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run an offline send/receive round trip against two in-memory devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			net := newLoopbackNetwork()
			suite := wire.Config.Suite()

			alice, err := spinUpLoopbackEngine(net, suite, "alice", "phone")
			if err != nil {
				return fmt.Errorf("wiring alice: %w", err)
			}
			bob, err := spinUpLoopbackEngine(net, suite, "bob", "laptop")
			if err != nil {
				return fmt.Errorf("wiring bob: %w", err)
			}

			messageID, err := alice.engine.SendMessage(ctx, pipeline.OtherUserTarget("bob"), []byte("hello from ctk-devicectl selftest"))
			if err != nil {
				return fmt.Errorf("SendMessage: %w", err)
			}
			if err := alice.scheduler.RunUntilIdle(ctx); err != nil {
				return fmt.Errorf("alice RunUntilIdle: %w", err)
			}

			// Bob's transport is a one-shot fixture: closing its inbox after
			// alice's send lets RunEvents drain the buffered message and
			// return instead of blocking on a stream nothing else feeds.
			net.closeInbox("bob")
			if err := bob.engine.RunEvents(ctx); err != nil {
				return fmt.Errorf("bob RunEvents: %w", err)
			}
			if err := bob.scheduler.RunUntilIdle(ctx); err != nil {
				return fmt.Errorf("bob RunUntilIdle: %w", err)
			}

			fmt.Printf("Round trip OK. message_id=%s\n", messageID)
			return nil
		},
	}
}

type loopbackEngine struct {
	engine    *pipeline.Engine
	scheduler *jobqueue.Scheduler
}

func spinUpLoopbackEngine(net *loopbackNetwork, suite ratchet.Suite, user, device string) (*loopbackEngine, error) {
	keys, err := identity.GenerateDeviceKeys(device)
	if err != nil {
		return nil, err
	}
	cfg, err := identity.NewUserConfig(user, keys.Signing.Public, []identity.DeviceConfig{
		{DeviceID: keys.DeviceID, SigningPublic: keys.Signing.Public, AgreementPublic: keys.Agreement.Public, IsMaster: true},
	}, keys.Signing)
	if err != nil {
		return nil, err
	}
	net.publish(cfg)

	backing := sqlitestore.NewMemory()
	client := &loopbackClient{net: net, user: user}
	registry := jobqueue.NewRegistry()
	eng := pipeline.NewEngine(backing, suite, keys, user, client, nil, noopHandler{}, registry)
	scheduler := jobqueue.NewScheduler(backing, registry, clock.System{}, jobqueue.Deps{
		ConnectivityAvailable: func() bool { return true },
	})
	eng.Bind(scheduler)
	return &loopbackEngine{engine: eng, scheduler: scheduler}, nil
}
