package pipeline

import (
	"context"
	"fmt"
	"sync"

	"cyphertextkit/envelope"
	"cyphertextkit/eventhandler"
	"cyphertextkit/identity"
	"cyphertextkit/transport"
)

// fakeNetwork is a shared in-memory rendezvous point for fakeTransport
// instances: it holds every user's published key bundle and a per-user
// inbound event channel, standing in for a real server transport's
// directory and event stream.
type fakeNetwork struct {
	mu        sync.Mutex
	directory map[string]identity.UserConfig
	events    map[string]chan transport.ServerEvent
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		directory: make(map[string]identity.UserConfig),
		events:    make(map[string]chan transport.ServerEvent),
	}
}

func (n *fakeNetwork) publish(cfg identity.UserConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.directory[identity.NormalizeUserIdentifier(cfg.UserID)] = cfg
}

func (n *fakeNetwork) channelFor(user string) chan transport.ServerEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	user = identity.NormalizeUserIdentifier(user)
	ch, ok := n.events[user]
	if !ok {
		ch = make(chan transport.ServerEvent, 16)
		n.events[user] = ch
	}
	return ch
}

func (n *fakeNetwork) deliver(toUser string, evt transport.ServerEvent) {
	n.channelFor(toUser) <- evt
}

// fakeTransport is one user device's view of fakeNetwork, implementing
// transport.ServerTransport.
type fakeTransport struct {
	net           *fakeNetwork
	user          string
	device        string
	supportsMulti bool

	mu       sync.Mutex
	regs     []identity.DeviceConfig
	failSend bool
}

var _ transport.ServerTransport = (*fakeTransport)(nil)

func (f *fakeTransport) AuthState() transport.AuthState { return transport.Authenticated }

// setFailSend toggles whether SendSingle reports a transport failure
// instead of delivering, simulating an offline send for retry tests.
func (f *fakeTransport) setFailSend(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fail
}

func (f *fakeTransport) SendSingle(_ context.Context, env envelope.Single, peerUser, peerDevice, messageID, conversation string) error {
	f.mu.Lock()
	fail := f.failSend
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("fakeTransport: simulated transport offline")
	}
	envCopy := env
	f.net.deliver(peerUser, transport.ServerEvent{
		Kind: transport.EventSingleRecipientMessage, FromUser: f.user, FromDevice: f.device,
		MessageID: messageID, Conversation: conversation, SingleEnvelope: &envCopy,
	})
	return nil
}

func (f *fakeTransport) SendMulti(_ context.Context, env envelope.Multi, messageID, conversation string) error {
	for _, pd := range env.PerDeviceKeys {
		envCopy := env
		f.net.deliver(pd.User, transport.ServerEvent{
			Kind: transport.EventMultiRecipientMessage, FromUser: f.user, FromDevice: f.device,
			MessageID: messageID, Conversation: conversation, MultiEnvelope: &envCopy,
		})
	}
	return nil
}

func (f *fakeTransport) SupportsSendMulti() bool { return f.supportsMulti }

func (f *fakeTransport) ReadKeyBundle(_ context.Context, user string) (identity.UserConfig, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	cfg, ok := f.net.directory[identity.NormalizeUserIdentifier(user)]
	if !ok {
		return identity.UserConfig{}, fmt.Errorf("fakeTransport: no key bundle for %q", user)
	}
	return cfg, nil
}

func (f *fakeTransport) PublishKeyBundle(_ context.Context, cfg identity.UserConfig) error {
	f.net.publish(cfg)
	return nil
}

func (f *fakeTransport) RequestDeviceRegistration(_ context.Context, cfg identity.DeviceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, cfg)
	return nil
}

func (f *fakeTransport) PublishBlob(_ context.Context, key string, blob []byte) error { return nil }
func (f *fakeTransport) ReadBlob(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("fakeTransport: no blob %q", key)
}

func (f *fakeTransport) SendReadReceipt(_ context.Context, peerUser, peerDevice, messageID, conversation string) error {
	f.net.deliver(peerUser, transport.ServerEvent{Kind: transport.EventDisplayedReceipt, FromUser: f.user, FromDevice: f.device, MessageID: messageID, Conversation: conversation})
	return nil
}

func (f *fakeTransport) SendReceivedReceipt(_ context.Context, peerUser, peerDevice, messageID, conversation string) error {
	f.net.deliver(peerUser, transport.ServerEvent{Kind: transport.EventReceivedReceipt, FromUser: f.user, FromDevice: f.device, MessageID: messageID, Conversation: conversation})
	return nil
}

func (f *fakeTransport) Events(_ context.Context) (<-chan transport.ServerEvent, error) {
	return f.net.channelFor(f.user), nil
}

// fakeHandler is a minimal eventhandler.Handler that always saves/sends
// and records device registration requests for assertions.
type fakeHandler struct {
	mu              sync.Mutex
	created         []string
	regSeen         int
	identityChanges []identity.DeviceConfig
}

var _ eventhandler.Handler = (*fakeHandler)(nil)

func (h *fakeHandler) PreSave(_ context.Context, _ eventhandler.InboundMessage) eventhandler.SaveDecision {
	return eventhandler.Save
}
func (h *fakeHandler) PreSend(_ context.Context, _ eventhandler.OutboundMessage) eventhandler.SendDecision {
	return eventhandler.SaveAndSend
}
func (h *fakeHandler) OnCreate(_ context.Context, _ eventhandler.Entity, id string, _ []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, id)
}
func (h *fakeHandler) OnUpdate(_ context.Context, _ eventhandler.Entity, _ string, _ []byte) {}
func (h *fakeHandler) OnRemove(_ context.Context, _ eventhandler.Entity, _ string)           {}
func (h *fakeHandler) OnRekey(_ context.Context, _, _ string)                                {}
func (h *fakeHandler) OnDeviceRegistrationRequest(_ context.Context, _ transport.DeviceRegistrationRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regSeen++
}
func (h *fakeHandler) OnP2POpen(_ context.Context, _, _ string)  {}
func (h *fakeHandler) OnP2PClose(_ context.Context, _, _ string) {}
func (h *fakeHandler) OnIdentityChange(_ context.Context, _, _ string, _, newConfig identity.DeviceConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identityChanges = append(h.identityChanges, newConfig)
}
