package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"cyphertextkit/ctkerr"
	"cyphertextkit/devicestore"
	"cyphertextkit/envelope"
	"cyphertextkit/eventhandler"
	"cyphertextkit/identity"
	"cyphertextkit/jobqueue"
	"cyphertextkit/ratchet"
	"cyphertextkit/store"
	"cyphertextkit/transport"
)

const chatTag = "chat"

// Engine wires devicestore, envelope, jobqueue, transport, store, and
// eventhandler together, implementing the §4.6 send/receive flow. It is
// the Go-native replacement for the teacher's loosely coupled service
// set (QueueProcessor + per-protocol services), generalized from a
// one-purpose chat backend into this spec's messenger core.
type Engine struct {
	backing   store.Store
	devices   *devicestore.Store
	scheduler *jobqueue.Scheduler
	server    transport.ServerTransport
	p2p       map[string]transport.P2PFactory // keyed by TransportID()
	handler   eventhandler.Handler
	local     identity.DeviceKeys
	localUser string
	orders    *orderCounters

	mu    sync.Mutex
	conns map[string]transport.P2PClient // keyed by peerUser+"\x00"+peerDevice

	sendKind               jobqueue.TaskKind
	sendMultiKind          jobqueue.TaskKind
	receiveKind            jobqueue.TaskKind
	receiveMultiKind       jobqueue.TaskKind
	rekeyAnnounceKind      jobqueue.TaskKind
	deviceRegistrationKind jobqueue.TaskKind
}

// NewEngine constructs an Engine and registers every pipeline TaskKind on
// registry.
func NewEngine(
	backing store.Store,
	suite ratchet.Suite,
	local identity.DeviceKeys,
	localUser string,
	server transport.ServerTransport,
	p2pFactories []transport.P2PFactory,
	handler eventhandler.Handler,
	registry *jobqueue.Registry,
) *Engine {
	eng := &Engine{
		backing:   backing,
		server:    server,
		p2p:       make(map[string]transport.P2PFactory),
		handler:   handler,
		local:     local,
		localUser: identity.NormalizeUserIdentifier(localUser),
		orders:    newOrderCounters(backing),
		conns:     make(map[string]transport.P2PClient),
	}
	eng.devices = devicestore.New(backing, suite, local, eng)
	for _, f := range p2pFactories {
		eng.p2p[f.TransportID()] = f
	}
	eng.registerTaskKinds(registry)
	return eng
}

// Bind attaches the jobqueue.Scheduler this engine enqueues onto. Kept
// separate from NewEngine because the scheduler and the engine are
// mutually referential (tasks close over the engine; the engine enqueues
// onto the scheduler) and Go has no forward-reference for struct literals.
func (e *Engine) Bind(scheduler *jobqueue.Scheduler) {
	e.scheduler = scheduler
}

func memberKey(user, device string) string {
	return identity.NormalizeUserIdentifier(user) + "\x00" + device
}

// AnnounceRekey implements devicestore.RekeyAnnouncer by enqueuing a
// RekeyAnnounceTask, per §4.3's "receipt is ignored by application layers
// but forces the peer's next outbound write to re-initialize as sender."
func (e *Engine) AnnounceRekey(ctx context.Context, peerUser, peerDevice string) error {
	_, err := e.scheduler.Enqueue(ctx, e.rekeyAnnounceKind, &rekeyAnnounceTask{eng: e, ToUser: peerUser, ToDevice: peerDevice}, "")
	return err
}

// SendMessage resolves target's conversation, assigns a local order,
// consults the event handler's PreSend decision, and enqueues the send
// task(s) described in §4.6.
func (e *Engine) SendMessage(ctx context.Context, target Target, plaintext []byte) (messageID string, err error) {
	conversation := target.ConversationID(e.localUser)
	members, err := e.resolveMembers(ctx, target)
	if err != nil {
		return "", err
	}
	if _, err := EnsureConversation(ctx, e.backing, conversation, members); err != nil {
		return "", err
	}

	messageID = ulid.Make().String()

	if e.handler != nil {
		for _, m := range members {
			decision := e.handler.PreSend(ctx, eventhandler.OutboundMessage{
				ToUser: m.User, ToDevice: m.Device, Plaintext: plaintext, MessageID: messageID,
			})
			if decision == eventhandler.SaveAndSend {
				if err := e.saveLocalMessage(ctx, conversation, e.localUser, StateNone, plaintext, messageID); err != nil {
					return "", err
				}
				break
			}
		}
	}

	if e.server != nil && e.server.SupportsSendMulti() && len(members) > 1 {
		_, err := e.scheduler.Enqueue(ctx, e.sendMultiKind, &sendMultiTask{
			eng: e, Conversation: conversation, MessageID: messageID, Plaintext: plaintext, Members: members,
		}, messageID)
		return messageID, err
	}

	for _, m := range members {
		if _, err := e.scheduler.Enqueue(ctx, e.sendKind, &sendTask{
			eng: e, Conversation: conversation, ToUser: m.User, ToDevice: m.Device, MessageID: messageID, Plaintext: plaintext,
		}, messageID+":"+m.Device); err != nil {
			return messageID, err
		}
	}
	return messageID, nil
}

// ensureDeviceIdentity fetches the peer's published key bundle (§4.6's
// "fetch current member devices") and loads or creates the matching
// devicestore entry with its current advertised keys. If no server
// transport is configured, it falls back to whatever devicestore already
// has on file. When a devicestore entry already exists, the freshly
// fetched keys are compared against it (§4.3's identity-change check);
// on a mismatch the stored identity is updated, its ratchet session
// cleared, and the event handler notified via OnIdentityChange.
func (e *Engine) ensureDeviceIdentity(ctx context.Context, user, device string) (*devicestore.DeviceIdentity, error) {
	if e.server == nil {
		return e.devices.LoadOrCreate(ctx, user, device, nil, nil, false)
	}
	cfg, err := e.server.ReadKeyBundle(ctx, user)
	if err != nil {
		return nil, err
	}
	dc, ok := cfg.Device(device)
	if !ok {
		return nil, ctkerr.New("pipeline.ensureDeviceIdentity", ctkerr.StateNotFound, fmt.Errorf("unknown device %s/%s", user, device))
	}
	view, err := e.devices.LoadOrCreate(ctx, user, device, dc.SigningPublic, dc.AgreementPublic, dc.IsMaster)
	if err != nil {
		return nil, err
	}
	if e.devices.DetectIdentityChange(view, dc) {
		old := identity.DeviceConfig{
			DeviceID: device, SigningPublic: view.PeerSigningPublic,
			AgreementPublic: view.PeerAgreementPublic, IsMaster: view.IsMaster,
		}
		if err := e.devices.ApplyIdentityChange(ctx, view, dc); err != nil {
			return nil, err
		}
		if e.handler != nil {
			e.handler.OnIdentityChange(ctx, user, device, old, dc)
		}
	}
	return view, nil
}

func (e *Engine) resolveMembers(ctx context.Context, target Target) ([]Member, error) {
	switch target.Kind {
	case TargetCurrentUser:
		cfg, err := e.server.ReadKeyBundle(ctx, e.localUser)
		if err != nil {
			return nil, err
		}
		members := make([]Member, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			if d.DeviceID != e.local.DeviceID {
				members = append(members, Member{User: e.localUser, Device: d.DeviceID})
			}
		}
		return members, nil
	case TargetOtherUser:
		cfg, err := e.server.ReadKeyBundle(ctx, target.Name)
		if err != nil {
			return nil, err
		}
		members := make([]Member, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			members = append(members, Member{User: target.Name, Device: d.DeviceID})
		}
		return members, nil
	case TargetGroup:
		rec, found, err := LoadConversation(ctx, e.backing, target.ConversationID(e.localUser))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ctkerr.New("pipeline.resolveMembers", ctkerr.StateNotFound, fmt.Errorf("unknown group %q", target.GroupID))
		}
		return rec.Members, nil
	default:
		return nil, ctkerr.New("pipeline.resolveMembers", ctkerr.InputBad, fmt.Errorf("unknown target kind"))
	}
}

func (e *Engine) saveLocalMessage(ctx context.Context, conversation, senderID string, state DeliveryState, body []byte, messageID string) error {
	order, err := e.orders.nextOrder(ctx, conversation)
	if err != nil {
		return err
	}
	if err := e.backing.SaveChatMessage(ctx, store.StoredMessage{
		ID:           messageID,
		Conversation: conversation,
		SenderID:     senderID,
		Order:        order,
		Payload:      encodeLocalMessage(localMessage{SenderID: senderID, State: state, Body: body}),
	}); err != nil {
		return err
	}
	if e.handler != nil {
		e.handler.OnCreate(ctx, eventhandler.EntityMessage, messageID, body)
	}
	return nil
}

func (e *Engine) updateDeliveryState(ctx context.Context, conversation, messageID string, state DeliveryState) error {
	existing, err := e.backing.ListChatMessages(ctx, store.MessageQuery{Conversation: conversation, Limit: 0})
	if err != nil {
		return err
	}
	for _, msg := range existing {
		if msg.ID != messageID {
			continue
		}
		lm, err := decodeLocalMessage(msg.Payload)
		if err != nil {
			return err
		}
		lm.State = state
		msg.Payload = encodeLocalMessage(lm)
		if err := e.backing.SaveChatMessage(ctx, msg); err != nil {
			return err
		}
		if e.handler != nil {
			e.handler.OnUpdate(ctx, eventhandler.EntityMessage, messageID, lm.Body)
		}
		return nil
	}
	return nil
}

// trySend attempts an established P2P connection to (user, device) first,
// falling back to the server transport on failure or absence, per §4.6's
// "attempt a peer-to-peer transport first when one is established...on
// P2P failure, fall back to the server transport."
func (e *Engine) trySend(ctx context.Context, env envelope.Single, user, device, messageID, conversation string) error {
	e.mu.Lock()
	conn, ok := e.conns[memberKey(user, device)]
	e.mu.Unlock()
	if ok && conn.State() == transport.P2PConnected {
		if err := conn.Send(ctx, env.Encode()); err == nil {
			return nil
		}
	}
	if e.server == nil {
		return ctkerr.New("pipeline.trySend", ctkerr.TransportOffline, fmt.Errorf("no server transport configured"))
	}
	return e.server.SendSingle(ctx, env, user, device, messageID, conversation)
}

// RunEvents drains the server transport's event stream until ctx is
// canceled, translating each ServerEvent into the matching receive task
// or registration hook.
func (e *Engine) RunEvents(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	events, err := e.server.Events(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			// A malformed inbound event is dropped rather than killing the
			// whole event loop; the sender's own retry policy recovers it.
			_ = e.handleServerEvent(ctx, evt)
		}
	}
}

// resolveInboundConversation recovers which local conversation an inbound
// event belongs to: the server-stamped routing metadata for a group (or
// any case it was set), falling back to the pairwise DM derived from the
// sender's identity.
func (e *Engine) resolveInboundConversation(evt transport.ServerEvent) string {
	if evt.Conversation != "" {
		return evt.Conversation
	}
	return OtherUserTarget(evt.FromUser).ConversationID(e.localUser)
}

func (e *Engine) handleServerEvent(ctx context.Context, evt transport.ServerEvent) error {
	switch evt.Kind {
	case transport.EventSingleRecipientMessage:
		if evt.SingleEnvelope == nil {
			return ctkerr.New("pipeline.handleServerEvent", ctkerr.InputBad, fmt.Errorf("single-recipient event missing envelope"))
		}
		_, err := e.scheduler.Enqueue(ctx, e.receiveKind, &receiveTask{
			eng: e, FromUser: evt.FromUser, FromDevice: evt.FromDevice, MessageID: evt.MessageID,
			Conversation: e.resolveInboundConversation(evt), Env: *evt.SingleEnvelope,
		}, evt.FromUser+":"+evt.MessageID)
		return err
	case transport.EventMultiRecipientMessage:
		if evt.MultiEnvelope == nil {
			return ctkerr.New("pipeline.handleServerEvent", ctkerr.InputBad, fmt.Errorf("multi-recipient event missing envelope"))
		}
		_, err := e.scheduler.Enqueue(ctx, e.receiveMultiKind, &receiveMultiTask{
			eng: e, FromUser: evt.FromUser, FromDevice: evt.FromDevice, MessageID: evt.MessageID,
			Conversation: e.resolveInboundConversation(evt), Env: *evt.MultiEnvelope,
		}, evt.FromUser+":"+evt.MessageID)
		return err
	case transport.EventReceivedReceipt:
		return e.updateDeliveryState(ctx, e.resolveInboundConversation(evt), evt.MessageID, StateReceived)
	case transport.EventDisplayedReceipt:
		return e.updateDeliveryState(ctx, e.resolveInboundConversation(evt), evt.MessageID, StateRead)
	case transport.EventDeviceRegistrationRequest:
		if evt.RegistrationRequest != nil && e.handler != nil {
			e.handler.OnDeviceRegistrationRequest(ctx, *evt.RegistrationRequest)
		}
		return nil
	default:
		return nil
	}
}

// MarkRead notifies peerUser/peerDevice that messageID has been displayed,
// per §6's send_read_receipt surface. It does not itself mutate local
// delivery state; the local copy only ever reaches StateRead by receiving
// the other side's own displayed-receipt for a message we sent.
func (e *Engine) MarkRead(ctx context.Context, conversation, peerUser, peerDevice, messageID string) error {
	if e.server == nil {
		return nil
	}
	return e.server.SendReadReceipt(ctx, peerUser, peerDevice, messageID, conversation)
}

// RequestDeviceRegistration enqueues the new-device-side half of the
// registration handshake: asking the server to notify the account's
// master device.
func (e *Engine) RequestDeviceRegistration(ctx context.Context, cfg identity.DeviceConfig) error {
	_, err := e.scheduler.Enqueue(ctx, e.deviceRegistrationKind, &deviceRegistrationTask{eng: e, Cfg: cfg}, "")
	return err
}
