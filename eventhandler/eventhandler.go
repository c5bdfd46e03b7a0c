// Package eventhandler declares the typed hook surface the host
// application implements to receive decisions and notifications from the
// pipeline: pre-save/pre-send gating, entity create/update/remove
// notifications, P2P lifecycle, rekey, device registration, and identity
// change.
package eventhandler

import (
	"context"

	"cyphertextkit/identity"
	"cyphertextkit/transport"
)

// SaveDecision gates whether an inbound message is persisted.
type SaveDecision int

const (
	Save SaveDecision = iota
	Ignore
)

// SendDecision gates whether an outbound message is also saved locally
// alongside being sent.
type SendDecision int

const (
	Send SendDecision = iota
	SaveAndSend
)

// InboundMessage is what the handler inspects to make a pre-save
// decision.
type InboundMessage struct {
	FromUser   string
	FromDevice string
	Plaintext  []byte
	MessageID  string
}

// OutboundMessage is what the handler inspects to make a pre-send
// decision.
type OutboundMessage struct {
	ToUser    string
	ToDevice  string
	Plaintext []byte
	MessageID string
}

// Entity identifies the kind of record a create/update/remove
// notification concerns.
type Entity int

const (
	EntityMessage Entity = iota
	EntityContact
	EntityConversation
)

// Handler is the exposed hook surface from §6.
type Handler interface {
	// PreSave decides whether an inbound message should be persisted at
	// all.
	PreSave(ctx context.Context, msg InboundMessage) SaveDecision
	// PreSend decides whether an outbound message should also be saved
	// locally.
	PreSend(ctx context.Context, msg OutboundMessage) SendDecision

	// OnCreate/OnUpdate/OnRemove notify of entity lifecycle changes.
	OnCreate(ctx context.Context, entity Entity, id string, payload []byte)
	OnUpdate(ctx context.Context, entity Entity, id string, payload []byte)
	OnRemove(ctx context.Context, entity Entity, id string)

	// OnRekey notifies that a peer device's session was rekeyed (either
	// because a rekey-announcement was received or because a decrypt
	// failure forced one locally).
	OnRekey(ctx context.Context, peerUser, peerDevice string)

	// OnDeviceRegistrationRequest is invoked on the master device when a
	// new device asks to join the account; the handler's own approval
	// flow decides whether to call back into identity/devicestore to
	// accept it.
	OnDeviceRegistrationRequest(ctx context.Context, req transport.DeviceRegistrationRequest)

	// OnP2POpen/OnP2PClose notify of peer-to-peer connection lifecycle.
	OnP2POpen(ctx context.Context, peerUser, peerDevice string)
	OnP2PClose(ctx context.Context, peerUser, peerDevice string)

	// OnIdentityChange notifies that a peer's signing key changed from
	// what was previously observed for a device, per §4.3.
	OnIdentityChange(ctx context.Context, peerUser, peerDevice string, oldConfig, newConfig identity.DeviceConfig)
}
