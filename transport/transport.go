// Package transport declares the server and peer-to-peer transport
// surfaces that cyphertextkit consumes. Both are external collaborators:
// this package only states the contract, adapters/servertransport and
// adapters/p2pably provide reference implementations.
package transport

import (
	"context"

	"cyphertextkit/envelope"
	"cyphertextkit/identity"
)

// AuthState is the server transport's authentication state.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
	AuthFailure
)

// ServerEventKind tags the variant of an incoming ServerEvent.
type ServerEventKind int

const (
	EventSingleRecipientMessage ServerEventKind = iota
	EventMultiRecipientMessage
	EventReceivedReceipt
	EventDisplayedReceipt
	EventDeviceRegistrationRequest
)

// ServerEvent is one inbound event delivered by the server transport.
type ServerEvent struct {
	Kind ServerEventKind

	FromUser   string
	FromDevice string
	MessageID  string
	// Conversation is the routing metadata the server stamped on the
	// message outside its encrypted envelope (group id, or empty for a
	// plain direct message), letting a recipient with several active
	// conversations with the same sender recover the right one without
	// decrypting first.
	Conversation string

	SingleEnvelope *envelope.Single
	MultiEnvelope  *envelope.Multi

	RegistrationRequest *DeviceRegistrationRequest
}

// DeviceRegistrationRequest mirrors the teacher's RegisterDevice flow,
// addressed to the event handler instead of a server-side table, per
// SPEC_FULL's local-identity expansion.
type DeviceRegistrationRequest struct {
	DeviceID        string
	SigningPublic   []byte
	AgreementPublic []byte
	RequestedAt     int64 // unix nanos
}

// ServerTransport is the consumed server-side transport surface from §6.
type ServerTransport interface {
	AuthState() AuthState

	SendSingle(ctx context.Context, env envelope.Single, peerUser, peerDevice, messageID, conversation string) error
	// SendMulti is optional; callers check SupportsSendMulti before using
	// it, falling back to per-device SendSingle calls otherwise.
	SendMulti(ctx context.Context, env envelope.Multi, messageID, conversation string) error
	SupportsSendMulti() bool

	ReadKeyBundle(ctx context.Context, user string) (identity.UserConfig, error)
	PublishKeyBundle(ctx context.Context, cfg identity.UserConfig) error
	RequestDeviceRegistration(ctx context.Context, cfg identity.DeviceConfig) error

	PublishBlob(ctx context.Context, key string, blob []byte) error
	ReadBlob(ctx context.Context, key string) ([]byte, error)

	SendReadReceipt(ctx context.Context, peerUser, peerDevice, messageID, conversation string) error
	SendReceivedReceipt(ctx context.Context, peerUser, peerDevice, messageID, conversation string) error

	// Events streams ServerEvents until ctx is canceled.
	Events(ctx context.Context) (<-chan ServerEvent, error)
}

// P2PConnState is a P2P client's connection state.
type P2PConnState int

const (
	P2PConnecting P2PConnState = iota
	P2PConnected
	P2PDisconnecting
	P2PDisconnected
)

// P2PClient is one established (or establishing) peer-to-peer connection.
type P2PClient interface {
	Send(ctx context.Context, data []byte) error
	Disconnect() error
	State() P2PConnState
}

// P2PHandle identifies the peer device a P2P connection is/will be
// established with.
type P2PHandle struct {
	PeerUser   string
	PeerDevice string
}

// P2PFactory is the consumed peer-to-peer transport surface from §6,
// keyed by a transport identifier (e.g. "ably").
type P2PFactory interface {
	// TransportID identifies this factory in negotiation packet subtypes:
	// "_/p2p/0/<transport_id>/...".
	TransportID() string
	// CreateConnection may return (nil, nil) if the connection will be
	// completed later (e.g. pending out-of-band negotiation).
	CreateConnection(ctx context.Context, handle P2PHandle) (P2PClient, error)
	// ReceiveMessage is called on incoming in-band negotiation packets
	// riding the reserved "_/p2p/0/<transport_id>/..." subtype.
	ReceiveMessage(ctx context.Context, text string, metadata map[string]string, handle P2PHandle) error
}
