// Package p2pably implements transport.P2PFactory over Ably pub/sub
// channels: one channel per peer device pair, with connection negotiation
// riding the reserved "_/p2p/0/ably/..." message-name subtype alongside the
// data channel's own "p2p-data" messages.
package p2pably

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ably/ably-go/ably"

	"cyphertextkit/ctkerr"
	"cyphertextkit/transport"
)

const (
	dataMessageName        = "p2p-data"
	negotiationMessageName = "_/p2p/0/ably/negotiate"
)

// Factory is a transport.P2PFactory backed by one shared Ably realtime
// client.
type Factory struct {
	client *ably.Realtime

	mu                 sync.Mutex
	subscribedChannels map[string]bool
}

var _ transport.P2PFactory = (*Factory)(nil)

// New connects to Ably with apiKey and returns a ready Factory.
func New(apiKey string) (*Factory, error) {
	const op = "p2pably.New"
	if apiKey == "" {
		return nil, ctkerr.New(op, ctkerr.InputBad, fmt.Errorf("ably API key is required"))
	}
	client, err := ably.NewRealtime(ably.WithKey(apiKey))
	if err != nil {
		return nil, ctkerr.New(op, ctkerr.TransportOffline, err)
	}
	return &Factory{client: client, subscribedChannels: make(map[string]bool)}, nil
}

func (f *Factory) TransportID() string { return "ably" }

// channelName derives a stable, order-independent channel name for a
// (local, peer) device pair; CreateConnection's caller knows only the peer
// side, so the local half comes from handle.PeerUser/PeerDevice alone --
// each local device subscribes from its own Factory instance, so the
// channel only needs to be unique per peer.
func channelName(handle transport.P2PHandle) string {
	return fmt.Sprintf("p2p:%s:%s", handle.PeerUser, handle.PeerDevice)
}

func (f *Factory) CreateConnection(ctx context.Context, handle transport.P2PHandle) (transport.P2PClient, error) {
	const op = "p2pably.CreateConnection"
	name := channelName(handle)
	channel := f.client.Channels.Get(name)

	conn := &clientConn{channel: channel}
	conn.state.Store(int32(transport.P2PConnecting))

	f.mu.Lock()
	alreadySubscribed := f.subscribedChannels[name]
	f.mu.Unlock()

	if !alreadySubscribed {
		if _, err := channel.SubscribeAll(ctx, func(msg *ably.Message) {
			if msg.Name != dataMessageName {
				return
			}
			conn.deliver(msg.Data)
		}); err != nil {
			return nil, ctkerr.New(op, ctkerr.TransportOffline, err)
		}
		f.mu.Lock()
		f.subscribedChannels[name] = true
		f.mu.Unlock()
	}

	conn.state.Store(int32(transport.P2PConnected))
	return conn, nil
}

// ReceiveMessage handles an in-band negotiation packet riding the reserved
// "_/p2p/0/ably/..." subtype. This reference adapter has no negotiation
// payload of its own to act on yet (Ably channels need no handshake beyond
// subscribing), so it only validates the envelope shape.
func (f *Factory) ReceiveMessage(ctx context.Context, text string, metadata map[string]string, handle transport.P2PHandle) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return ctkerr.New("p2pably.ReceiveMessage", ctkerr.InputBad, err)
	}
	return nil
}

// Close detaches every subscribed channel and closes the underlying Ably
// connection.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name := range f.subscribedChannels {
		channel := f.client.Channels.Get(name)
		_ = channel.Detach(context.Background())
	}
	f.subscribedChannels = make(map[string]bool)
	f.client.Close()
	return nil
}

// clientConn is one established P2PClient riding an Ably channel.
type clientConn struct {
	channel *ably.RealtimeChannel
	state   atomic.Int32

	mu      sync.Mutex
	onData  func([]byte)
}

var _ transport.P2PClient = (*clientConn)(nil)

func (c *clientConn) Send(ctx context.Context, data []byte) error {
	if err := c.channel.Publish(ctx, dataMessageName, data); err != nil {
		return ctkerr.New("p2pably.Send", ctkerr.TransportOffline, err)
	}
	return nil
}

func (c *clientConn) Disconnect() error {
	c.state.Store(int32(transport.P2PDisconnecting))
	err := c.channel.Detach(context.Background())
	c.state.Store(int32(transport.P2PDisconnected))
	if err != nil {
		return ctkerr.New("p2pably.Disconnect", ctkerr.TransportOffline, err)
	}
	return nil
}

func (c *clientConn) State() transport.P2PConnState {
	return transport.P2PConnState(c.state.Load())
}

// OnData registers the callback invoked for every inbound p2p-data message.
// Exported so the owning pipeline.Engine can wire delivery without this
// package needing to import pipeline.
func (c *clientConn) OnData(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = fn
}

func (c *clientConn) deliver(data any) {
	c.mu.Lock()
	fn := c.onData
	c.mu.Unlock()
	if fn == nil {
		return
	}
	switch v := data.(type) {
	case []byte:
		fn(v)
	case string:
		fn([]byte(v))
	}
}
