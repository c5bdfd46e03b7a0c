// Package servertransport implements transport.ServerTransport over plain
// HTTP+JSON against a cyphertextkit-compatible server.
package servertransport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"cyphertextkit/ctkerr"
	"cyphertextkit/envelope"
	"cyphertextkit/identity"
	"cyphertextkit/transport"
)

// Client is a transport.ServerTransport backed by a cyphertextkit server's
// HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string

	state atomic.Int32 // transport.AuthState

	mu     sync.Mutex
	events chan transport.ServerEvent
}

var _ transport.ServerTransport = (*Client)(nil)

// New builds a Client against baseURL, authenticated with authToken (an
// opaque bearer token issued out of band).
func New(baseURL, authToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{baseURL: baseURL, authToken: authToken, httpClient: httpClient, events: make(chan transport.ServerEvent, 64)}
	c.state.Store(int32(transport.Authenticated))
	return c
}

func (c *Client) AuthState() transport.AuthState {
	return transport.AuthState(c.state.Load())
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	const op = "servertransport.do"
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return ctkerr.New(op, ctkerr.InputBad, err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return ctkerr.New(op, ctkerr.InputBad, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.state.Store(int32(transport.AuthFailure))
		return ctkerr.New(op, ctkerr.TransportOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.state.Store(int32(transport.AuthFailure))
		return ctkerr.New(op, ctkerr.TransportOffline, fmt.Errorf("server returned 401"))
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return ctkerr.New(op, ctkerr.TransportOffline, fmt.Errorf("server returned %d: %s", resp.StatusCode, data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type sendSingleRequest struct {
	PeerUser     string `json:"peer_user"`
	PeerDevice   string `json:"peer_device"`
	MessageID    string `json:"message_id"`
	Conversation string `json:"conversation"`
	Envelope     []byte `json:"envelope"`
}

func (c *Client) SendSingle(ctx context.Context, env envelope.Single, peerUser, peerDevice, messageID, conversation string) error {
	return c.do(ctx, http.MethodPost, "/v1/messages/single", sendSingleRequest{
		PeerUser: peerUser, PeerDevice: peerDevice, MessageID: messageID,
		Conversation: conversation, Envelope: env.Encode(),
	}, nil)
}

type sendMultiRequest struct {
	MessageID    string `json:"message_id"`
	Conversation string `json:"conversation"`
	Envelope     []byte `json:"envelope"`
}

func (c *Client) SendMulti(ctx context.Context, env envelope.Multi, messageID, conversation string) error {
	return c.do(ctx, http.MethodPost, "/v1/messages/multi", sendMultiRequest{
		MessageID: messageID, Conversation: conversation, Envelope: env.Encode(),
	}, nil)
}

// SupportsSendMulti is always true: every server this adapter targets
// accepts the fanned-out multi-recipient envelope directly.
func (c *Client) SupportsSendMulti() bool { return true }

type deviceConfigWire struct {
	DeviceID        string `json:"device_id"`
	SigningPublic   []byte `json:"signing_public"`
	AgreementPublic []byte `json:"agreement_public"`
	IsMaster        bool   `json:"is_master"`
}

type userConfigWire struct {
	UserID                string             `json:"user_id"`
	IdentityPublicSigning []byte             `json:"identity_public_signing"`
	Devices               []deviceConfigWire `json:"devices"`
	Signature             []byte             `json:"signature"`
}

func toUserConfigWire(cfg identity.UserConfig) userConfigWire {
	devices := make([]deviceConfigWire, len(cfg.Devices))
	for i, d := range cfg.Devices {
		devices[i] = deviceConfigWire{
			DeviceID: d.DeviceID, SigningPublic: d.SigningPublic,
			AgreementPublic: d.AgreementPublic, IsMaster: d.IsMaster,
		}
	}
	return userConfigWire{
		UserID: cfg.UserID, IdentityPublicSigning: cfg.IdentityPublicSigning,
		Devices: devices, Signature: cfg.Signature,
	}
}

func (w userConfigWire) toUserConfig() identity.UserConfig {
	devices := make([]identity.DeviceConfig, len(w.Devices))
	for i, d := range w.Devices {
		devices[i] = identity.DeviceConfig{
			DeviceID: d.DeviceID, SigningPublic: ed25519.PublicKey(d.SigningPublic),
			AgreementPublic: d.AgreementPublic, IsMaster: d.IsMaster,
		}
	}
	return identity.UserConfig{
		UserID: w.UserID, IdentityPublicSigning: ed25519.PublicKey(w.IdentityPublicSigning),
		Devices: devices, Signature: w.Signature,
	}
}

func (c *Client) ReadKeyBundle(ctx context.Context, user string) (identity.UserConfig, error) {
	var wire userConfigWire
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+user+"/bundle", nil, &wire); err != nil {
		return identity.UserConfig{}, err
	}
	return wire.toUserConfig(), nil
}

func (c *Client) PublishKeyBundle(ctx context.Context, cfg identity.UserConfig) error {
	return c.do(ctx, http.MethodPut, "/v1/users/"+cfg.UserID+"/bundle", toUserConfigWire(cfg), nil)
}

type registerDeviceRequest struct {
	DeviceID        string `json:"device_id"`
	SigningPublic   []byte `json:"signing_public"`
	AgreementPublic []byte `json:"agreement_public"`
	IsMaster        bool   `json:"is_master"`
}

func (c *Client) RequestDeviceRegistration(ctx context.Context, cfg identity.DeviceConfig) error {
	return c.do(ctx, http.MethodPost, "/v1/devices/register", registerDeviceRequest{
		DeviceID: cfg.DeviceID, SigningPublic: cfg.SigningPublic,
		AgreementPublic: cfg.AgreementPublic, IsMaster: cfg.IsMaster,
	}, nil)
}

type blobRequest struct {
	Blob []byte `json:"blob"`
}

func (c *Client) PublishBlob(ctx context.Context, key string, blob []byte) error {
	return c.do(ctx, http.MethodPut, "/v1/blobs/"+key, blobRequest{Blob: blob}, nil)
}

func (c *Client) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	var resp blobRequest
	if err := c.do(ctx, http.MethodGet, "/v1/blobs/"+key, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Blob, nil
}

type receiptRequest struct {
	PeerUser     string `json:"peer_user"`
	PeerDevice   string `json:"peer_device"`
	MessageID    string `json:"message_id"`
	Conversation string `json:"conversation"`
}

func (c *Client) SendReadReceipt(ctx context.Context, peerUser, peerDevice, messageID, conversation string) error {
	return c.do(ctx, http.MethodPost, "/v1/receipts/read", receiptRequest{
		PeerUser: peerUser, PeerDevice: peerDevice, MessageID: messageID, Conversation: conversation,
	}, nil)
}

func (c *Client) SendReceivedReceipt(ctx context.Context, peerUser, peerDevice, messageID, conversation string) error {
	return c.do(ctx, http.MethodPost, "/v1/receipts/received", receiptRequest{
		PeerUser: peerUser, PeerDevice: peerDevice, MessageID: messageID, Conversation: conversation,
	}, nil)
}

// Events returns the channel that Deliver feeds. This adapter runs no
// receive loop of its own (it has no long-lived stream to ride), so events
// appear on the channel only when the embedding application calls Deliver.
func (c *Client) Events(ctx context.Context) (<-chan transport.ServerEvent, error) {
	return c.events, nil
}

// Deliver injects evt onto the events channel, called by whatever
// transport-level push mechanism (webhook handler, long-poll loop) the
// embedding application wires up; it is exported so that glue code outside
// this package can feed events without this package needing to know
// whether they arrived over a webhook, SSE, or long-poll.
func (c *Client) Deliver(ctx context.Context, evt transport.ServerEvent) error {
	select {
	case c.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
