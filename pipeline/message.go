package pipeline

import (
	"context"
	"sync"

	"cyphertextkit/internal/wire"
	"cyphertextkit/store"
)

// DeliveryState tracks a locally saved message through
// none → delivered → received → read, with undelivered as a terminal
// sink, per §7's propagation rule.
type DeliveryState int

const (
	StateNone DeliveryState = iota
	StateDelivered
	StateReceived
	StateRead
	StateUndelivered
)

const (
	tagMsgSender byte = 's'
	tagMsgState  byte = 't'
	tagMsgBody   byte = 'b'
)

// localMessage is the opaque payload stored inside a store.StoredMessage.
type localMessage struct {
	SenderID string
	State    DeliveryState
	Body     []byte
}

func encodeLocalMessage(m localMessage) []byte {
	w := wire.NewWriter().
		PutBytes(tagMsgSender, []byte(m.SenderID)).
		PutUint32(tagMsgState, uint32(m.State)).
		PutBytes(tagMsgBody, m.Body)
	return w.Bytes()
}

func decodeLocalMessage(data []byte) (localMessage, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return localMessage{}, err
	}
	var m localMessage
	if sender, ok := wire.Lookup(fields, tagMsgSender); ok {
		m.SenderID = string(sender)
	}
	if state, ok, err := wire.Uint32At(fields, tagMsgState); ok {
		if err != nil {
			return localMessage{}, err
		}
		m.State = DeliveryState(state)
	}
	if body, ok := wire.Lookup(fields, tagMsgBody); ok {
		m.Body = body
	}
	return m, nil
}

// orderCounters hands out monotonically increasing per-conversation
// local order values, seeded lazily from the highest order already
// persisted for that conversation.
type orderCounters struct {
	mu      sync.Mutex
	next    map[string]int64
	backing store.Store
}

func newOrderCounters(backing store.Store) *orderCounters {
	return &orderCounters{next: make(map[string]int64), backing: backing}
}

func (o *orderCounters) nextOrder(ctx context.Context, conversation string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, seeded := o.next[conversation]; !seeded {
		existing, err := o.backing.ListChatMessages(ctx, store.MessageQuery{
			Conversation: conversation,
			Sort:         store.SortDescending,
			Limit:        1,
		})
		if err != nil {
			return 0, err
		}
		var max int64 = -1
		if len(existing) > 0 {
			max = existing[0].Order
		}
		o.next[conversation] = max + 1
	}

	v := o.next[conversation]
	o.next[conversation] = v + 1
	return v, nil
}
