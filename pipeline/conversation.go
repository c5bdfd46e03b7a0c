package pipeline

import (
	"context"

	"cyphertextkit/internal/wire"
	"cyphertextkit/store"
)

const conversationNamespace = "conversation"

// Member identifies one device belonging to a conversation.
type Member struct {
	User   string
	Device string
}

// ConversationRecord is the persisted membership list for a conversation,
// stored as an opaque record under the "conversation" namespace (§6's
// "generic opaque CRUD for contacts and conversations").
type ConversationRecord struct {
	ID      string
	Members []Member
}

const (
	tagConversationMember byte = 'm'
	tagMemberUser         byte = 'u'
	tagMemberDevice       byte = 'd'
)

func encodeConversation(c ConversationRecord) []byte {
	w := wire.NewWriter()
	for _, m := range c.Members {
		mw := wire.NewWriter().PutBytes(tagMemberUser, []byte(m.User)).PutBytes(tagMemberDevice, []byte(m.Device))
		w.PutBytes(tagConversationMember, mw.Bytes())
	}
	return w.Bytes()
}

func decodeConversation(id string, data []byte) (ConversationRecord, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return ConversationRecord{}, err
	}
	c := ConversationRecord{ID: id}
	for _, f := range fields {
		if f.Tag != tagConversationMember {
			continue
		}
		mfields, err := wire.Decode(f.Data)
		if err != nil {
			return ConversationRecord{}, err
		}
		user, _ := wire.Lookup(mfields, tagMemberUser)
		device, _ := wire.Lookup(mfields, tagMemberDevice)
		c.Members = append(c.Members, Member{User: string(user), Device: string(device)})
	}
	return c, nil
}

// LoadConversation fetches a conversation's membership, returning
// (zero, false, nil) if it has never been created.
func LoadConversation(ctx context.Context, backing store.Store, conversationID string) (ConversationRecord, bool, error) {
	payload, found, err := backing.LoadRecord(ctx, conversationNamespace, conversationID)
	if err != nil || !found {
		return ConversationRecord{}, found, err
	}
	rec, err := decodeConversation(conversationID, payload)
	return rec, true, err
}

// SaveConversation persists a conversation's membership list.
func SaveConversation(ctx context.Context, backing store.Store, rec ConversationRecord) error {
	return backing.SaveRecord(ctx, conversationNamespace, rec.ID, encodeConversation(rec))
}

// EnsureConversation loads the conversation if it exists, otherwise
// creates it with the given initial members.
func EnsureConversation(ctx context.Context, backing store.Store, conversationID string, members []Member) (ConversationRecord, error) {
	existing, found, err := LoadConversation(ctx, backing, conversationID)
	if err != nil {
		return ConversationRecord{}, err
	}
	if found {
		return existing, nil
	}
	rec := ConversationRecord{ID: conversationID, Members: members}
	if err := SaveConversation(ctx, backing, rec); err != nil {
		return ConversationRecord{}, err
	}
	return rec, nil
}
