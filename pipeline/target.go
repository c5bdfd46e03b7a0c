// Package pipeline orchestrates devicestore, envelope, jobqueue,
// transport, store, and eventhandler into the send/receive flow from
// §4.6: targeting a conversation, enqueuing the right task kind, and
// executing sends and receives against the per-device ratchet sessions.
package pipeline

import (
	"fmt"

	"cyphertextkit/identity"
)

// TargetKind is the discriminant of a Target.
type TargetKind int

const (
	TargetCurrentUser TargetKind = iota
	TargetOtherUser
	TargetGroup
)

// Target names a message's destination as exactly one of
// {current_user, other_user(name), group(id)}, per §4.6.
type Target struct {
	Kind    TargetKind
	Name    string // other_user's user id, ignored for current_user/group
	GroupID string // group's id, ignored for current_user/other_user
}

// CurrentUserTarget addresses this user's own other devices, used for
// cross-device sync and internal protocol traffic.
func CurrentUserTarget() Target { return Target{Kind: TargetCurrentUser} }

// OtherUserTarget addresses a direct conversation with another user.
func OtherUserTarget(userID string) Target {
	return Target{Kind: TargetOtherUser, Name: identity.NormalizeUserIdentifier(userID)}
}

// GroupTarget addresses a group conversation.
func GroupTarget(groupID string) Target { return Target{Kind: TargetGroup, GroupID: groupID} }

// ConversationID derives the stable conversation identifier a Target
// resolves to. For current_user and other_user targets this is a
// function of the local user id so both ends of a pairwise conversation
// agree on it; for groups it's the group id itself.
func (t Target) ConversationID(localUser string) string {
	switch t.Kind {
	case TargetCurrentUser:
		return "self:" + identity.NormalizeUserIdentifier(localUser)
	case TargetOtherUser:
		return "dm:" + pairKey(identity.NormalizeUserIdentifier(localUser), t.Name)
	case TargetGroup:
		return "group:" + t.GroupID
	default:
		return ""
	}
}

// pairKey returns a deterministic, order-independent key for two user
// ids so both participants derive the same conversation id.
func pairKey(a, b string) string {
	if a <= b {
		return fmt.Sprintf("%s|%s", a, b)
	}
	return fmt.Sprintf("%s|%s", b, a)
}
