// Package event defines the closed set of events a session reports to the
// application and classifies inbound server pushes into them.
package event

import (
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/session"
	"github.com/opd-ai/waweb/types"
)

// Event is implemented by every event type in this package and nowhere else.
type Event interface {
	isEvent()
}

// StateChanged reports a lifecycle transition. Reason is the cause of the
// transition, if any.
type StateChanged struct {
	From, To session.State
	Reason   error
}

// PairingCode carries the reference a phone must scan to link this client.
type PairingCode struct {
	Code string
}

// LoggedIn reports a confirmed login. Identity is set only after pairing and
// is the credential the caller should persist.
type LoggedIn struct {
	JID      types.JID
	Restored bool
	Identity *crypto.Identity
}

// IdentityDiscarded tells the caller to delete its stored credential.
type IdentityDiscarded struct {
	Reason error
}

// SecurityViolation reports a frame that failed authentication or arrived
// out of order. The session terminates after it.
type SecurityViolation struct {
	Err error
}

// MessageReceived is one chat message. Payload is passed through unparsed.
type MessageReceived struct {
	ID          types.MessageID
	Chat        types.JID
	Participant types.JID
	FromMe      bool
	Timestamp   time.Time
	Live        bool
	Payload     []byte
}

// PresenceUpdate reports a contact's availability.
type PresenceUpdate struct {
	JID      types.JID
	Status   types.PresenceStatus
	LastSeen time.Time
}

// ChatChanged reports an action applied to a chat from another device.
type ChatChanged struct {
	JID    types.JID
	Action string
	At     time.Time
}

// Acknowledgment reports delivery progress of one message.
type Acknowledgment struct {
	ID          types.MessageID
	Level       types.AckLevel
	From        types.JID
	To          types.JID
	Participant types.JID
	Time        time.Time
}

// BatteryLevel reports the phone battery.
type BatteryLevel struct {
	Percent  int
	Charging bool
}

// Contact is one address book entry.
type Contact struct {
	JID    types.JID
	Name   string
	Notify string
}

// ContactsSnapshot is the initial address book.
type ContactsSnapshot struct {
	Contacts []Contact
}

// Chat is one entry of the chat list.
type Chat struct {
	JID          types.JID
	Name         string
	LastActivity time.Time
	Unread       int
	PinnedAt     time.Time
	MutedUntil   time.Time
	ReadOnly     bool
	Spam         bool
}

// ChatsSnapshot is the initial chat list.
type ChatsSnapshot struct {
	Chats []Chat
}

// Unrecognized carries a node no other event describes. Err is set when the
// node looked familiar but could not be parsed.
type Unrecognized struct {
	Node node.Node
	Err  error
}

func (StateChanged) isEvent()      {}
func (PairingCode) isEvent()       {}
func (LoggedIn) isEvent()          {}
func (IdentityDiscarded) isEvent() {}
func (SecurityViolation) isEvent() {}
func (MessageReceived) isEvent()   {}
func (PresenceUpdate) isEvent()    {}
func (ChatChanged) isEvent()       {}
func (Acknowledgment) isEvent()    {}
func (BatteryLevel) isEvent()      {}
func (ContactsSnapshot) isEvent()  {}
func (ChatsSnapshot) isEvent()     {}
func (Unrecognized) isEvent()      {}
