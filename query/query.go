// Package query builds the request nodes a web client sends: history
// queries, presence, receipts, chat and profile actions, group commands and
// message relay. Builders return untagged nodes; the correlator attaches
// tags on send.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/types"
)

// ErrInvalidArgument indicates a builder argument that cannot be encoded
var ErrInvalidArgument = errors.New("invalid query argument")

// MaxHistoryCount bounds a single history page.
const MaxHistoryCount = 300

// Epoch numbers the "set" actions of one session. The server uses it to
// order actions coming from the same client.
type Epoch struct {
	n atomic.Uint64
}

// Stamp returns n with the next epoch attribute.
func (e *Epoch) Stamp(n node.Node) node.Node {
	return n.WithAttr("epoch", strconv.FormatUint(e.n.Add(1), 10))
}

func set(children ...node.Node) node.Node {
	return node.NewList("action", []node.Attr{{Key: "type", Value: "set"}}, children...)
}

func attr(k, v string) node.Attr { return node.Attr{Key: k, Value: v} }

// MessagesBefore asks for up to count messages of chat older than before.
// An empty before starts at the newest message.
func MessagesBefore(chat types.JID, before types.MessageID, fromMe bool, count int) (node.Node, error) {
	if chat.IsZero() {
		return node.Node{}, fmt.Errorf("%w: empty chat", ErrInvalidArgument)
	}
	if count <= 0 || count > MaxHistoryCount {
		return node.Node{}, fmt.Errorf("%w: count %d outside 1..%d", ErrInvalidArgument, count, MaxHistoryCount)
	}
	attrs := []node.Attr{
		attr("type", "message"),
		attr("kind", "before"),
		attr("jid", chat.MessageString()),
		attr("count", strconv.Itoa(count)),
	}
	if before != "" {
		attrs = append(attrs, attr("index", string(before)), attr("owner", strconv.FormatBool(fromMe)))
	}
	return node.New("query", attrs...), nil
}

// SetPresence announces this client's presence, optionally to one chat.
func SetPresence(status types.PresenceStatus, to types.JID) (node.Node, error) {
	if !status.Valid() {
		return node.Node{}, fmt.Errorf("%w: presence %q", ErrInvalidArgument, status)
	}
	p := node.New("presence", attr("type", string(status)))
	if !to.IsZero() {
		p = p.WithAttr("to", to.MessageString())
	}
	return set(p), nil
}

// SubscribePresence asks for presence updates of jid.
func SubscribePresence(jid types.JID) node.Node {
	return node.New("presence", attr("type", "subscribe"), attr("to", jid.MessageString()))
}

// MarkRead marks the messages of chat up to id as read. participant is set
// for group messages.
func MarkRead(chat types.JID, id types.MessageID, participant types.JID, count int) node.Node {
	r := node.New("read", attr("jid", chat.MessageString()), attr("index", string(id)),
		attr("owner", "false"), attr("count", strconv.Itoa(count)))
	if !participant.IsZero() {
		r = r.WithAttr("participant", participant.MessageString())
	}
	return set(r)
}

// MarkPlayed reports that a voice message was played.
func MarkPlayed(chat types.JID, id types.MessageID, participant types.JID) node.Node {
	r := node.New("received", attr("type", "played"), attr("jid", chat.MessageString()),
		attr("index", string(id)), attr("owner", "false"))
	if !participant.IsZero() {
		r = r.WithAttr("participant", participant.MessageString())
	}
	return set(r)
}

// ChatAction is an action applied to a chat in the chat list.
type ChatAction string

const (
	ChatArchive   ChatAction = "archive"
	ChatUnarchive ChatAction = "unarchive"
	ChatPin       ChatAction = "pin"
	ChatUnpin     ChatAction = "unpin"
	ChatMute      ChatAction = "mute"
	ChatUnmute    ChatAction = "unmute"
	ChatClear     ChatAction = "clear"
	ChatDelete    ChatAction = "delete"
	ChatRead      ChatAction = "read"
	ChatUnread    ChatAction = "unread"
)

// ModifyChat applies action to chat. at is the pin time for ChatPin and the
// expiry for ChatMute; other actions ignore it.
func ModifyChat(chat types.JID, action ChatAction, at time.Time) (node.Node, error) {
	c := node.New("chat", attr("type", string(action)), attr("jid", chat.MessageString()))
	switch action {
	case ChatPin, ChatMute:
		if at.IsZero() {
			return node.Node{}, fmt.Errorf("%w: %s needs a time", ErrInvalidArgument, action)
		}
		c = c.WithAttr(string(action), strconv.FormatInt(at.Unix(), 10))
	case ChatArchive, ChatUnarchive, ChatUnpin, ChatUnmute, ChatClear, ChatDelete:
	case ChatRead:
		c = c.WithAttr("count", "1")
	case ChatUnread:
		c = c.WithAttr("type", "read").WithAttr("count", "-2")
	default:
		return node.Node{}, fmt.Errorf("%w: chat action %q", ErrInvalidArgument, action)
	}
	return set(c), nil
}

// Block blocks or unblocks a user.
func Block(jid types.JID, blocked bool) node.Node {
	kind := "remove"
	if blocked {
		kind = "add"
	}
	return set(node.NewList("block", []node.Attr{attr("type", kind)},
		node.New("user", attr("jid", jid.MessageString()))))
}

// SetStatus changes the profile status text.
func SetStatus(text string) node.Node {
	return set(node.NewBinary("status", nil, []byte(text)))
}

// SetPushName changes the name shown in notifications.
func SetPushName(name string) node.Node {
	return set(node.New("profile", attr("name", name)))
}

// GroupChange is a participant change in a group.
type GroupChange string

const (
	GroupAdd     GroupChange = "add"
	GroupRemove  GroupChange = "remove"
	GroupPromote GroupChange = "promote"
	GroupDemote  GroupChange = "demote"
)

func participants(jids []types.JID) []node.Node {
	out := make([]node.Node, len(jids))
	for i, j := range jids {
		out[i] = node.New("participant", attr("jid", j.MessageString()))
	}
	return out
}

// CreateGroup creates a group with the given subject and members.
func CreateGroup(subject string, members []types.JID) (node.Node, error) {
	if subject == "" || len(members) == 0 {
		return node.Node{}, fmt.Errorf("%w: group needs a subject and members", ErrInvalidArgument)
	}
	g := node.NewList("group", []node.Attr{attr("type", "create"), attr("subject", subject)}, participants(members)...)
	return set(g), nil
}

// ChangeParticipants applies change to members of group.
func ChangeParticipants(group types.JID, change GroupChange, members []types.JID) (node.Node, error) {
	if !group.IsGroup() {
		return node.Node{}, fmt.Errorf("%w: %s is not a group", ErrInvalidArgument, group)
	}
	switch change {
	case GroupAdd, GroupRemove, GroupPromote, GroupDemote:
	default:
		return node.Node{}, fmt.Errorf("%w: group change %q", ErrInvalidArgument, change)
	}
	if len(members) == 0 {
		return node.Node{}, fmt.Errorf("%w: no members", ErrInvalidArgument)
	}
	g := node.NewList("group", []node.Attr{attr("type", string(change)), attr("jid", group.String())}, participants(members)...)
	return set(g), nil
}

// GroupMetadata asks for the subject, owner and members of group.
func GroupMetadata(group types.JID) node.Node {
	return node.New("query", attr("type", "group"), attr("kind", "metadata"), attr("jid", group.String()))
}

// ProfilePicture asks for the picture URL of jid.
func ProfilePicture(jid types.JID) node.Node {
	return node.New("query", attr("type", "picture"), attr("jid", jid.MessageString()))
}

// ProfileStatus asks for the status text of jid.
func ProfileStatus(jid types.JID) node.Node {
	return node.New("query", attr("type", "status"), attr("jid", jid.MessageString()))
}

// MediaConn asks for upload hosts and credentials.
func MediaConn() node.Node {
	return node.New("query", attr("type", "media"))
}

// Relay sends an already encoded message payload to chat. The payload is
// passed through unchanged.
func Relay(chat types.JID, id types.MessageID, payload []byte) (node.Node, error) {
	if len(payload) == 0 {
		return node.Node{}, fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	}
	if id == "" {
		return node.Node{}, fmt.Errorf("%w: empty message id", ErrInvalidArgument)
	}
	msg := node.NewBinary("message", []node.Attr{attr("id", string(id)), attr("jid", chat.MessageString())}, payload)
	return node.NewList("action", []node.Attr{attr("type", "relay")}, msg), nil
}

// Ping is the keepalive request.
func Ping() node.Node { return node.New("ping") }

// Logout unlinks this client.
func Logout() node.Node { return node.New("logout") }

// ChallengeResponse answers a restore challenge.
func ChallengeResponse(signature []byte) node.Node {
	return node.NewBinary("challenge-response", nil, signature)
}
