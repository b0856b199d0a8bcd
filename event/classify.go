package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/types"
	"github.com/sirupsen/logrus"
)

// ErrNotHistory indicates a node that is not a message history response
var ErrNotHistory = errors.New("not a message history response")

// Relay kinds of the "add" attribute on message actions. Only relayed
// messages are live; the others replay stored history.
const (
	AddRelay  = "relay"
	AddLast   = "last"
	AddBefore = "before"
	AddUnread = "unread"
)

// Classify maps one server push to application events. Nodes with no known
// meaning become Unrecognized; Classify never drops a node.
func Classify(n node.Node) []Event {
	switch n.Name {
	case "action":
		return classifyAction(n)
	case "response":
		return classifyResponse(n)
	case "presence":
		ev, err := parsePresence(n)
		if err != nil {
			return unrecognized(n, err)
		}
		return []Event{ev}
	case "ack":
		level, err := types.ParseAckLevel(n.AttrOr("ack", ""))
		if err != nil {
			return unrecognized(n, err)
		}
		acks, err := parseAck(n, level)
		if err != nil {
			return unrecognized(n, err)
		}
		return acks
	case "receipt":
		level, ok := types.AckLevelFromReceipt(n.AttrOr("type", ""))
		if !ok {
			return unrecognized(n, fmt.Errorf("unknown receipt type %q", n.AttrOr("type", "")))
		}
		acks, err := parseAck(n, level)
		if err != nil {
			return unrecognized(n, err)
		}
		return acks
	}
	return []Event{Unrecognized{Node: n}}
}

// MessagesFromResponse extracts the messages of a history query reply in
// server order.
func MessagesFromResponse(n node.Node) ([]MessageReceived, error) {
	if n.Name != "response" || n.AttrOr("type", "") != "message" {
		return nil, fmt.Errorf("%w: <%s type=%q>", ErrNotHistory, n.Name, n.AttrOr("type", ""))
	}
	msgs := make([]MessageReceived, 0, len(n.Children()))
	for i, child := range n.ChildrenNamed("message") {
		m, err := parseMessage(child, false)
		if err != nil {
			return nil, fmt.Errorf("history message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func classifyAction(n node.Node) []Event {
	children := n.Children()
	if len(children) == 0 {
		return []Event{Unrecognized{Node: n}}
	}
	live := n.AttrOr("add", "") == AddRelay
	events := make([]Event, 0, len(children))
	for _, child := range children {
		var (
			ev  Event
			err error
		)
		switch child.Name {
		case "message":
			ev, err = parseMessage(child, live)
		case "battery":
			ev, err = parseBattery(child)
		case "chat":
			ev, err = parseChatAction(child)
		default:
			ev = Unrecognized{Node: child}
		}
		if err != nil {
			ev = Unrecognized{Node: child, Err: err}
			logClassifyError(child, err)
		}
		events = append(events, ev)
	}
	return events
}

func classifyResponse(n node.Node) []Event {
	switch n.AttrOr("type", "") {
	case "contacts":
		snap := ContactsSnapshot{Contacts: make([]Contact, 0, len(n.Children()))}
		for _, u := range n.ChildrenNamed("user") {
			jid, err := types.ParseJID(u.AttrOr("jid", ""))
			if err != nil {
				return unrecognized(n, err)
			}
			snap.Contacts = append(snap.Contacts, Contact{JID: jid, Name: u.AttrOr("name", ""), Notify: u.AttrOr("notify", "")})
		}
		return []Event{snap}
	case "chat":
		snap := ChatsSnapshot{Chats: make([]Chat, 0, len(n.Children()))}
		for _, c := range n.ChildrenNamed("chat") {
			chat, err := parseChat(c)
			if err != nil {
				return unrecognized(n, err)
			}
			snap.Chats = append(snap.Chats, chat)
		}
		return []Event{snap}
	case "message":
		msgs, err := MessagesFromResponse(n)
		if err != nil {
			return unrecognized(n, err)
		}
		events := make([]Event, len(msgs))
		for i, m := range msgs {
			events[i] = m
		}
		return events
	}
	return []Event{Unrecognized{Node: n}}
}

func parseMessage(n node.Node, live bool) (MessageReceived, error) {
	chat, err := types.ParseJID(n.AttrOr("jid", ""))
	if err != nil {
		return MessageReceived{}, err
	}
	m := MessageReceived{
		ID:      types.MessageID(n.AttrOr("id", "")),
		Chat:    chat,
		FromMe:  n.AttrOr("from_me", "") == "true",
		Live:    live,
		Payload: n.Payload(),
	}
	if m.ID == "" {
		return MessageReceived{}, errors.New("message without id")
	}
	if p, ok := n.Attr("participant"); ok {
		if m.Participant, err = types.ParseJID(p); err != nil {
			return MessageReceived{}, err
		}
	}
	if m.Timestamp, err = parseUnix(n, "t"); err != nil {
		return MessageReceived{}, err
	}
	return m, nil
}

func parsePresence(n node.Node) (PresenceUpdate, error) {
	jid, err := types.ParseJID(n.AttrOr("jid", ""))
	if err != nil {
		return PresenceUpdate{}, err
	}
	status := types.PresenceStatus(n.AttrOr("type", string(types.PresenceAvailable)))
	if !status.Valid() {
		return PresenceUpdate{}, fmt.Errorf("unknown presence %q", status)
	}
	seen, err := parseUnix(n, "t")
	if err != nil {
		return PresenceUpdate{}, err
	}
	return PresenceUpdate{JID: jid, Status: status, LastSeen: seen}, nil
}

// parseAck expands an ack or receipt naming one or more comma separated
// message ids into one Acknowledgment per id.
func parseAck(n node.Node, level types.AckLevel) ([]Event, error) {
	var err error
	base := Acknowledgment{Level: level}
	if base.From, err = types.ParseJID(n.AttrOr("from", "")); err != nil {
		return nil, err
	}
	if base.To, err = types.ParseJID(n.AttrOr("to", "")); err != nil {
		return nil, err
	}
	if p, ok := n.Attr("participant"); ok {
		if base.Participant, err = types.ParseJID(p); err != nil {
			return nil, err
		}
	}
	if base.Time, err = parseUnix(n, "t"); err != nil {
		return nil, err
	}
	ids := strings.Split(n.AttrOr("id", ""), ",")
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, errors.New("ack without id")
		}
		ack := base
		ack.ID = types.MessageID(id)
		events = append(events, ack)
	}
	return events, nil
}

func parseBattery(n node.Node) (BatteryLevel, error) {
	v, err := strconv.Atoi(n.AttrOr("value", ""))
	if err != nil || v < 0 || v > 100 {
		return BatteryLevel{}, fmt.Errorf("invalid battery value %q", n.AttrOr("value", ""))
	}
	return BatteryLevel{Percent: v, Charging: n.AttrOr("live", "") == "true"}, nil
}

func parseChatAction(n node.Node) (ChatChanged, error) {
	jid, err := types.ParseJID(n.AttrOr("jid", ""))
	if err != nil {
		return ChatChanged{}, err
	}
	action := n.AttrOr("type", "")
	if action == "" {
		return ChatChanged{}, errors.New("chat action without type")
	}
	at, err := parseUnix(n, "t")
	if err != nil {
		return ChatChanged{}, err
	}
	return ChatChanged{JID: jid, Action: action, At: at}, nil
}

func parseChat(n node.Node) (Chat, error) {
	jid, err := types.ParseJID(n.AttrOr("jid", ""))
	if err != nil {
		return Chat{}, err
	}
	c := Chat{
		JID:      jid,
		Name:     n.AttrOr("name", ""),
		ReadOnly: n.AttrOr("read_only", "") == "true",
		Spam:     n.AttrOr("spam", "") == "true",
	}
	if s, ok := n.Attr("count"); ok {
		if c.Unread, err = strconv.Atoi(s); err != nil {
			return Chat{}, fmt.Errorf("invalid unread count %q", s)
		}
	}
	if c.LastActivity, err = parseUnix(n, "t"); err != nil {
		return Chat{}, err
	}
	if c.PinnedAt, err = parseUnix(n, "pin"); err != nil {
		return Chat{}, err
	}
	if c.MutedUntil, err = parseUnix(n, "mute"); err != nil {
		return Chat{}, err
	}
	return c, nil
}

// parseUnix reads a unix seconds attribute. Missing and zero values yield
// the zero time.
func parseUnix(n node.Node, key string) (time.Time, error) {
	s, ok := n.Attr(key)
	if !ok || s == "" || s == "0" {
		return time.Time{}, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q", key, s)
	}
	return time.Unix(v, 0), nil
}

func unrecognized(n node.Node, err error) []Event {
	logClassifyError(n, err)
	return []Event{Unrecognized{Node: n, Err: err}}
}

func logClassifyError(n node.Node, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Classify",
		"package":  "event",
		"node":     n.Name,
		"error":    err.Error(),
	}).Debug("Could not parse server push")
}
