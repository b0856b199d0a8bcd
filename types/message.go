package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// messageIDPrefix marks identifiers generated by a web client.
var messageIDPrefix = [2]byte{0x3E, 0xB0}

// MessageID identifies a message within a chat.
type MessageID string

// NewMessageID returns a random web client message id: the 3EB0 prefix
// followed by ten random bytes, upper-case hex.
func NewMessageID() (MessageID, error) {
	var raw [12]byte
	copy(raw[:], messageIDPrefix[:])
	if _, err := rand.Read(raw[2:]); err != nil {
		return "", fmt.Errorf("message id: %w", err)
	}
	return MessageID(strings.ToUpper(hex.EncodeToString(raw[:]))), nil
}

// AckLevel is the delivery progress of a message.
type AckLevel int

const (
	AckPending AckLevel = iota
	AckSent
	AckReceived
	AckRead
	AckPlayed
)

var ackNames = [...]string{"pending", "sent", "received", "read", "played"}

func (l AckLevel) String() string {
	if l >= 0 && int(l) < len(ackNames) {
		return ackNames[l]
	}
	return fmt.Sprintf("AckLevel(%d)", int(l))
}

// ParseAckLevel parses the numeric "ack" attribute of receipts.
func ParseAckLevel(s string) (AckLevel, error) {
	if len(s) == 1 && s[0] >= '0' && s[0] <= '4' {
		return AckLevel(s[0] - '0'), nil
	}
	return 0, fmt.Errorf("invalid ack level %q", s)
}

// AckLevelFromReceipt maps a receipt type ("delivery", "read", "played")
// to its level.
func AckLevelFromReceipt(kind string) (AckLevel, bool) {
	switch kind {
	case "", "delivery":
		return AckReceived, true
	case "read":
		return AckRead, true
	case "played":
		return AckPlayed, true
	}
	return 0, false
}

// PresenceStatus is a contact's availability.
type PresenceStatus string

const (
	PresenceUnavailable PresenceStatus = "unavailable"
	PresenceAvailable   PresenceStatus = "available"
	PresenceComposing   PresenceStatus = "composing"
	PresenceRecording   PresenceStatus = "recording"
	PresencePaused      PresenceStatus = "paused"
)

// Valid reports whether p is a known status.
func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceUnavailable, PresenceAvailable, PresenceComposing, PresenceRecording, PresencePaused:
		return true
	}
	return false
}
