// Package types holds the protocol's small value types: addresses of chats
// and users, message identifiers and acknowledgment levels.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Server suffixes carried after the '@' of an address.
const (
	UserServer      = "c.us"
	LegacyServer    = "s.whatsapp.net"
	GroupServer     = "g.us"
	BroadcastServer = "broadcast"
)

var (
	// ErrInvalidJID indicates an address that cannot be parsed
	ErrInvalidJID = errors.New("invalid jid")
	// ErrInvalidPhoneNumber indicates a phone number with non-digit characters
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
)

// JID addresses a user, a group or a broadcast list.
type JID struct {
	User   string
	Server string
}

// ParseJID parses "user@server". The legacy user server is accepted and
// normalized to UserServer.
func ParseJID(s string) (JID, error) {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return JID{}, fmt.Errorf("%w: %q", ErrInvalidJID, s)
	}
	j := JID{User: s[:at], Server: s[at+1:]}
	switch j.Server {
	case UserServer, GroupServer, BroadcastServer:
	case LegacyServer:
		j.Server = UserServer
	default:
		return JID{}, fmt.Errorf("%w: unknown server %q", ErrInvalidJID, j.Server)
	}
	return j, nil
}

// MustParseJID is ParseJID for constants; it panics on error.
func MustParseJID(s string) JID {
	j, err := ParseJID(s)
	if err != nil {
		panic(err)
	}
	return j
}

// UserJID returns the address of an individual user.
func UserJID(user string) JID { return JID{User: user, Server: UserServer} }

// GroupJID returns the address of a group.
func GroupJID(id string) JID { return JID{User: id, Server: GroupServer} }

// FromPhoneNumber builds a user address from an international number with
// or without the leading '+'.
func FromPhoneNumber(number string) (JID, error) {
	digits := strings.TrimPrefix(number, "+")
	if digits == "" {
		return JID{}, fmt.Errorf("%w: empty", ErrInvalidPhoneNumber)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return JID{}, fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, number)
		}
	}
	return UserJID(digits), nil
}

// PhoneNumber returns "+<user>" for individual users.
func (j JID) PhoneNumber() (string, bool) {
	if j.Server != UserServer {
		return "", false
	}
	return "+" + j.User, true
}

// IsGroup reports whether j addresses a group.
func (j JID) IsGroup() bool { return j.Server == GroupServer }

// IsBroadcast reports whether j addresses a broadcast list.
func (j JID) IsBroadcast() bool { return j.Server == BroadcastServer }

// IsZero reports whether j is the zero value.
func (j JID) IsZero() bool { return j.User == "" && j.Server == "" }

// String formats j in its canonical form.
func (j JID) String() string {
	if j.IsZero() {
		return ""
	}
	return j.User + "@" + j.Server
}

// MessageString formats j the way message keys address it: individual users
// use the legacy server suffix.
func (j JID) MessageString() string {
	if j.Server == UserServer {
		return j.User + "@" + LegacyServer
	}
	return j.String()
}

// MarshalText implements encoding.TextMarshaler.
func (j JID) MarshalText() ([]byte, error) { return []byte(j.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (j *JID) UnmarshalText(b []byte) error {
	parsed, err := ParseJID(string(b))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
