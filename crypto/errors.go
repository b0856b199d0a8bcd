package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed indicates a sealed frame whose integrity tag did not verify
	ErrAuthenticationFailed = errors.New("frame authentication failed")
	// ErrReplayOrOrder indicates a frame carrying a counter other than the next expected one
	ErrReplayOrOrder = errors.New("frame replayed or out of order")
	// ErrHandshakeFailed indicates the key exchange could not be completed
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrChannelClosed indicates use of a channel after Close
	ErrChannelClosed = errors.New("channel closed")
	// ErrInvalidIdentity indicates identity material that cannot be used for a restore
	ErrInvalidIdentity = errors.New("invalid identity")
)

// RejectionError is returned when the server answers the client hello with a
// failure node. It matches ErrHandshakeFailed under errors.Is.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("handshake rejected by server: %s", e.Reason)
}

// Unwrap returns ErrHandshakeFailed.
func (e *RejectionError) Unwrap() error {
	return ErrHandshakeFailed
}

// IsSecurityViolation reports whether err crossed the channel's integrity boundary.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrReplayOrOrder)
}
