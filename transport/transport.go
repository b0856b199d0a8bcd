package transport

import (
	"context"
	"errors"
)

// ErrClosed indicates an operation on a closed connection.
var ErrClosed = errors.New("transport closed")

// Conn is a message-framed duplex connection. ReadFrame is called from a
// single reader goroutine and WriteFrame from a single writer goroutine;
// Close may be called from anywhere and unblocks both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens a new connection to the remote endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
