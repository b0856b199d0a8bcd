package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/waweb/limits"
)

// TCPDialer connects to a stream endpoint carrying length-prefixed frames.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

// Dial opens the TCP connection.
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return NewTCPConn(c), nil
}

// TCPConn frames a byte stream with a 4-byte big-endian length prefix.
type TCPConn struct {
	conn      net.Conn
	header    [4]byte
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewTCPConn wraps an established stream connection.
func NewTCPConn(c net.Conn) *TCPConn {
	return &TCPConn{conn: c}
}

// ReadFrame reads one length-prefixed frame. Short reads are retried until
// the whole frame has arrived.
func (t *TCPConn) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(t.conn, t.header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(t.header[:])
	if length == 0 {
		return nil, limits.ErrFrameEmpty
	}
	if length > limits.MaxFrameSize {
		return nil, fmt.Errorf("%w: announced size %d exceeds limit %d", limits.ErrFrameTooLarge, length, limits.MaxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(t.conn, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// WriteFrame writes the length prefix and frame with a 5 second deadline.
// The connection is closed on a failed write since the stream is no longer aligned.
func (t *TCPConn) WriteFrame(frame []byte) error {
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	if _, err := t.conn.Write(buf); err != nil {
		t.Close()
		return err
	}
	return nil
}

// Close closes the underlying stream.
func (t *TCPConn) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
