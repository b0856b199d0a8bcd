// Package mux drives one connection: it runs the handshake on raw frames,
// then reads, opens, decodes and dispatches inbound frames in arrival order
// while a single writer goroutine encodes, seals and writes outbound nodes in
// submission order.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/limits"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/transport"
	"github.com/sirupsen/logrus"
)

// DefaultMalformedLimit is the number of consecutive undecodable frames
// tolerated before the stream is declared desynchronized.
const DefaultMalformedLimit = 3

var (
	// ErrDesynchronized indicates repeated malformed frames on one connection
	ErrDesynchronized = errors.New("stream desynchronized")
	// ErrClosed indicates use of a closed multiplexer
	ErrClosed = errors.New("multiplexer closed")
	// ErrNoChannel indicates Run or WriteNode before a successful handshake
	ErrNoChannel = errors.New("handshake not completed")
)

// Observer receives per-frame notifications. Implementations must not block.
type Observer interface {
	FrameReceived(size int)
	FrameSent(size int)
	FrameRejected(reason string)
}

// Dispatcher receives each decoded inbound node. It is called from the
// reader goroutine and must not block.
type Dispatcher func(n node.Node)

// Option configures a Mux.
type Option func(*Mux)

// WithMalformedLimit sets the consecutive malformed frame limit.
func WithMalformedLimit(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.malformedLimit = n
		}
	}
}

// WithObserver reports frame traffic, typically to metrics.
func WithObserver(o Observer) Option {
	return func(m *Mux) { m.observer = o }
}

// WithQueueSize sets the outbound queue depth.
func WithQueueSize(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

type outbound struct {
	n      node.Node
	result chan error
}

// Mux owns a transport connection and its channel.
type Mux struct {
	conn    transport.Conn
	channel *crypto.Channel

	malformedLimit int
	queueSize      int
	observer       Observer

	queue     chan outbound
	done      chan struct{}
	writerWG  sync.WaitGroup
	closeOnce sync.Once
	runOnce   sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// New wraps conn. Nothing is read or written until Handshake.
func New(conn transport.Conn, opts ...Option) *Mux {
	m := &Mux{
		conn:           conn,
		malformedLimit: DefaultMalformedLimit,
		queueSize:      64,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = make(chan outbound, m.queueSize)
	return m
}

// Handshake runs the key exchange directly on raw frames and installs the
// resulting channel. Cancelling ctx closes the connection.
func (m *Mux) Handshake(ctx context.Context, hs *crypto.Handshake) (*crypto.HandshakeResult, error) {
	if m.currentChannel() != nil {
		return nil, fmt.Errorf("%w: handshake already completed", crypto.ErrHandshakeFailed)
	}
	stop := context.AfterFunc(ctx, func() { m.Close() })
	defer stop()

	res, err := hs.Run(ctx, m.conn)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		res.Channel.Close()
		return nil, fmt.Errorf("%w: %v", crypto.ErrHandshakeFailed, ErrClosed)
	}
	m.channel = res.Channel
	m.mu.Unlock()
	m.writerWG.Add(1)
	go m.writeLoop()
	return res, nil
}

// Run reads frames until the connection fails, ctx ends or Close is
// called. Each frame is opened, decoded and dispatched before the next is
// read. Authentication and ordering failures end Run immediately; malformed
// nodes are dropped until the consecutive limit is exceeded. Run closes the
// Mux on return and reports the first failure.
func (m *Mux) Run(ctx context.Context, dispatch Dispatcher) error {
	if m.currentChannel() == nil {
		return ErrNoChannel
	}
	err := ErrClosed
	m.runOnce.Do(func() { err = m.run(ctx, dispatch) })
	return err
}

func (m *Mux) run(ctx context.Context, dispatch Dispatcher) error {
	stop := context.AfterFunc(ctx, func() { m.fail(ctx.Err()) })
	defer stop()

	log := logrus.WithFields(logrus.Fields{"function": "Run", "package": "mux"})
	malformed := 0
	for {
		frame, err := m.conn.ReadFrame()
		if err != nil {
			return m.fail(fmt.Errorf("read frame: %w", err))
		}
		if m.observer != nil {
			m.observer.FrameReceived(len(frame))
		}

		plaintext, err := m.channel.Open(frame)
		if err != nil {
			m.reject("open")
			log.WithError(err).Warn("Rejecting frame that failed verification")
			return m.fail(err)
		}

		n, err := node.Decode(plaintext)
		if err != nil {
			malformed++
			m.reject("malformed")
			log.WithFields(logrus.Fields{"consecutive": malformed, "error": err.Error()}).Warn("Dropping malformed frame")
			if malformed > m.malformedLimit {
				return m.fail(fmt.Errorf("%w: %d consecutive malformed frames: %v", ErrDesynchronized, malformed, err))
			}
			continue
		}
		malformed = 0
		dispatch(n)
	}
}

// WriteNode queues n for the writer and waits until it has been written.
// Encoding failures are returned to the caller without affecting the
// connection; seal and transport failures close the Mux.
func (m *Mux) WriteNode(ctx context.Context, n node.Node) error {
	if m.currentChannel() == nil {
		return ErrNoChannel
	}
	req := outbound{n: n, result: make(chan error, 1)}
	select {
	case m.queue <- req:
	case <-m.done:
		return m.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-m.done:
		return m.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mux) writeLoop() {
	defer m.writerWG.Done()
	for {
		select {
		case req := <-m.queue:
			err := m.writeOne(req.n)
			req.result <- err
		case <-m.done:
			return
		}
	}
}

func (m *Mux) writeOne(n node.Node) error {
	data, err := node.Encode(n)
	if err != nil {
		return err
	}
	if err := limits.ValidateNode(data); err != nil {
		return err
	}
	frame, err := m.channel.Seal(data)
	if err != nil {
		return m.fail(fmt.Errorf("seal: %w", err))
	}
	if err := m.conn.WriteFrame(frame); err != nil {
		return m.fail(fmt.Errorf("write frame: %w", err))
	}
	if m.observer != nil {
		m.observer.FrameSent(len(frame))
	}
	return nil
}

// Done is closed once the Mux has shut down.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the first failure, or nil while the Mux is running.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close shuts the connection and wipes the channel keys. It is idempotent.
func (m *Mux) Close() error {
	m.fail(ErrClosed)
	return nil
}

// fail records the first error, shuts everything down and returns the
// recorded error.
func (m *Mux) fail(err error) error {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	first := m.err
	m.closed = true
	ch := m.channel
	m.mu.Unlock()

	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.Close()
		if ch != nil {
			ch.Close()
		}
	})
	return first
}

// currentChannel returns the installed channel, or nil before the handshake.
func (m *Mux) currentChannel() *crypto.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Mux) closedErr() error {
	if err := m.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (m *Mux) reject(reason string) {
	if m.observer != nil {
		m.observer.FrameRejected(reason)
	}
}
