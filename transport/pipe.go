package transport

import (
	"sync"
)

// pipeEnd is one side of an in-memory frame pipe.
type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState

	localOnce sync.Once
	local     chan struct{}
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-memory connections. Frames are copied and
// delivered in order. Closing either end closes both; frames already sent
// to an end that did not close itself can still be read before ErrClosed.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	st := &pipeState{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: st, local: make(chan struct{})},
		&pipeEnd{in: ab, out: ba, state: st, local: make(chan struct{})}
}

func (p *pipeEnd) ReadFrame() ([]byte, error) {
	select {
	case <-p.local:
		return nil, ErrClosed
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.state.closed:
	}
	select {
	case <-p.local:
		return nil, ErrClosed
	case f := <-p.in:
		return f, nil
	default:
		return nil, ErrClosed
	}
}

func (p *pipeEnd) WriteFrame(frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.state.closed:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.localOnce.Do(func() { close(p.local) })
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
