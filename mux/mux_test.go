package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer is the server end of a piped connection after the handshake.
type peer struct {
	conn    transport.Conn
	channel *crypto.Channel
}

func (p *peer) send(t *testing.T, n node.Node) {
	t.Helper()
	data, err := node.Encode(n)
	require.NoError(t, err)
	p.sendRaw(t, data)
}

func (p *peer) sendRaw(t *testing.T, plaintext []byte) {
	t.Helper()
	frame, err := p.channel.Seal(plaintext)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteFrame(frame))
}

func (p *peer) recv(t *testing.T) node.Node {
	t.Helper()
	frame, err := p.conn.ReadFrame()
	require.NoError(t, err)
	plaintext, err := p.channel.Open(frame)
	require.NoError(t, err)
	n, err := node.Decode(plaintext)
	require.NoError(t, err)
	return n
}

type recorder struct {
	mu    sync.Mutex
	nodes []node.Node
}

func (r *recorder) dispatch(n node.Node) {
	r.mu.Lock()
	r.nodes = append(r.nodes, n)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = n.Name
	}
	return out
}

type frameCounter struct {
	mu             sync.Mutex
	received, sent int
	rejected       map[string]int
}

func (f *frameCounter) FrameReceived(int) {
	f.mu.Lock()
	f.received++
	f.mu.Unlock()
}

func (f *frameCounter) FrameSent(int) {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
}

func (f *frameCounter) counts() (received, sent int, rejected map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.rejected))
	for k, v := range f.rejected {
		out[k] = v
	}
	return f.received, f.sent, out
}

func (f *frameCounter) FrameRejected(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected == nil {
		f.rejected = map[string]int{}
	}
	f.rejected[reason]++
}

// connect pairs a fresh client over a pipe and returns the handshaken Mux
// and the server end.
func connect(t *testing.T, opts ...Option) (*Mux, *peer) {
	t.Helper()
	client, server := transport.Pipe()
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	srv := make(chan *peer, 1)
	go func() {
		hello, err := server.ReadFrame()
		if err != nil {
			srv <- nil
			return
		}
		sh, reply, err := crypto.RespondHandshake(static, hello, "ref")
		if err != nil || server.WriteFrame(reply) != nil {
			srv <- nil
			return
		}
		srv <- &peer{conn: server, channel: sh.Channel}
	}()

	m := New(client, opts...)
	hs, err := crypto.NewHandshake(nil, "")
	require.NoError(t, err)
	res, err := m.Handshake(context.Background(), hs)
	require.NoError(t, err)
	require.NotEmpty(t, res.PairingRef)

	p := <-srv
	require.NotNil(t, p)
	t.Cleanup(func() { m.Close() })
	return m, p
}

func runAsync(ctx context.Context, m *Mux, dispatch Dispatcher) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx, dispatch) }()
	return errc
}

func TestWriteBeforeHandshake(t *testing.T) {
	client, _ := transport.Pipe()
	m := New(client)
	assert.ErrorIs(t, m.WriteNode(context.Background(), node.New("ping")), ErrNoChannel)
	assert.ErrorIs(t, m.Run(context.Background(), func(node.Node) {}), ErrNoChannel)
}

func TestRoundTripPreservesOrder(t *testing.T) {
	obs := &frameCounter{}
	m, p := connect(t, WithObserver(obs))
	rec := &recorder{}
	errc := runAsync(context.Background(), m, rec.dispatch)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, m.WriteNode(context.Background(), node.New(fmt.Sprintf("out%d", i))))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("out%d", i), p.recv(t).Name)
	}

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("in%d", i)
		p.send(t, node.New(want[i]))
	}
	require.Eventually(t, func() bool { return len(rec.names()) == n }, time.Second, time.Millisecond)
	assert.Equal(t, want, rec.names())

	m.Close()
	assert.ErrorIs(t, <-errc, ErrClosed)
	received, sent, _ := obs.counts()
	assert.Equal(t, n, sent)
	assert.Equal(t, n, received)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	m, p := connect(t)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.WriteNode(context.Background(), node.New("w", node.Attr{Key: "i", Value: fmt.Sprint(i)})))
		}(i)
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		seen[p.recv(t).AttrOr("i", "")] = true
	}
	wg.Wait()
	assert.Len(t, seen, n, "every frame opened in counter order")
}

func TestMalformedFramesDesynchronize(t *testing.T) {
	obs := &frameCounter{}
	m, p := connect(t, WithMalformedLimit(2), WithObserver(obs))
	rec := &recorder{}
	errc := runAsync(context.Background(), m, rec.dispatch)

	garbage := []byte{node.List8}
	p.sendRaw(t, garbage)
	p.sendRaw(t, garbage)
	p.send(t, node.New("ok"))
	p.sendRaw(t, garbage)
	p.sendRaw(t, garbage)
	p.sendRaw(t, garbage)

	err := <-errc
	require.ErrorIs(t, err, ErrDesynchronized)
	assert.False(t, crypto.IsSecurityViolation(err))
	assert.Equal(t, []string{"ok"}, rec.names(), "a good frame resets the count")
	_, _, rejected := obs.counts()
	assert.Equal(t, 5, rejected["malformed"])
	<-m.Done()
}

func TestTamperedFrameEndsRun(t *testing.T) {
	m, p := connect(t)
	errc := runAsync(context.Background(), m, func(node.Node) {})

	frame, err := p.channel.Seal([]byte{node.ListEmpty})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01
	require.NoError(t, p.conn.WriteFrame(frame))

	err = <-errc
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
	assert.True(t, crypto.IsSecurityViolation(err))
	assert.ErrorIs(t, m.WriteNode(context.Background(), node.New("late")), ErrClosed)
}

func TestReplayedFrameEndsRun(t *testing.T) {
	m, p := connect(t)
	rec := &recorder{}
	errc := runAsync(context.Background(), m, rec.dispatch)

	data, err := node.Encode(node.New("once"))
	require.NoError(t, err)
	frame, err := p.channel.Seal(data)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteFrame(frame))
	require.NoError(t, p.conn.WriteFrame(frame))

	assert.ErrorIs(t, <-errc, crypto.ErrReplayOrOrder)
	assert.Equal(t, []string{"once"}, rec.names())
}

func TestEncodeFailureKeepsConnection(t *testing.T) {
	m, p := connect(t)

	deep := node.New("leaf")
	for i := 0; i < 100; i++ {
		deep = node.NewList("n", nil, deep)
	}
	err := m.WriteNode(context.Background(), deep)
	require.ErrorIs(t, err, node.ErrNodeTooLarge)

	require.NoError(t, m.WriteNode(context.Background(), node.New("after")))
	assert.Equal(t, "after", p.recv(t).Name)
	assert.NoError(t, m.Err())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m, _ := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, m, func(node.Node) {})
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestPeerCloseEndsRun(t *testing.T) {
	m, p := connect(t)
	errc := runAsync(context.Background(), m, func(node.Node) {})
	require.NoError(t, p.conn.Close())
	err := <-errc
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.False(t, errors.Is(err, ErrDesynchronized))
}

func TestHandshakeCancelClosesConnection(t *testing.T) {
	client, _ := transport.Pipe()
	m := New(client)
	hs, err := crypto.NewHandshake(nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Handshake(ctx, hs)
	require.Error(t, err)
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled handshake must close the mux")
	}
}

func TestCloseDuringHandshakeWipesChannel(t *testing.T) {
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		client, server := transport.Pipe()
		m := New(client)
		go func() {
			hello, err := server.ReadFrame()
			if err != nil {
				return
			}
			_, reply, err := crypto.RespondHandshake(static, hello, "ref")
			if err != nil {
				return
			}
			go m.Close()
			_ = server.WriteFrame(reply)
		}()

		hs, err := crypto.NewHandshake(nil, "")
		require.NoError(t, err)
		res, err := m.Handshake(context.Background(), hs)
		m.Close()
		if err != nil {
			continue
		}
		_, err = res.Channel.Seal([]byte("x"))
		assert.ErrorIs(t, err, crypto.ErrChannelClosed, "iteration %d", i)
		server.Close()
	}
}
