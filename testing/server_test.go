package testing

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/mux"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/request"
	"github.com/opd-ai/waweb/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is a bare connection to the server without the lifecycle
// driver on top.
type testClient struct {
	m      *mux.Mux
	res    *crypto.HandshakeResult
	pushes chan node.Node
}

func dialClient(t *testing.T, d transport.Dialer, id *crypto.Identity) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)

	hs, err := crypto.NewHandshake(id, "")
	require.NoError(t, err)
	m := mux.New(conn)
	res, err := m.Handshake(ctx, hs)
	require.NoError(t, err)

	c := &testClient{m: m, res: res, pushes: make(chan node.Node, 16)}
	go m.Run(context.Background(), func(n node.Node) { c.pushes <- n })
	t.Cleanup(func() { m.Close() })
	return c
}

func (c *testClient) next(t *testing.T) node.Node {
	t.Helper()
	select {
	case n := <-c.pushes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no node from server")
		return node.Node{}
	}
}

func (c *testClient) send(t *testing.T, n node.Node) {
	t.Helper()
	require.NoError(t, c.m.WriteNode(context.Background(), n))
}

func TestPairingConfirmation(t *testing.T) {
	srv := NewServer(ServerOptions{})
	defer srv.Close()

	c := dialClient(t, srv.Dialer(), nil)
	require.Equal(t, crypto.ModePair, c.res.Mode)
	assert.ErrorIs(t, srv.ConfirmPairing("sim-999"), ErrUnknownPairing)

	require.NoError(t, srv.ConfirmPairing(c.res.PairingRef))
	success := c.next(t)
	assert.Equal(t, "success", success.Name)
	assert.Equal(t, "15550001111@c.us", success.AttrOr("jid", ""))
	assert.Equal(t, "pair", success.AttrOr("mode", ""))
	assert.True(t, srv.Paired(c.res.Identity.ClientID))
	assert.Equal(t, srv.StaticKey(), c.res.Identity.ServerStatic)
}

func TestRestoreOutcomes(t *testing.T) {
	srv := NewServer(ServerOptions{AutoConfirm: true})
	defer srv.Close()

	paired := dialClient(t, srv.Dialer(), nil)
	require.Equal(t, "success", paired.next(t).Name)
	id := paired.res.Identity

	restored := dialClient(t, srv.Dialer(), id)
	require.Equal(t, crypto.ModeRestore, restored.res.Mode)
	ok := restored.next(t)
	assert.Equal(t, "success", ok.Name)
	assert.Equal(t, "restore", ok.AttrOr("mode", ""))

	srv.FailRestores(1)
	transient := dialClient(t, srv.Dialer(), id)
	fail := transient.next(t)
	assert.Equal(t, "failure", fail.Name)
	assert.Equal(t, ReasonUnavailable, fail.AttrOr("reason", ""))

	srv.HoldRestores(1)
	held := dialClient(t, srv.Dialer(), id)
	select {
	case n := <-held.pushes:
		t.Fatalf("held restore answered with %s", n)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "success", dialClient(t, srv.Dialer(), id).next(t).Name)

	srv.Forget(id.ClientID)
	rejected := dialClient(t, srv.Dialer(), id)
	assert.Equal(t, ReasonIdentityInvalid, rejected.next(t).AttrOr("reason", ""))
}

func TestRestoreChallenge(t *testing.T) {
	srv := NewServer(ServerOptions{AutoConfirm: true, Challenge: true})
	defer srv.Close()

	paired := dialClient(t, srv.Dialer(), nil)
	require.Equal(t, "success", paired.next(t).Name)
	id := paired.res.Identity

	c := dialClient(t, srv.Dialer(), id)
	challenge := c.next(t)
	require.Equal(t, "challenge", challenge.Name)
	sig, err := id.SignChallenge(challenge.Payload())
	require.NoError(t, err)
	c.send(t, node.NewBinary("challenge-response", nil, sig))
	assert.Equal(t, "success", c.next(t).Name)

	bad := dialClient(t, srv.Dialer(), id)
	require.Equal(t, "challenge", bad.next(t).Name)
	bad.send(t, node.NewBinary("challenge-response", nil, make([]byte, len(sig))))
	assert.Equal(t, ReasonIdentityInvalid, bad.next(t).AttrOr("reason", ""))
}

func TestPingAndHandlers(t *testing.T) {
	srv := NewServer(ServerOptions{AutoConfirm: true})
	defer srv.Close()
	srv.Handle("query", func(req node.Node) (node.Node, bool) {
		return node.New("response", node.Attr{Key: "type", Value: req.AttrOr("type", "")}), true
	})

	c := dialClient(t, srv.Dialer(), nil)
	require.Equal(t, "success", c.next(t).Name)

	c.send(t, node.New("ping", node.Attr{Key: request.TagAttr, Value: "p1"}))
	pong := c.next(t)
	assert.Equal(t, "pong", pong.Name)
	assert.Equal(t, "p1", pong.AttrOr(request.TagAttr, ""))

	c.send(t, node.New("query", node.Attr{Key: request.TagAttr, Value: "q1"}, node.Attr{Key: "type", Value: "status"}))
	resp := c.next(t)
	assert.Equal(t, "q1", resp.AttrOr(request.TagAttr, ""))
	assert.Equal(t, "status", resp.AttrOr("type", ""))
	assert.Len(t, srv.Received("query"), 1)

	srv.SetSilent(true)
	c.send(t, node.New("ping", node.Attr{Key: request.TagAttr, Value: "p2"}))
	select {
	case n := <-c.pushes:
		t.Fatalf("silent server answered with %s", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPushAndDisconnect(t *testing.T) {
	srv := NewServer(ServerOptions{AutoConfirm: true})
	defer srv.Close()

	c := dialClient(t, srv.Dialer(), nil)
	require.Equal(t, "success", c.next(t).Name)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, srv.Push(node.New("presence")))
	assert.Equal(t, "presence", c.next(t).Name)

	assert.Equal(t, 1, srv.Disconnect(ReasonReplaced))
	d := c.next(t)
	assert.Equal(t, "disconnect", d.Name)
	assert.Equal(t, ReasonReplaced, d.AttrOr("reason", ""))

	assert.Equal(t, 1, srv.DropConnections())
	select {
	case <-c.m.Done():
	case <-time.After(time.Second):
		t.Fatal("dropped connection still open")
	}
}

func TestTamperedFrameFailsVerification(t *testing.T) {
	srv := NewServer(ServerOptions{AutoConfirm: true})
	defer srv.Close()

	c := dialClient(t, srv.Dialer(), nil)
	require.Equal(t, "success", c.next(t).Name)
	require.Equal(t, 1, srv.SendTampered())

	select {
	case <-c.m.Done():
	case <-time.After(time.Second):
		t.Fatal("tampered frame was accepted")
	}
	assert.True(t, crypto.IsSecurityViolation(c.m.Err()))
}

func TestInjectedFailures(t *testing.T) {
	srv := NewServer(ServerOptions{})
	defer srv.Close()

	srv.FailDials(1)
	_, err := srv.Dialer().Dial(context.Background())
	assert.ErrorIs(t, err, ErrDialRefused)

	srv.RefuseHandshakes(1)
	conn, err := srv.Dialer().Dial(context.Background())
	require.NoError(t, err)
	hs, err := crypto.NewHandshake(nil, "")
	require.NoError(t, err)
	_, err = mux.New(conn).Handshake(context.Background(), hs)
	assert.ErrorIs(t, err, crypto.ErrHandshakeFailed)
	assert.Equal(t, 0, srv.Handshakes())
}

func TestServeHTTP(t *testing.T) {
	srv := NewServer(ServerOptions{AutoConfirm: true})
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	defer srv.Close()

	d := transport.NewWebSocketDialer("ws" + strings.TrimPrefix(httpSrv.URL, "http"))
	c := dialClient(t, d, nil)
	assert.Equal(t, "success", c.next(t).Name)
}
