package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/opd-ai/waweb/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopConn answers the client hello by invoking respond.
type loopConn struct {
	hello   []byte
	respond func(hello []byte) ([]byte, error)
}

func (c *loopConn) WriteFrame(frame []byte) error {
	c.hello = append([]byte(nil), frame...)
	return nil
}

func (c *loopConn) ReadFrame() ([]byte, error) {
	return c.respond(c.hello)
}

type testServer struct {
	static *KeyPair
	last   *ServerHandshake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return &testServer{static: kp}
}

func (s *testServer) conn(t *testing.T) *loopConn {
	return &loopConn{respond: func(hello []byte) ([]byte, error) {
		sh, reply, err := RespondHandshake(s.static, hello, "ref-1")
		require.NoError(t, err)
		s.last = sh
		return reply, nil
	}}
}

func pair(t *testing.T, srv *testServer) *HandshakeResult {
	t.Helper()
	hs, err := NewHandshake(nil, "")
	require.NoError(t, err)
	require.Equal(t, ModePair, hs.Mode())
	res, err := hs.Run(context.Background(), srv.conn(t))
	require.NoError(t, err)
	return res
}

func TestPairingHandshake(t *testing.T) {
	srv := newTestServer(t)
	res := pair(t, srv)

	assert.Equal(t, ModePair, res.Mode)
	assert.Equal(t, srv.static.Public, res.Identity.ServerStatic)
	assert.Equal(t, res.Identity.ClientID, srv.last.ClientID)
	assert.Equal(t, res.Identity.Public, srv.last.ClientIdentity)
	assert.Equal(t, DefaultClientVersion, srv.last.Version)
	assert.False(t, srv.last.VerifyProof(), "pairing carries no proof")

	parts := strings.Split(res.PairingRef, ",")
	require.Len(t, parts, 3)
	assert.Equal(t, "ref-1", parts[0])
	assert.Equal(t, base64.StdEncoding.EncodeToString(res.Identity.Public[:]), parts[1])
	assert.Equal(t, res.Identity.ClientIDString(), parts[2])

	// Both ends derived matching keys.
	frame, err := res.Channel.Seal([]byte("client to server"))
	require.NoError(t, err)
	got, err := srv.last.Channel.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, "client to server", string(got))

	frame, err = srv.last.Channel.Seal([]byte("server to client"))
	require.NoError(t, err)
	got, err = res.Channel.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, "server to client", string(got))
}

func TestRestoreHandshake(t *testing.T) {
	srv := newTestServer(t)
	id := pair(t, srv).Identity

	hs, err := NewHandshake(id, "")
	require.NoError(t, err)
	require.Equal(t, ModeRestore, hs.Mode())
	res, err := hs.Run(context.Background(), srv.conn(t))
	require.NoError(t, err)

	assert.Equal(t, ModeRestore, res.Mode)
	assert.Empty(t, res.PairingRef)
	assert.True(t, srv.last.VerifyProof())
	assert.Equal(t, id.ClientID, srv.last.ClientID)

	challenge := []byte("server-challenge")
	resp, err := res.Identity.SignChallenge(challenge)
	require.NoError(t, err)
	assert.True(t, srv.last.VerifyChallenge(challenge, resp))
	assert.False(t, srv.last.VerifyChallenge([]byte("other"), resp))
}

func TestRestoreProofIsBoundToPresentedKey(t *testing.T) {
	srv := newTestServer(t)
	id := pair(t, srv).Identity

	forged, err := NewIdentity()
	require.NoError(t, err)
	forged.ClientID = id.ClientID
	forged.ServerStatic = id.ServerStatic

	hs, err := NewHandshake(forged, "")
	require.NoError(t, err)
	_, err = hs.Run(context.Background(), srv.conn(t))
	require.NoError(t, err)

	// The proof is valid for the forged key, so the server must also check the
	// identity key it has on record for the client id.
	assert.True(t, srv.last.VerifyProof())
	assert.NotEqual(t, id.Public, srv.last.ClientIdentity)
}

func TestRestoreRejectsChangedServerKey(t *testing.T) {
	srv := newTestServer(t)
	id := pair(t, srv).Identity

	other := newTestServer(t)
	hs, err := NewHandshake(id, "")
	require.NoError(t, err)
	_, err = hs.Run(context.Background(), other.conn(t))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeServerRejection(t *testing.T) {
	hs, err := NewHandshake(nil, "")
	require.NoError(t, err)
	conn := &loopConn{respond: func([]byte) ([]byte, error) {
		return RejectHandshake("unsupported-version"), nil
	}}
	_, err = hs.Run(context.Background(), conn)

	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "unsupported-version", rej.Reason)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeEOF(t *testing.T) {
	hs, err := NewHandshake(nil, "")
	require.NoError(t, err)
	conn := &loopConn{respond: func([]byte) ([]byte, error) { return nil, io.EOF }}
	_, err = hs.Run(context.Background(), conn)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeMalformedReplies(t *testing.T) {
	replies := map[string][]byte{
		"garbage":      {0xde, 0xad},
		"wrong node":   mustEncode(t, node.New("pong")),
		"missing keys": mustEncode(t, node.NewList("hello", nil)),
		"short key":    mustEncode(t, node.NewList("hello", nil, node.NewBinary("ephemeral", nil, []byte{1}), node.NewBinary("static", nil, []byte{1}))),
		"zero key":     mustEncode(t, node.NewList("hello", nil, node.NewBinary("ephemeral", nil, make([]byte, 32)), node.NewBinary("static", nil, make([]byte, 32)))),
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			hs, err := NewHandshake(nil, "")
			require.NoError(t, err)
			conn := &loopConn{respond: func([]byte) ([]byte, error) { return reply, nil }}
			_, err = hs.Run(context.Background(), conn)
			assert.ErrorIs(t, err, ErrHandshakeFailed)
		})
	}
}

func TestHandshakeHonoursCancelledContext(t *testing.T) {
	hs, err := NewHandshake(nil, "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = hs.Run(ctx, &loopConn{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRespondHandshakeRejectsBadHello(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := RespondHandshake(srv.static, mustEncode(t, node.New("hello", node.Attr{Key: "mode", Value: "pair"})), "r")
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	_, _, err = RespondHandshake(srv.static, mustEncode(t, node.New("ping")), "r")
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func mustEncode(t *testing.T, n node.Node) []byte {
	t.Helper()
	b, err := node.Encode(n)
	require.NoError(t, err)
	return b
}
