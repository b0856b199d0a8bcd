package testing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/request"
	"github.com/opd-ai/waweb/transport"
	"github.com/opd-ai/waweb/types"
	"github.com/sirupsen/logrus"
)

// Failure reasons pushed by the server.
const (
	ReasonIdentityInvalid = "identity-invalid"
	ReasonUnavailable     = "unavailable"
	ReasonReplaced        = "replaced"
	ReasonRemoved         = "removed"
)

var (
	// ErrUnknownPairing indicates a pairing code no connection is waiting on
	ErrUnknownPairing = errors.New("unknown pairing code")
	// ErrDialRefused is returned by the simulated dialer when told to fail
	ErrDialRefused = errors.New("simulated dial failure")
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// JID is assigned to every paired client (default 15550001111@c.us).
	JID types.JID
	// AutoConfirm confirms pairings without a ConfirmPairing call.
	AutoConfirm bool
	// Challenge challenges every restore before accepting it.
	Challenge bool
	// StaticKey is the server static key pair (default: generated).
	StaticKey *crypto.KeyPair
}

// Handler answers a request node. Returning false sends no reply. The
// request tag is copied onto replies that carry none.
type Handler func(req node.Node) (node.Node, bool)

type device struct {
	identity [crypto.KeySize]byte
	jid      types.JID
}

// Server is a simulated protocol server.
type Server struct {
	opts   ServerOptions
	static *crypto.KeyPair
	log    *logrus.Entry

	mu              sync.Mutex
	devices         map[[crypto.ClientIDSize]byte]device
	pending         map[string]*session
	sessions        map[*session]struct{}
	handlers        map[string]Handler
	received        []node.Node
	refSeq          int
	handshakes      int
	restoreFailures int
	restoreHolds    int
	handshakeFails  int
	dialFailures    int
	silent          bool

	wg sync.WaitGroup
}

// NewServer creates a server. It panics if no static key can be generated.
func NewServer(opts ServerOptions) *Server {
	if opts.JID.IsZero() {
		opts.JID = types.UserJID("15550001111")
	}
	static := opts.StaticKey
	if static == nil {
		var err error
		if static, err = crypto.GenerateKeyPair(); err != nil {
			panic(fmt.Sprintf("simulated server key: %v", err))
		}
	}
	return &Server{
		opts:     opts,
		static:   static,
		log:      logrus.WithFields(logrus.Fields{"package": "testing", "component": "server"}),
		devices:  make(map[[crypto.ClientIDSize]byte]device),
		pending:  make(map[string]*session),
		sessions: make(map[*session]struct{}),
		handlers: make(map[string]Handler),
	}
}

// StaticKey returns the server static public key.
func (s *Server) StaticKey() [crypto.KeySize]byte { return s.static.Public }

// Dialer returns a dialer whose connections are served in memory.
func (s *Server) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		fail := s.dialFailures > 0
		if fail {
			s.dialFailures--
		}
		s.mu.Unlock()
		if fail {
			return nil, ErrDialRefused
		}
		client, server := transport.Pipe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(server)
		}()
		return client, nil
	})
}

// ServeHTTP upgrades the request to a websocket and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	s.ServeConn(conn)
}

// ServeConn runs one connection until it closes.
func (s *Server) ServeConn(conn transport.Conn) {
	defer conn.Close()
	hello, err := conn.ReadFrame()
	if err != nil {
		return
	}

	s.mu.Lock()
	s.refSeq++
	ref := fmt.Sprintf("sim-%d", s.refSeq)
	refuse := s.handshakeFails > 0
	if refuse {
		s.handshakeFails--
	}
	s.mu.Unlock()
	if refuse {
		_ = conn.WriteFrame(crypto.RejectHandshake(ReasonUnavailable))
		return
	}

	hs, reply, err := crypto.RespondHandshake(s.static, hello, ref)
	if err != nil {
		s.log.WithError(err).Debug("Rejecting client hello")
		_ = conn.WriteFrame(crypto.RejectHandshake("bad-hello"))
		return
	}
	if err := conn.WriteFrame(reply); err != nil {
		hs.Channel.Close()
		return
	}

	sess := &session{srv: s, conn: conn, hs: hs, ref: ref}
	s.mu.Lock()
	s.handshakes++
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		if s.pending[ref] == sess {
			delete(s.pending, ref)
		}
		s.mu.Unlock()
		hs.Channel.Close()
	}()

	switch hs.Mode {
	case crypto.ModePair:
		s.mu.Lock()
		s.pending[ref] = sess
		auto := s.opts.AutoConfirm
		s.mu.Unlock()
		if auto {
			s.confirm(sess)
		}
	case crypto.ModeRestore:
		sess.beginRestore()
	}
	sess.readLoop()
}

// ConfirmPairing simulates the phone scanning code. Either the full
// pairing code or its leading server reference is accepted.
func (s *Server) ConfirmPairing(code string) error {
	ref, _, _ := strings.Cut(code, ",")
	s.mu.Lock()
	sess, ok := s.pending[ref]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPairing, ref)
	}
	return s.confirm(sess)
}

func (s *Server) confirm(sess *session) error {
	s.mu.Lock()
	delete(s.pending, sess.ref)
	s.devices[sess.hs.ClientID] = device{identity: sess.hs.ClientIdentity, jid: s.opts.JID}
	s.mu.Unlock()
	return sess.login(s.opts.JID, crypto.ModePair)
}

// Handle routes requests named name to h.
func (s *Server) Handle(name string, h Handler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

// FailRestores makes the next n valid restores fail transiently.
func (s *Server) FailRestores(n int) {
	s.mu.Lock()
	s.restoreFailures = n
	s.mu.Unlock()
}

// HoldRestores makes the next n valid restores go unanswered.
func (s *Server) HoldRestores(n int) {
	s.mu.Lock()
	s.restoreHolds = n
	s.mu.Unlock()
}

// RefuseHandshakes makes the next n handshakes fail with a failure reply.
func (s *Server) RefuseHandshakes(n int) {
	s.mu.Lock()
	s.handshakeFails = n
	s.mu.Unlock()
}

// FailDials makes the next n dials through Dialer fail.
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	s.dialFailures = n
	s.mu.Unlock()
}

// SetSilent stops or resumes answering pings.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Forget removes a paired client; its next restore is rejected as invalid.
func (s *Server) Forget(clientID [crypto.ClientIDSize]byte) {
	s.mu.Lock()
	delete(s.devices, clientID)
	s.mu.Unlock()
}

// Paired reports whether clientID is a paired client.
func (s *Server) Paired(clientID [crypto.ClientIDSize]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[clientID]
	return ok
}

// Handshakes returns the number of completed handshakes.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Connections returns the number of live connections past the handshake.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Received returns the decoded client nodes named name, or all of them for
// an empty name.
func (s *Server) Received(name string) []node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []node.Node
	for _, n := range s.received {
		if name == "" || n.Name == name {
			out = append(out, n)
		}
	}
	return out
}

// Push sends n to every logged in connection and returns how many got it.
func (s *Server) Push(n node.Node) int {
	sent := 0
	for _, sess := range s.loggedIn() {
		if sess.send(n) == nil {
			sent++
		}
	}
	return sent
}

// Disconnect pushes a disconnect with reason to every logged in connection.
func (s *Server) Disconnect(reason string) int {
	return s.Push(node.New("disconnect", node.Attr{Key: "reason", Value: reason}))
}

// SendRaw seals plaintext unchecked, so tests can deliver undecodable nodes.
func (s *Server) SendRaw(plaintext []byte) int {
	sent := 0
	for _, sess := range s.loggedIn() {
		if sess.sendFrame(plaintext, false) == nil {
			sent++
		}
	}
	return sent
}

// SendTampered sends a frame whose integrity tag does not verify.
func (s *Server) SendTampered() int {
	data, _ := node.Encode(node.New("presence"))
	sent := 0
	for _, sess := range s.loggedIn() {
		if sess.sendFrame(data, true) == nil {
			sent++
		}
	}
	return sent
}

// DropConnections closes every live connection and returns the count.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		conns = append(conns, sess)
	}
	s.mu.Unlock()
	for _, sess := range conns {
		sess.conn.Close()
	}
	return len(conns)
}

// Close drops every connection and waits for in-memory connections to end.
func (s *Server) Close() {
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) loggedIn() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.loggedIn.Load() {
			out = append(out, sess)
		}
	}
	return out
}

// session is the server end of one connection.
type session struct {
	srv  *Server
	conn transport.Conn
	hs   *crypto.ServerHandshake
	ref  string

	writeMu   sync.Mutex
	challenge []byte
	loggedIn  atomic.Bool
}

func (c *session) beginRestore() {
	s := c.srv
	s.mu.Lock()
	dev, known := s.devices[c.hs.ClientID]
	transient := known && s.restoreFailures > 0
	if transient {
		s.restoreFailures--
	}
	held := known && !transient && s.restoreHolds > 0
	if held {
		s.restoreHolds--
	}
	challenge := s.opts.Challenge
	s.mu.Unlock()

	switch {
	case !known || dev.identity != c.hs.ClientIdentity || !c.hs.VerifyProof():
		c.fail(ReasonIdentityInvalid)
	case transient:
		c.fail(ReasonUnavailable)
	case held:
		s.log.WithFields(logrus.Fields{"function": "beginRestore"}).Debug("Holding restore")
	case challenge:
		c.challenge = make([]byte, 16)
		if _, err := rand.Read(c.challenge); err != nil {
			c.fail(ReasonUnavailable)
			return
		}
		_ = c.send(node.NewBinary("challenge", nil, c.challenge))
	default:
		_ = c.login(dev.jid, crypto.ModeRestore)
	}
}

func (c *session) login(jid types.JID, mode crypto.Mode) error {
	c.loggedIn.Store(true)
	return c.send(node.New("success",
		node.Attr{Key: "jid", Value: jid.String()},
		node.Attr{Key: "mode", Value: string(mode)}))
}

func (c *session) fail(reason string) {
	_ = c.send(node.New("failure", node.Attr{Key: "reason", Value: reason}))
}

func (c *session) readLoop() {
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			return
		}
		plaintext, err := c.hs.Channel.Open(frame)
		if err != nil {
			c.srv.log.WithError(err).Warn("Closing connection after bad client frame")
			return
		}
		n, err := node.Decode(plaintext)
		if err != nil {
			continue
		}
		c.srv.mu.Lock()
		c.srv.received = append(c.srv.received, n)
		c.srv.mu.Unlock()
		if !c.handle(n) {
			return
		}
	}
}

// handle answers one client node and reports whether to keep reading.
func (c *session) handle(n node.Node) bool {
	if n.Name == "challenge-response" {
		if c.challenge != nil && c.hs.VerifyChallenge(c.challenge, n.Payload()) {
			c.challenge = nil
			s := c.srv
			s.mu.Lock()
			dev := s.devices[c.hs.ClientID]
			s.mu.Unlock()
			_ = c.login(dev.jid, crypto.ModeRestore)
		} else {
			c.fail(ReasonIdentityInvalid)
		}
		return true
	}
	if !c.loggedIn.Load() {
		return true
	}

	tag := n.AttrOr(request.TagAttr, "")
	switch n.Name {
	case "ping":
		c.srv.mu.Lock()
		silent := c.srv.silent
		c.srv.mu.Unlock()
		if !silent {
			_ = c.send(node.New("pong", node.Attr{Key: request.TagAttr, Value: tag}))
		}
		return true
	case "logout":
		c.srv.Forget(c.hs.ClientID)
		return false
	}

	c.srv.mu.Lock()
	h, ok := c.srv.handlers[n.Name]
	c.srv.mu.Unlock()
	if !ok {
		return true
	}
	reply, ok := h(n)
	if !ok {
		return true
	}
	if _, has := reply.Attr(request.TagAttr); !has && tag != "" {
		reply = reply.WithAttr(request.TagAttr, tag)
	}
	_ = c.send(reply)
	return true
}

func (c *session) send(n node.Node) error {
	data, err := node.Encode(n)
	if err != nil {
		return err
	}
	return c.sendFrame(data, false)
}

func (c *session) sendFrame(plaintext []byte, tamper bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := c.hs.Channel.Seal(plaintext)
	if err != nil {
		return err
	}
	if tamper {
		frame[len(frame)-1] ^= 0x01
	}
	return c.conn.WriteFrame(frame)
}
