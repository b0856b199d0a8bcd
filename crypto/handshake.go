package crypto

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/waweb/node"
)

// Mode selects how the browser logs in on a fresh connection.
type Mode string

const (
	// ModePair performs a fresh pairing that the phone confirms by scanning a code.
	ModePair Mode = "pair"
	// ModeRestore resumes with a stored Identity.
	ModeRestore Mode = "restore"
)

// DefaultClientVersion is announced in the client hello.
const DefaultClientVersion = "2.2412.54"

// FrameConn is the frame-level view of a transport used during the handshake.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
}

// Handshake is the client side of the single-round key exchange. A
// Handshake is good for one connection attempt.
type Handshake struct {
	mode      Mode
	version   string
	identity  *Identity
	ephemeral *KeyPair
}

// HandshakeResult is produced by a successful Run.
type HandshakeResult struct {
	// Channel seals and opens every later frame of the connection.
	Channel *Channel
	// Mode is the login variant that was negotiated.
	Mode Mode
	// Identity is the identity used for the exchange. For pairing it is the
	// freshly generated one, to be captured once the phone confirms.
	Identity *Identity
	// PairingRef is the scannable reference, set for pairing only.
	PairingRef string
	// ServerRef is the opaque reference the server attached to its hello.
	ServerRef string
}

// NewHandshake prepares a handshake. A nil identity, or one lacking a
// confirmed server static key, yields a fresh pairing.
func NewHandshake(id *Identity, version string) (*Handshake, error) {
	if version == "" {
		version = DefaultClientVersion
	}
	h := &Handshake{version: version, mode: ModeRestore}
	if id == nil || !id.HasServerStatic() {
		fresh, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		h.mode = ModePair
		id = fresh
	} else if err := id.Validate(); err != nil {
		return nil, err
	}
	h.identity = id.Clone()

	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	h.ephemeral = eph
	return h, nil
}

// Mode returns the login variant this handshake will perform.
func (h *Handshake) Mode() Mode { return h.mode }

// ClientHello builds the plaintext hello node.
func (h *Handshake) ClientHello() (node.Node, error) {
	attrs := []node.Attr{
		{Key: "version", Value: h.version},
		{Key: "mode", Value: string(h.mode)},
		{Key: "client", Value: h.identity.ClientIDString()},
	}
	children := []node.Node{
		node.NewBinary("ephemeral", nil, h.ephemeral.Public[:]),
		node.NewBinary("identity", nil, h.identity.Public[:]),
	}
	if h.mode == ModeRestore {
		proof, err := h.identity.restoreProof(h.ephemeral.Public)
		if err != nil {
			return node.Node{}, fmt.Errorf("%w: restore proof: %v", ErrHandshakeFailed, err)
		}
		children = append(children, node.NewBinary("proof", nil, proof))
	}
	return node.NewList("hello", attrs, children...), nil
}

// Run performs the exchange over conn. Cancelling ctx is honoured between
// steps; unblocking a pending read is the owner's job.
func (h *Handshake) Run(ctx context.Context, conn FrameConn) (*HandshakeResult, error) {
	log := logger("Run").WithField("mode", h.mode)
	defer WipeKeyPair(h.ephemeral)

	hello, err := h.ClientHello()
	if err != nil {
		return nil, err
	}
	frame, err := node.Encode(hello)
	if err != nil {
		return nil, fmt.Errorf("%w: encode hello: %v", ErrHandshakeFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(frame); err != nil {
		return nil, fmt.Errorf("%w: send hello: %v", ErrHandshakeFailed, err)
	}
	log.Debug("Client hello sent")

	reply, err := conn.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: transport closed mid-handshake", ErrHandshakeFailed)
		}
		return nil, fmt.Errorf("%w: read server hello: %v", ErrHandshakeFailed, err)
	}

	server, err := parseServerHello(reply)
	if err != nil {
		log.WithError(err).Warn("Server hello rejected")
		return nil, err
	}

	if h.mode == ModeRestore && subtle.ConstantTimeCompare(server.static[:], h.identity.ServerStatic[:]) != 1 {
		log.WithFields(SecureFieldHash(server.static[:], "server_static")).Warn("Server static key changed")
		return nil, fmt.Errorf("%w: server static key does not match stored identity", ErrHandshakeFailed)
	}

	secret, transcript, err := combine(
		h.ephemeral.Private, server.ephemeral,
		h.identity.Private, server.static,
		h.ephemeral.Public, server.ephemeral, h.identity.Public, server.static,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer ZeroBytes(secret)

	keys, err := deriveSessionKeys(secret, transcript, RoleClient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ch, err := newChannel(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	res := &HandshakeResult{
		Channel:   ch,
		Mode:      h.mode,
		Identity:  h.identity.Clone(),
		ServerRef: server.ref,
	}
	if h.mode == ModePair {
		res.Identity.ServerStatic = server.static
		res.PairingRef = PairingReference(server.ref, h.identity)
	}
	log.WithFields(OperationFields("handshake", "complete")).Info("Session keys established")
	return res, nil
}

// PairingReference renders the string the phone scans: the server reference,
// the identity public key and the client id, comma separated.
func PairingReference(ref string, id *Identity) string {
	return ref + "," + base64.StdEncoding.EncodeToString(id.Public[:]) + "," + id.ClientIDString()
}

type serverHello struct {
	ref       string
	ephemeral [KeySize]byte
	static    [KeySize]byte
}

func parseServerHello(frame []byte) (*serverHello, error) {
	n, err := node.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	switch n.Name {
	case "failure":
		return nil, &RejectionError{Reason: n.AttrOr("reason", "unspecified")}
	case "hello":
	default:
		return nil, fmt.Errorf("%w: unexpected %q reply", ErrHandshakeFailed, n.Name)
	}
	s := &serverHello{ref: n.AttrOr("ref", "")}
	if err := readKeyChild(n, "ephemeral", &s.ephemeral); err != nil {
		return nil, err
	}
	if err := readKeyChild(n, "static", &s.static); err != nil {
		return nil, err
	}
	return s, nil
}

func readKeyChild(n node.Node, name string, dst *[KeySize]byte) error {
	c, ok := n.Child(name)
	if !ok || len(c.Payload()) != KeySize {
		return fmt.Errorf("%w: missing or malformed %s key", ErrHandshakeFailed, name)
	}
	copy(dst[:], c.Payload())
	if isZeroKey(*dst) {
		return fmt.Errorf("%w: zero %s key", ErrHandshakeFailed, name)
	}
	return nil
}

// combine computes DH(ephemeral, peerEphemeral) || DH(static, peerStatic) and
// the transcript client-ephemeral || server-ephemeral || client-static || server-static.
func combine(ephPriv, peerEph, staticPriv, peerStatic [KeySize]byte, transcriptKeys ...[KeySize]byte) ([]byte, []byte, error) {
	ee, err := DeriveSharedSecret(peerEph, ephPriv)
	if err != nil {
		return nil, nil, err
	}
	defer wipeKey(&ee)
	ss, err := DeriveSharedSecret(peerStatic, staticPriv)
	if err != nil {
		return nil, nil, err
	}
	defer wipeKey(&ss)

	secret := make([]byte, 0, 2*KeySize)
	secret = append(secret, ee[:]...)
	secret = append(secret, ss[:]...)

	transcript := make([]byte, 0, len(transcriptKeys)*KeySize)
	for _, k := range transcriptKeys {
		transcript = append(transcript, k[:]...)
	}
	return secret, transcript, nil
}
