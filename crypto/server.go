package crypto

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"

	"github.com/opd-ai/waweb/node"
)

// ServerHandshake is the service side of one completed key exchange. It is
// used by simulated servers and protocol tests.
type ServerHandshake struct {
	Channel        *Channel
	Mode           Mode
	Version        string
	ClientID       [ClientIDSize]byte
	ClientIdentity [KeySize]byte

	ephemeral [KeySize]byte
	proof     []byte
	proofKey  []byte
}

// RespondHandshake answers an encoded client hello with a server hello
// carrying a fresh ephemeral key, the server static key and ref.
func RespondHandshake(static *KeyPair, hello []byte, ref string) (*ServerHandshake, []byte, error) {
	n, err := node.Decode(hello)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if n.Name != "hello" {
		return nil, nil, fmt.Errorf("%w: unexpected %q from client", ErrHandshakeFailed, n.Name)
	}

	sh := &ServerHandshake{
		Mode:    Mode(n.AttrOr("mode", "")),
		Version: n.AttrOr("version", ""),
	}
	if sh.Mode != ModePair && sh.Mode != ModeRestore {
		return nil, nil, fmt.Errorf("%w: unknown mode %q", ErrHandshakeFailed, sh.Mode)
	}
	id, err := base64.StdEncoding.DecodeString(n.AttrOr("client", ""))
	if err != nil || len(id) != ClientIDSize {
		return nil, nil, fmt.Errorf("%w: malformed client id", ErrHandshakeFailed)
	}
	copy(sh.ClientID[:], id)
	if err := readKeyChild(n, "ephemeral", &sh.ephemeral); err != nil {
		return nil, nil, err
	}
	if err := readKeyChild(n, "identity", &sh.ClientIdentity); err != nil {
		return nil, nil, err
	}
	if p, ok := n.Child("proof"); ok {
		sh.proof = p.Payload()
	}

	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	defer WipeKeyPair(eph)

	secret, transcript, err := combine(
		eph.Private, sh.ephemeral,
		static.Private, sh.ClientIdentity,
		sh.ephemeral, eph.Public, sh.ClientIdentity, static.Public,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer ZeroBytes(secret)

	keys, err := deriveSessionKeys(secret, transcript, RoleServer)
	if err != nil {
		return nil, nil, err
	}
	if sh.Channel, err = newChannel(keys); err != nil {
		return nil, nil, err
	}

	shared, err := DeriveSharedSecret(sh.ClientIdentity, static.Private)
	if err != nil {
		return nil, nil, err
	}
	sh.proofKey, err = deriveProofKey(shared)
	wipeKey(&shared)
	if err != nil {
		return nil, nil, err
	}

	reply := node.NewList("hello", []node.Attr{{Key: "ref", Value: ref}},
		node.NewBinary("ephemeral", nil, eph.Public[:]),
		node.NewBinary("static", nil, static.Public[:]),
	)
	frame, err := node.Encode(reply)
	if err != nil {
		return nil, nil, err
	}
	return sh, frame, nil
}

// RejectHandshake encodes a failure reply to a client hello.
func RejectHandshake(reason string) []byte {
	frame, _ := node.Encode(node.New("failure", node.Attr{Key: "reason", Value: reason}))
	return frame
}

// VerifyProof reports whether the client proved possession of its identity key.
// Pairing hellos carry no proof and never verify.
func (s *ServerHandshake) VerifyProof() bool {
	if s.Mode != ModeRestore || len(s.proof) == 0 {
		return false
	}
	expected := hmacSHA256(s.proofKey, s.ephemeral[:], s.ClientID[:])
	return hmac.Equal(expected, s.proof)
}

// VerifyChallenge checks a challenge response produced by Identity.SignChallenge.
func (s *ServerHandshake) VerifyChallenge(challenge, response []byte) bool {
	return hmac.Equal(hmacSHA256(s.proofKey, challenge), response)
}
