package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// ClientIDSize is the length of the random browser client identifier.
	ClientIDSize = 16

	identityVersion = 1
	identityLen     = 1 + ClientIDSize + KeySize + KeySize
)

// Identity is the long-term material that lets a browser restore a session
// without a new pairing scan. The caller persists it; this package only reads it.
type Identity struct {
	ClientID     [ClientIDSize]byte
	Private      [KeySize]byte
	Public       [KeySize]byte
	ServerStatic [KeySize]byte
}

// NewIdentity generates a fresh client id and identity key pair. The server
// static key is filled in once pairing completes.
func NewIdentity() (*Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	id := &Identity{Private: kp.Private, Public: kp.Public}
	if _, err := rand.Read(id.ClientID[:]); err != nil {
		return nil, fmt.Errorf("generate client id: %w", err)
	}
	WipeKeyPair(kp)
	return id, nil
}

// ClientIDString returns the base64 form of the client id used on the wire.
func (id *Identity) ClientIDString() string {
	return base64.StdEncoding.EncodeToString(id.ClientID[:])
}

// HasServerStatic reports whether the server static key has been confirmed.
func (id *Identity) HasServerStatic() bool {
	return !isZeroKey(id.ServerStatic)
}

// Validate checks that the identity can be used for a restore.
func (id *Identity) Validate() error {
	if id == nil {
		return fmt.Errorf("%w: nil identity", ErrInvalidIdentity)
	}
	if isZeroKey(id.Private) {
		return fmt.Errorf("%w: missing private key", ErrInvalidIdentity)
	}
	if !id.HasServerStatic() {
		return fmt.Errorf("%w: missing server static key", ErrInvalidIdentity)
	}
	kp, err := KeyPairFromPrivate(id.Private)
	if err != nil {
		return err
	}
	defer WipeKeyPair(kp)
	if subtle.ConstantTimeCompare(kp.Public[:], id.Public[:]) != 1 {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidIdentity)
	}
	return nil
}

// Clone returns an independent copy.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// Wipe erases the private key.
func (id *Identity) Wipe() {
	wipeKey(&id.Private)
}

// MarshalBinary encodes the identity as version || client id || private key || server static key.
func (id *Identity) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, identityLen)
	out = append(out, identityVersion)
	out = append(out, id.ClientID[:]...)
	out = append(out, id.Private[:]...)
	out = append(out, id.ServerStatic[:]...)
	return out, nil
}

// UnmarshalBinary decodes an identity produced by MarshalBinary and
// re-derives the public key.
func (id *Identity) UnmarshalBinary(data []byte) error {
	if len(data) != identityLen {
		return fmt.Errorf("%w: encoded length %d, want %d", ErrInvalidIdentity, len(data), identityLen)
	}
	if data[0] != identityVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidIdentity, data[0])
	}
	var priv [KeySize]byte
	copy(priv[:], data[1+ClientIDSize:])
	kp, err := KeyPairFromPrivate(priv)
	if err != nil {
		return err
	}
	copy(id.ClientID[:], data[1:1+ClientIDSize])
	id.Private = kp.Private
	id.Public = kp.Public
	copy(id.ServerStatic[:], data[1+ClientIDSize+KeySize:])
	wipeKey(&priv)
	return nil
}

// proofKey derives the restore proof key from DH(identity, server static).
func (id *Identity) proofKey() ([]byte, error) {
	shared, err := DeriveSharedSecret(id.ServerStatic, id.Private)
	if err != nil {
		return nil, err
	}
	defer wipeKey(&shared)
	return deriveProofKey(shared)
}

// restoreProof authenticates possession of the identity key for one connection.
func (id *Identity) restoreProof(ephemeralPublic [KeySize]byte) ([]byte, error) {
	key, err := id.proofKey()
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return hmacSHA256(key, ephemeralPublic[:], id.ClientID[:]), nil
}

// SignChallenge answers a server challenge pushed during restore.
func (id *Identity) SignChallenge(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, fmt.Errorf("%w: empty challenge", ErrInvalidIdentity)
	}
	key, err := id.proofKey()
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return hmacSHA256(key, challenge), nil
}
