package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of X25519 public and private keys.
const KeySize = 32

// KeyPair is an X25519 key pair. It is used for both per-connection
// ephemeral keys and the long-term identity key.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	k, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	kp := &KeyPair{}
	copy(kp.Public[:], k.Public)
	copy(kp.Private[:], k.Private)
	ZeroBytes(k.Private)
	return kp, nil
}

// KeyPairFromPrivate rebuilds a key pair from a stored private key.
func KeyPairFromPrivate(private [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(private) {
		return nil, fmt.Errorf("%w: private key is all zeros", ErrInvalidIdentity)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	kp := &KeyPair{Private: private}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSharedSecret computes the X25519 shared secret between a local
// private key and a peer public key. Low-order peer points are rejected.
func DeriveSharedSecret(peerPublicKey, privateKey [KeySize]byte) ([KeySize]byte, error) {
	priv := privateKey
	defer wipeKey(&priv)

	shared, err := curve25519.X25519(priv[:], peerPublicKey[:])
	if err != nil {
		logger("DeriveSharedSecret").WithFields(SecureFieldHash(peerPublicKey[:], "peer_key")).
			WithError(err).Warn("X25519 computation failed")
		return [KeySize]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [KeySize]byte
	copy(result[:], shared)
	ZeroBytes(shared)
	return result, nil
}

func isZeroKey(key [KeySize]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
