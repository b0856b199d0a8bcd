package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Context labels for the expand-only key schedule.
const (
	SessionKeysLabel  = "WAWeb Session Keys v1"
	RestoreProofLabel = "WAWeb Restore Proof v1"
)

// Role selects which half of the derived keys is used for sending.
type Role uint8

const (
	// RoleClient is the browser side of the session.
	RoleClient Role = iota
	// RoleServer is the service side of the session.
	RoleServer
)

// SessionKeys holds the four symmetric keys of one authenticated session.
// Only a Channel reads them.
type SessionKeys struct {
	encKey  [32]byte
	decKey  [32]byte
	sendMAC [32]byte
	recvMAC [32]byte
}

func (k *SessionKeys) wipe() {
	wipeKey(&k.encKey)
	wipeKey(&k.decKey)
	wipeKey(&k.sendMAC)
	wipeKey(&k.recvMAC)
}

// deriveSessionKeys expands secret with the session label and handshake
// transcript into 128 bytes: client encryption, server encryption, client
// MAC and server MAC keys, in that order.
func deriveSessionKeys(secret, transcript []byte, role Role) (*SessionKeys, error) {
	info := make([]byte, 0, len(SessionKeysLabel)+len(transcript))
	info = append(info, SessionKeysLabel...)
	info = append(info, transcript...)

	var okm [128]byte
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), okm[:]); err != nil {
		return nil, fmt.Errorf("expand session keys: %w", err)
	}
	defer ZeroBytes(okm[:])

	k := &SessionKeys{}
	if role == RoleClient {
		copy(k.encKey[:], okm[0:32])
		copy(k.decKey[:], okm[32:64])
		copy(k.sendMAC[:], okm[64:96])
		copy(k.recvMAC[:], okm[96:128])
	} else {
		copy(k.encKey[:], okm[32:64])
		copy(k.decKey[:], okm[0:32])
		copy(k.sendMAC[:], okm[96:128])
		copy(k.recvMAC[:], okm[64:96])
	}
	return k, nil
}

// deriveProofKey expands the static-static shared secret into the key that
// authenticates restore proofs and challenge responses.
func deriveProofKey(staticShared [32]byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, staticShared[:], []byte(RestoreProofLabel)), key); err != nil {
		return nil, fmt.Errorf("expand proof key: %w", err)
	}
	return key, nil
}

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}
