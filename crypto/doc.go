// Package crypto implements the cryptographic channel of a web session.
//
// A connection starts with a single-round X25519 key exchange. The client
// hello carries an ephemeral key, the identity key and, when restoring, a
// proof of possession of a stored [Identity]. The server answers with its own
// ephemeral key and its static key. Both sides combine
//
//	DH(client ephemeral, server ephemeral) || DH(client identity, server static)
//
// and expand it with HKDF-SHA256 (expand only, label [SessionKeysLabel] plus
// the four public keys) into four keys: one encryption key and one MAC key
// per direction.
//
// Every later frame goes through a [Channel]:
//
//	hs, _ := crypto.NewHandshake(storedIdentity, "")
//	res, err := hs.Run(ctx, conn)
//	frame, _ := res.Channel.Seal(plaintext)
//	plaintext, err = res.Channel.Open(frame) // ErrAuthenticationFailed, ErrReplayOrOrder
//
// Sealed frames carry an explicit per-direction counter. Open verifies the
// HMAC-SHA256 tag in constant time before decrypting and rejects any counter
// other than the next expected one. Keys live only inside the Channel and are
// wiped by Close.
//
// The server half of the exchange ([RespondHandshake]) is included for
// simulated servers and tests.
package crypto
