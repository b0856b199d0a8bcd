package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityMarshalRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	id.ServerStatic = server.Public

	data, err := id.MarshalBinary()
	require.NoError(t, err)

	var got Identity
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *id, got)
	assert.NoError(t, got.Validate())
}

func TestIdentityUnmarshalRejectsBadInput(t *testing.T) {
	var id Identity
	assert.ErrorIs(t, id.UnmarshalBinary(nil), ErrInvalidIdentity)
	assert.ErrorIs(t, id.UnmarshalBinary(make([]byte, identityLen)), ErrInvalidIdentity, "version 0")

	data := make([]byte, identityLen)
	data[0] = identityVersion
	assert.ErrorIs(t, id.UnmarshalBinary(data), ErrInvalidIdentity, "zero private key")
}

func TestIdentityValidate(t *testing.T) {
	var nilID *Identity
	assert.ErrorIs(t, nilID.Validate(), ErrInvalidIdentity)

	id, err := NewIdentity()
	require.NoError(t, err)
	assert.False(t, id.HasServerStatic())
	assert.ErrorIs(t, id.Validate(), ErrInvalidIdentity, "no server static yet")

	id.ServerStatic[0] = 9
	require.NoError(t, id.Validate())

	id.Public[0] ^= 0xFF
	assert.ErrorIs(t, id.Validate(), ErrInvalidIdentity)
}

func TestIdentityWipeAndClone(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	c := id.Clone()
	id.Wipe()

	var zero [KeySize]byte
	assert.Equal(t, zero, id.Private)
	assert.NotEqual(t, zero, c.Private, "clone must not share storage")
}

func TestSignChallengeRejectsEmpty(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	_, err = id.SignChallenge(nil)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestKeyPairFromPrivate(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	again, err := KeyPairFromPrivate(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, again.Public)

	_, err = KeyPairFromPrivate([KeySize]byte{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestDeriveSharedSecretAgrees(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(b.Public, a.Private)
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(a.Public, b.Private)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	_, err = DeriveSharedSecret([KeySize]byte{}, a.Private)
	assert.Error(t, err, "low-order point")
}

func TestSecureWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	if err := WipeKeyPair(kp); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}
	for _, b := range kp.Private {
		if b != 0 {
			t.Fatalf("Private key data was not securely wiped")
		}
	}
	if err := SecureWipe(nil); err == nil {
		t.Error("SecureWipe(nil) should fail")
	}
	if err := WipeKeyPair(nil); err == nil {
		t.Error("WipeKeyPair(nil) should fail")
	}
}

func TestSecureFieldHash(t *testing.T) {
	f := SecureFieldHash([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, "key")
	assert.Equal(t, "0102030405060708...", f["key_preview"])
	assert.Equal(t, 9, f["key_size"])
	assert.Equal(t, "nil", SecureFieldHash(nil, "k")["k_preview"])
}
