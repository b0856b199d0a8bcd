package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    JID
		group   bool
		wantErr bool
	}{
		{in: "4915112345678@c.us", want: UserJID("4915112345678")},
		{in: "4915112345678@s.whatsapp.net", want: UserJID("4915112345678")},
		{in: "123-456@g.us", want: GroupJID("123-456"), group: true},
		{in: "status@broadcast", want: JID{User: "status", Server: BroadcastServer}},
		{in: "nobody", wantErr: true},
		{in: "@c.us", wantErr: true},
		{in: "user@", wantErr: true},
		{in: "user@example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseJID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidJID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.group, got.IsGroup())
		})
	}
}

func TestJIDFormatting(t *testing.T) {
	u := UserJID("15550001111")
	assert.Equal(t, "15550001111@c.us", u.String())
	assert.Equal(t, "15550001111@s.whatsapp.net", u.MessageString())
	phone, ok := u.PhoneNumber()
	assert.True(t, ok)
	assert.Equal(t, "+15550001111", phone)

	g := GroupJID("1-2")
	assert.Equal(t, "1-2@g.us", g.MessageString())
	_, ok = g.PhoneNumber()
	assert.False(t, ok)
	assert.Equal(t, "", JID{}.String())

	var back JID
	text, err := g.MarshalText()
	require.NoError(t, err)
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, g, back)
}

func TestFromPhoneNumber(t *testing.T) {
	j, err := FromPhoneNumber("+4915112345678")
	require.NoError(t, err)
	assert.Equal(t, UserJID("4915112345678"), j)

	_, err = FromPhoneNumber("+49 151")
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
	_, err = FromPhoneNumber("+")
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
}

func TestNewMessageID(t *testing.T) {
	seen := map[MessageID]bool{}
	for i := 0; i < 100; i++ {
		id, err := NewMessageID()
		require.NoError(t, err)
		require.Len(t, string(id), 24)
		assert.Regexp(t, "^3EB0[0-9A-F]+$", string(id))
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestAckLevels(t *testing.T) {
	l, err := ParseAckLevel("3")
	require.NoError(t, err)
	assert.Equal(t, AckRead, l)
	assert.Equal(t, "read", l.String())
	_, err = ParseAckLevel("9")
	assert.Error(t, err)

	l, ok := AckLevelFromReceipt("played")
	assert.True(t, ok)
	assert.Equal(t, AckPlayed, l)
	_, ok = AckLevelFromReceipt("bogus")
	assert.False(t, ok)
	assert.True(t, AckSent < AckReceived)
}
