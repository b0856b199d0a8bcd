package waweb

import (
	"testing"
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/mux"
	"github.com/opd-ai/waweb/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	o := NewOptions()
	assert.Equal(t, 13*time.Second, o.KeepaliveInterval)
	assert.Equal(t, 3*time.Second, o.KeepaliveTimeout)
	assert.Equal(t, session.DefaultInitialBackoff, o.InitialBackoff)
	assert.Equal(t, session.DefaultMaxBackoff, o.MaxBackoff)
	assert.Equal(t, mux.DefaultMalformedLimit, o.MalformedFrameLimit)
	assert.Equal(t, crypto.DefaultClientVersion, o.ClientVersion)
	assert.Nil(t, o.Dialer)
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	o := Options{RequestTimeout: time.Second}.withDefaults()
	assert.Equal(t, time.Second, o.RequestTimeout, "explicit values are kept")
	assert.Equal(t, 20*time.Second, o.ConnectTimeout)
	assert.Equal(t, DefaultKeepaliveInterval, o.KeepaliveInterval)
	assert.NotNil(t, o.Dialer)
	assert.NotNil(t, o.TimeProvider)
	assert.Equal(t, mux.DefaultMalformedLimit, o.MalformedFrameLimit)
}

func TestNewRejectsKeepaliveTimeoutAboveInterval(t *testing.T) {
	o := NewOptions()
	o.KeepaliveTimeout = o.KeepaliveInterval
	_, err := New(o)
	assert.Error(t, err)
}

func TestNewRejectsInvalidIdentity(t *testing.T) {
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	id.ServerStatic[0] = 1
	id.Public[0] ^= 0xff

	o := NewOptions()
	o.Identity = id
	_, err = New(o)
	assert.Error(t, err)
}

func TestNewWithoutServerKeyStartsPairing(t *testing.T) {
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	o := NewOptions()
	o.Identity = id

	c, err := New(o)
	require.NoError(t, err)
	assert.Nil(t, c.Identity(), "an unconfirmed identity is not kept for restore")
	assert.Equal(t, session.Disconnected, c.State())
}
