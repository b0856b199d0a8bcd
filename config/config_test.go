package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/waweb"
	"github.com/opd-ai/waweb/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, transport.DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, 13*time.Second, cfg.KeepaliveInterval)
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint = "wss://example.test/ws"
keepalive_interval = "20s"
max_backoff = "5m"
malformed_frame_limit = 5
log_format = "json"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, "wss://example.test/ws", cfg.Endpoint)
	assert.Equal(t, 20*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 5*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 5, cfg.MalformedFrameLimit)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.Origin, cfg.Origin)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"syntax", `endpoint = `, ""},
		{"unknown key", `endpont = "x"`, "unknown key"},
		{"bad duration", `request_timeout = "soon"`, "request_timeout"},
		{"negative", `initial_backoff = "-1s"`, "initial_backoff"},
		{"backoff order", "initial_backoff = \"1m\"\nmax_backoff = \"10s\"", "max_backoff"},
		{"keepalive order", `keepalive_timeout = "30s"`, "keepalive_timeout"},
		{"log level", `log_level = "chatty"`, "chatty"},
		{"log format", `log_format = "xml"`, "log_format"},
		{"limit", `malformed_frame_limit = 0`, "malformed_frame_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.toml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApply(t *testing.T) {
	cfg := Default()
	cfg.Endpoint = "ws://127.0.0.1:1/ws"
	cfg.RequestTimeout = 7 * time.Second

	o := waweb.NewOptions()
	cfg.Apply(o)
	assert.Equal(t, 7*time.Second, o.RequestTimeout)
	d, ok := o.Dialer.(*transport.WebSocketDialer)
	require.True(t, ok)
	assert.Equal(t, "ws://127.0.0.1:1/ws", d.URL)
	assert.Equal(t, cfg.Origin, d.Origin)
}

func TestApplyLogging(t *testing.T) {
	prevLevel, prevFormatter := logrus.GetLevel(), logrus.StandardLogger().Formatter
	t.Cleanup(func() {
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	require.NoError(t, cfg.ApplyLogging())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
}
