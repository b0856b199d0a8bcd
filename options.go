package waweb

import (
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/metrics"
	"github.com/opd-ai/waweb/mux"
	"github.com/opd-ai/waweb/session"
	"github.com/opd-ai/waweb/transport"
	"go.opentelemetry.io/otel/trace"
)

// Keepalive timing of the web client.
const (
	DefaultKeepaliveInterval = 13 * time.Second
	DefaultKeepaliveTimeout  = 3 * time.Second
)

// Options contains client configuration.
type Options struct {
	// Dialer opens connections. Nil selects a websocket dialer for the
	// default endpoint.
	Dialer transport.Dialer
	// Identity is a previously paired identity. Nil, or an identity without
	// a confirmed server key, starts with pairing.
	Identity *crypto.Identity
	// ClientVersion is announced in the handshake.
	ClientVersion string

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	LoginTimeout      time.Duration
	RequestTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StableWindow   time.Duration

	MalformedFrameLimit int

	// Metrics, when set, records frames, requests and transitions.
	Metrics *metrics.Collectors
	// TracerProvider creates the client tracer. Nil selects the global provider.
	TracerProvider trace.TracerProvider
	// TimeProvider drives the backoff stability window.
	TimeProvider session.TimeProvider
}

// NewOptions returns the default client configuration.
func NewOptions() *Options {
	return &Options{
		ClientVersion:       crypto.DefaultClientVersion,
		ConnectTimeout:      20 * time.Second,
		HandshakeTimeout:    20 * time.Second,
		LoginTimeout:        60 * time.Second,
		RequestTimeout:      30 * time.Second,
		KeepaliveInterval:   DefaultKeepaliveInterval,
		KeepaliveTimeout:    DefaultKeepaliveTimeout,
		InitialBackoff:      session.DefaultInitialBackoff,
		MaxBackoff:          session.DefaultMaxBackoff,
		StableWindow:        session.DefaultStableWindow,
		MalformedFrameLimit: mux.DefaultMalformedLimit,
		TimeProvider:        session.DefaultTimeProvider{},
	}
}

// withDefaults fills zero fields from NewOptions.
func (o Options) withDefaults() Options {
	def := NewOptions()
	if o.Dialer == nil {
		o.Dialer = transport.NewWebSocketDialer(transport.DefaultEndpoint)
	}
	if o.ClientVersion == "" {
		o.ClientVersion = def.ClientVersion
	}
	durations := []struct{ dst, def *time.Duration }{
		{&o.ConnectTimeout, &def.ConnectTimeout},
		{&o.HandshakeTimeout, &def.HandshakeTimeout},
		{&o.LoginTimeout, &def.LoginTimeout},
		{&o.RequestTimeout, &def.RequestTimeout},
		{&o.KeepaliveInterval, &def.KeepaliveInterval},
		{&o.KeepaliveTimeout, &def.KeepaliveTimeout},
		{&o.InitialBackoff, &def.InitialBackoff},
		{&o.MaxBackoff, &def.MaxBackoff},
		{&o.StableWindow, &def.StableWindow},
	}
	for _, d := range durations {
		if *d.dst <= 0 {
			*d.dst = *d.def
		}
	}
	if o.MalformedFrameLimit <= 0 {
		o.MalformedFrameLimit = def.MalformedFrameLimit
	}
	if o.TimeProvider == nil {
		o.TimeProvider = def.TimeProvider
	}
	return o
}
