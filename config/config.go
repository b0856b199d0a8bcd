// Package config loads client settings from TOML files. Keys absent from a
// file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/waweb"
	"github.com/opd-ai/waweb/transport"
	"github.com/sirupsen/logrus"
)

// ErrInvalidConfig indicates a setting outside its allowed range
var ErrInvalidConfig = errors.New("invalid config")

// Config is the file configuration of a client and the CLI around it.
type Config struct {
	Endpoint      string
	Origin        string
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

	LogLevel     string
	LogFormat    string
	IdentityFile string
	MetricsAddr  string
}

type fileConfig struct {
	Endpoint            string `toml:"endpoint"`
	Origin              string `toml:"origin"`
	ClientVersion       string `toml:"client_version"`
	ConnectTimeout      string `toml:"connect_timeout"`
	HandshakeTimeout    string `toml:"handshake_timeout"`
	LoginTimeout        string `toml:"login_timeout"`
	RequestTimeout      string `toml:"request_timeout"`
	KeepaliveInterval   string `toml:"keepalive_interval"`
	KeepaliveTimeout    string `toml:"keepalive_timeout"`
	InitialBackoff      string `toml:"initial_backoff"`
	MaxBackoff          string `toml:"max_backoff"`
	StableWindow        string `toml:"stable_window"`
	MalformedFrameLimit int    `toml:"malformed_frame_limit"`
	LogLevel            string `toml:"log_level"`
	LogFormat           string `toml:"log_format"`
	IdentityFile        string `toml:"identity_file"`
	MetricsAddr         string `toml:"metrics_addr"`
}

// Default returns the settings of waweb.NewOptions plus CLI defaults.
func Default() Config {
	o := waweb.NewOptions()
	return Config{
		Endpoint:            transport.DefaultEndpoint,
		Origin:              transport.DefaultOrigin,
		ClientVersion:       o.ClientVersion,
		ConnectTimeout:      o.ConnectTimeout,
		HandshakeTimeout:    o.HandshakeTimeout,
		LoginTimeout:        o.LoginTimeout,
		RequestTimeout:      o.RequestTimeout,
		KeepaliveInterval:   o.KeepaliveInterval,
		KeepaliveTimeout:    o.KeepaliveTimeout,
		InitialBackoff:      o.InitialBackoff,
		MaxBackoff:          o.MaxBackoff,
		StableWindow:        o.StableWindow,
		MalformedFrameLimit: o.MalformedFrameLimit,
		LogLevel:            "info",
		LogFormat:           "text",
		IdentityFile:        "waweb.identity",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode reads TOML from r over the defaults and validates the result.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	setString := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("endpoint", raw.Endpoint, &cfg.Endpoint)
	setString("origin", raw.Origin, &cfg.Origin)
	setString("client_version", raw.ClientVersion, &cfg.ClientVersion)
	setString("log_level", raw.LogLevel, &cfg.LogLevel)
	setString("log_format", raw.LogFormat, &cfg.LogFormat)
	setString("identity_file", raw.IdentityFile, &cfg.IdentityFile)
	setString("metrics_addr", raw.MetricsAddr, &cfg.MetricsAddr)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"login_timeout", raw.LoginTimeout, &cfg.LoginTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.KeepaliveInterval},
		{"keepalive_timeout", raw.KeepaliveTimeout, &cfg.KeepaliveTimeout},
		{"initial_backoff", raw.InitialBackoff, &cfg.InitialBackoff},
		{"max_backoff", raw.MaxBackoff, &cfg.MaxBackoff},
		{"stable_window", raw.StableWindow, &cfg.StableWindow},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("malformed_frame_limit") {
		cfg.MalformedFrameLimit = raw.MalformedFrameLimit
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	positive := map[string]time.Duration{
		"connect_timeout":    c.ConnectTimeout,
		"handshake_timeout":  c.HandshakeTimeout,
		"login_timeout":      c.LoginTimeout,
		"request_timeout":    c.RequestTimeout,
		"keepalive_interval": c.KeepaliveInterval,
		"keepalive_timeout":  c.KeepaliveTimeout,
		"initial_backoff":    c.InitialBackoff,
		"max_backoff":        c.MaxBackoff,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, key, v)
		}
	}
	if c.StableWindow < 0 {
		return fmt.Errorf("%w: stable_window must not be negative", ErrInvalidConfig)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%w: max_backoff %s below initial_backoff %s", ErrInvalidConfig, c.MaxBackoff, c.InitialBackoff)
	}
	if c.KeepaliveTimeout >= c.KeepaliveInterval {
		return fmt.Errorf("%w: keepalive_timeout must be shorter than keepalive_interval", ErrInvalidConfig)
	}
	if c.MalformedFrameLimit <= 0 {
		return fmt.Errorf("%w: malformed_frame_limit must be positive", ErrInvalidConfig)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// Apply copies the client settings into o and installs a websocket dialer
// for the configured endpoint.
func (c Config) Apply(o *waweb.Options) {
	o.ClientVersion = c.ClientVersion
	o.ConnectTimeout = c.ConnectTimeout
	o.HandshakeTimeout = c.HandshakeTimeout
	o.LoginTimeout = c.LoginTimeout
	o.RequestTimeout = c.RequestTimeout
	o.KeepaliveInterval = c.KeepaliveInterval
	o.KeepaliveTimeout = c.KeepaliveTimeout
	o.InitialBackoff = c.InitialBackoff
	o.MaxBackoff = c.MaxBackoff
	o.StableWindow = c.StableWindow
	o.MalformedFrameLimit = c.MalformedFrameLimit

	d := transport.NewWebSocketDialer(c.Endpoint)
	d.Origin = c.Origin
	d.HandshakeTimeout = c.ConnectTimeout
	o.Dialer = d
}

// ApplyLogging configures the standard logrus logger.
func (c Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
