// Package metrics exports session engine activity as Prometheus collectors.
// A *Collectors satisfies the observer interfaces of the mux and request
// packages; a nil *Collectors records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace prefixes every metric name (default: "waweb").
	Namespace string

	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the request latency histogram buckets.
	Buckets []float64

	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Option configures Collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithBuckets sets the latency histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry sets the registry the collectors are registered with.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Collectors holds the session engine metrics.
type Collectors struct {
	frames        *prometheus.CounterVec
	frameBytes    *prometheus.CounterVec
	frameRejected *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	pending       prometheus.Gauge
	transitions   *prometheus.CounterVec
	reconnects    prometheus.Counter
	keepalive     *prometheus.CounterVec
}

// New creates and registers the collectors. Registering twice with the same
// registry panics, as with promauto.
func New(opts ...Option) *Collectors {
	cfg := Config{
		Namespace: "waweb",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collectors{
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frames_total",
			Help:        "Sealed frames by direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		frameBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frame_bytes_total",
			Help:        "Sealed frame bytes by direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		frameRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frames_rejected_total",
			Help:        "Inbound frames rejected by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "requests_total",
			Help:        "Tagged requests by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),

		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "request_duration_seconds",
			Help:        "Time from registration to completion of tagged requests",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"outcome"}),

		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "pending_requests",
			Help:        "Requests awaiting a response",
			ConstLabels: cfg.ConstLabels,
		}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "state_transitions_total",
			Help:        "Session state transitions",
			ConstLabels: cfg.ConstLabels,
		}, []string{"from", "to"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "reconnects_total",
			Help:        "Scheduled reconnect attempts",
			ConstLabels: cfg.ConstLabels,
		}),

		keepalive: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "keepalives_total",
			Help:        "Keepalive pings by result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
	}
}

// FrameReceived counts an inbound frame.
func (c *Collectors) FrameReceived(size int) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues("in").Inc()
	c.frameBytes.WithLabelValues("in").Add(float64(size))
}

// FrameSent counts an outbound frame.
func (c *Collectors) FrameSent(size int) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues("out").Inc()
	c.frameBytes.WithLabelValues("out").Add(float64(size))
}

// FrameRejected counts an inbound frame that was dropped or failed verification.
func (c *Collectors) FrameRejected(reason string) {
	if c == nil {
		return
	}
	c.frameRejected.WithLabelValues(reason).Inc()
}

// RequestCompleted records a finished request.
func (c *Collectors) RequestCompleted(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		c.latency.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}
}

// PendingChanged sets the pending request gauge.
func (c *Collectors) PendingChanged(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

// Transition counts a state change.
func (c *Collectors) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// Reconnect counts a scheduled reconnect.
func (c *Collectors) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// Keepalive counts a keepalive ping; ok is false for a missed pong.
func (c *Collectors) Keepalive(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "missed"
	}
	c.keepalive.WithLabelValues(result).Inc()
}
