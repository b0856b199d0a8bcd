package session

import "time"

// Default reconnect pacing.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 2 * time.Minute
	DefaultStableWindow   = 30 * time.Second
)

// Backoff computes reconnect delays. Delays start at Initial and double up
// to Max. The sequence restarts once an authenticated period lasted at least
// StableWindow. Backoff is not safe for concurrent use; the session
// supervisor owns it.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	StableWindow time.Duration

	clock           TimeProvider
	current         time.Duration
	authenticatedAt time.Time
}

// NewBackoff creates a backoff policy. Zero values select the defaults and a
// nil clock selects the wall clock.
func NewBackoff(initial, maxDelay, stable time.Duration, clock TimeProvider) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay < initial {
		maxDelay = DefaultMaxBackoff
		if maxDelay < initial {
			maxDelay = initial
		}
	}
	if stable <= 0 {
		stable = DefaultStableWindow
	}
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &Backoff{Initial: initial, Max: maxDelay, StableWindow: stable, clock: clock}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	switch {
	case b.current == 0:
		b.current = b.Initial
	case b.current < b.Max:
		b.current *= 2
		if b.current > b.Max {
			b.current = b.Max
		}
	}
	return b.current
}

// Authenticated records the start of an authenticated period.
func (b *Backoff) Authenticated() {
	b.authenticatedAt = b.clock.Now()
}

// Disconnected closes the authenticated period, if any, and resets the
// sequence when it was stable. It reports whether a reset happened.
func (b *Backoff) Disconnected() bool {
	if b.authenticatedAt.IsZero() {
		return false
	}
	stable := b.clock.Since(b.authenticatedAt) >= b.StableWindow
	b.authenticatedAt = time.Time{}
	if stable {
		b.Reset()
	}
	return stable
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() {
	b.current = 0
}

// Current returns the last delay handed out, or zero.
func (b *Backoff) Current() time.Duration {
	return b.current
}
