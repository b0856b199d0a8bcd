// Package request correlates outbound protocol requests with their
// responses. Every request carries a session-unique "tag" attribute; the
// server echoes it on the reply. Inbound nodes that match no waiting caller
// are server pushes and go to the event sink.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/waweb/node"
	"github.com/sirupsen/logrus"
)

// TagAttr is the attribute that carries the correlation tag.
const TagAttr = "tag"

// DefaultRecentCapacity is how many finished tags are remembered for duplicate detection.
const DefaultRecentCapacity = 4096

var (
	// ErrTimeout indicates no response arrived within the request timeout
	ErrTimeout = errors.New("request timed out")
	// ErrSessionClosed indicates the session ended before a response arrived
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateTag indicates a tag already in use in this session
	ErrDuplicateTag = errors.New("duplicate request tag")
)

// Writer submits an encoded node to the connection. It is satisfied by the
// frame multiplexer.
type Writer interface {
	WriteNode(ctx context.Context, n node.Node) error
}

// Sink receives inbound nodes that match no pending request.
type Sink func(n node.Node)

// Observer is notified of request outcomes. Implementations must not block.
type Observer interface {
	RequestCompleted(outcome string, elapsed time.Duration)
	PendingChanged(n int)
}

// Outcomes reported to an Observer.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeClosed    = "closed"
	OutcomeCancelled = "cancelled"
	OutcomeDuplicate = "duplicate"
)

// Pending is one request awaiting its response.
type Pending struct {
	Tag     string
	Created time.Time
	done    chan result
}

type result struct {
	n   node.Node
	err error
}

// Correlator owns the pending request table of one connection. Correlators
// of one logical session must share a TagGenerator so tags are not reused
// across reconnects.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*Pending
	recent   *recentTags
	closeErr error

	tags     TagGenerator
	sink     Sink
	now      func() time.Time
	observer Observer
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTagGenerator replaces the default epoch tag generator.
func WithTagGenerator(g TagGenerator) Option {
	return func(c *Correlator) { c.tags = g }
}

// WithSink sets the destination for unmatched inbound nodes.
func WithSink(s Sink) Option {
	return func(c *Correlator) { c.sink = s }
}

// WithClock sets the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithObserver reports request outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(c *Correlator) { c.observer = o }
}

// WithRecentCapacity bounds the memory of finished tags.
func WithRecentCapacity(n int) Option {
	return func(c *Correlator) { c.recent = newRecentTags(n) }
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[string]*Pending),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recent == nil {
		c.recent = newRecentTags(DefaultRecentCapacity)
	}
	if c.tags == nil {
		c.tags = NewEpochTags(c.now())
	}
	return c
}

// Register attaches a tag to n when it has none and records a pending entry.
// The returned node is the one to transmit.
func (c *Correlator) Register(n node.Node) (node.Node, *Pending, error) {
	tag, ok := n.Attr(TagAttr)
	if !ok || tag == "" {
		tag = c.tags.Next()
		n = n.WithAttr(TagAttr, tag)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return n, nil, c.closeErr
	}
	if _, busy := c.pending[tag]; busy {
		return n, nil, fmt.Errorf("%w: %s is pending", ErrDuplicateTag, tag)
	}
	if _, used := c.recent.get(tag); used {
		return n, nil, fmt.Errorf("%w: %s was already used", ErrDuplicateTag, tag)
	}
	p := &Pending{Tag: tag, Created: c.now(), done: make(chan result, 1)}
	c.pending[tag] = p
	c.notifyPending(len(c.pending))
	return n, p, nil
}

// Await blocks until p resolves, the timeout elapses or ctx ends. A zero
// timeout waits for ctx only. On timeout or cancellation the entry is
// removed at once so a late response goes to the sink.
func (c *Correlator) Await(ctx context.Context, p *Pending, timeout time.Duration) (node.Node, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-p.done:
		return r.n, r.err
	case <-expired:
		if r, ok := c.abandon(p); ok {
			return r.n, r.err
		}
		c.observe(OutcomeTimeout, p)
		return node.Node{}, fmt.Errorf("%w: tag %s after %s", ErrTimeout, p.Tag, timeout)
	case <-ctx.Done():
		if r, ok := c.abandon(p); ok {
			return r.n, r.err
		}
		c.observe(OutcomeCancelled, p)
		return node.Node{}, ctx.Err()
	}
}

// SendAndWait registers n, writes it through w and waits for the response.
func (c *Correlator) SendAndWait(ctx context.Context, w Writer, n node.Node, timeout time.Duration) (node.Node, error) {
	out, p, err := c.Register(n)
	if err != nil {
		return node.Node{}, err
	}
	if err := w.WriteNode(ctx, out); err != nil {
		if r, ok := c.abandon(p); ok && r.err != nil {
			return node.Node{}, r.err
		}
		return node.Node{}, fmt.Errorf("send %s: %w", p.Tag, err)
	}
	return c.Await(ctx, p, timeout)
}

// Send writes n with a tag attached but does not wait. Any reply is
// delivered to the sink. It returns the tag used.
func (c *Correlator) Send(ctx context.Context, w Writer, n node.Node) (string, error) {
	tag, ok := n.Attr(TagAttr)
	if !ok || tag == "" {
		tag = c.tags.Next()
		n = n.WithAttr(TagAttr, tag)
	}
	c.mu.Lock()
	closed := c.closeErr
	c.mu.Unlock()
	if closed != nil {
		return "", closed
	}
	if err := w.WriteNode(ctx, n); err != nil {
		return "", fmt.Errorf("send %s: %w", tag, err)
	}
	return tag, nil
}

// Dispatch routes an inbound node. It reports whether a waiting caller was
// resolved. Unmatched nodes go to the sink; a second response for a tag that
// was already matched is logged and dropped. Dispatch never blocks.
func (c *Correlator) Dispatch(n node.Node) bool {
	tag, ok := n.Attr(TagAttr)
	if !ok {
		c.forward(n)
		return false
	}

	c.mu.Lock()
	p, found := c.pending[tag]
	if found {
		delete(c.pending, tag)
		c.recent.add(tag, tagResolved)
		c.notifyPending(len(c.pending))
	}
	state, seen := c.recent.get(tag)
	c.mu.Unlock()

	if found {
		p.done <- result{n: n}
		c.observe(OutcomeOK, p)
		return true
	}
	if seen && state == tagResolved {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"package":  "request",
			"tag":      tag,
			"node":     n.Name,
		}).Warn("Discarding duplicate response for resolved tag")
		if c.observer != nil {
			c.observer.RequestCompleted(OutcomeDuplicate, 0)
		}
		return false
	}
	c.forward(n)
	return false
}

// Close resolves every pending request with ErrSessionClosed and rejects
// further registrations. cause, when non-nil, is included in the error.
// Close is idempotent; it returns the number of requests it resolved.
func (c *Correlator) Close(cause error) int {
	err := ErrSessionClosed
	if cause != nil && !errors.Is(cause, ErrSessionClosed) {
		err = fmt.Errorf("%w: %v", ErrSessionClosed, cause)
	}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return 0
	}
	c.closeErr = err
	drained := make([]*Pending, 0, len(c.pending))
	for tag, p := range c.pending {
		drained = append(drained, p)
		delete(c.pending, tag)
		c.recent.add(tag, tagAbandoned)
	}
	c.notifyPending(0)
	c.mu.Unlock()

	for _, p := range drained {
		p.done <- result{err: err}
		c.observe(OutcomeClosed, p)
	}
	if len(drained) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"package":  "request",
			"resolved": len(drained),
		}).Debug("Resolved pending requests at teardown")
	}
	return len(drained)
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Closed reports whether Close has been called.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr != nil
}

// abandon removes p if it is still pending. When p was resolved concurrently
// it returns that result instead.
func (c *Correlator) abandon(p *Pending) (result, bool) {
	c.mu.Lock()
	if cur, ok := c.pending[p.Tag]; ok && cur == p {
		delete(c.pending, p.Tag)
		c.recent.add(p.Tag, tagAbandoned)
		c.notifyPending(len(c.pending))
		c.mu.Unlock()
		return result{}, false
	}
	c.mu.Unlock()
	// The resolver removed the entry under the lock and always delivers.
	return <-p.done, true
}

func (c *Correlator) forward(n node.Node) {
	if c.sink != nil {
		c.sink(n)
	}
}

func (c *Correlator) observe(outcome string, p *Pending) {
	if c.observer != nil {
		c.observer.RequestCompleted(outcome, c.now().Sub(p.Created))
	}
}

func (c *Correlator) notifyPending(n int) {
	if c.observer != nil {
		c.observer.PendingChanged(n)
	}
}
