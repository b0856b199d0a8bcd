package waweb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/event"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/query"
	"github.com/opd-ai/waweb/request"
	"github.com/opd-ai/waweb/session"
	"github.com/opd-ai/waweb/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/opd-ai/waweb"

// Client is one web session. It connects, logs in by pairing or restore,
// keeps the session alive and reconnects until it is terminated.
//
// All lifecycle decisions are taken by a single supervisor goroutine that
// feeds session.Transition; events from superseded connection attempts are
// discarded. Application events are delivered in order by one dispatcher
// goroutine.
type Client struct {
	opts   Options
	log    *logrus.Entry
	tracer trace.Tracer

	inputs *queue[input]
	events *queue[event.Event]

	handlersMu sync.RWMutex
	handlers   []func(event.Event)

	mu       sync.Mutex
	snap     session.Snapshot
	active   *attempt
	jid      types.JID
	identity *crypto.Identity
	termErr  error

	// Owned by the supervisor goroutine.
	gen       uint64
	backoff   *session.Backoff
	retry     *time.Timer
	keepStop  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	epoch     query.Epoch
	tags      *request.EpochTags

	started    atomic.Bool
	loggingOut atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
}

// New creates a stopped client.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	o := opts.withDefaults()
	if o.KeepaliveTimeout >= o.KeepaliveInterval {
		return nil, fmt.Errorf("keepalive timeout %s must be shorter than interval %s", o.KeepaliveTimeout, o.KeepaliveInterval)
	}

	c := &Client{
		opts:    o,
		log:     logrus.WithFields(logrus.Fields{"package": "waweb"}),
		inputs:  newQueue[input](),
		events:  newQueue[event.Event](),
		backoff: session.NewBackoff(o.InitialBackoff, o.MaxBackoff, o.StableWindow, o.TimeProvider),
		tags:    request.NewEpochTags(time.Now()),
		done:    make(chan struct{}),
	}
	if o.Identity != nil && o.Identity.HasServerStatic() {
		if err := o.Identity.Validate(); err != nil {
			return nil, err
		}
		c.identity = o.Identity.Clone()
		c.snap.HasIdentity = true
	}
	tp := o.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.tracer = tp.Tracer(tracerName)
	return c, nil
}

// OnEvent registers h for every later event. Handlers run one at a time on
// the dispatcher goroutine, in event order, and must not call Close or
// Logout.
func (c *Client) OnEvent(h func(event.Event)) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Start begins connecting. Cancelling ctx shuts the client down.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	supervised := make(chan struct{})
	go c.dispatch(supervised)
	go c.supervise(supervised)
	context.AfterFunc(ctx, func() {
		c.post(input{ev: session.Event{Kind: session.EventShutdown, Err: fmt.Errorf("%w: %v", ErrShutdown, ctx.Err())}})
	})
	c.post(input{ev: session.Event{Kind: session.EventStart}})
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.State
}

// JID returns the logged in address, or the zero JID before login.
func (c *Client) JID() types.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

// Identity returns a copy of the identity used for the next restore, or nil.
func (c *Client) Identity() *crypto.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.Clone()
}

// Err returns the cause of termination, or nil while the client runs.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Done is closed once the client has terminated and every event has been
// delivered.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendAndWait sends n and waits for the reply carrying its tag.
func (c *Client) SendAndWait(ctx context.Context, n node.Node) (node.Node, error) {
	a, err := c.authenticated()
	if err != nil {
		return node.Node{}, err
	}
	ctx, span := c.tracer.Start(ctx, "waweb.SendAndWait", trace.WithAttributes(attribute.String("waweb.node", n.Name)))
	defer span.End()

	resp, err := a.corr.SendAndWait(ctx, a.mux, n, c.opts.RequestTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return node.Node{}, err
	}
	span.SetAttributes(attribute.Int("waweb.children", len(resp.Children())))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Send writes n with a tag and returns without waiting. Any reply is
// delivered as an event.
func (c *Client) Send(ctx context.Context, n node.Node) (string, error) {
	a, err := c.authenticated()
	if err != nil {
		return "", err
	}
	if n.Name == "action" && n.AttrOr("type", "") == "set" {
		n = c.epoch.Stamp(n)
	}
	return a.corr.Send(ctx, a.mux, n)
}

// History fetches up to count messages of chat older than before.
func (c *Client) History(ctx context.Context, chat types.JID, before types.MessageID, fromMe bool, count int) ([]event.MessageReceived, error) {
	q, err := query.MessagesBefore(chat, before, fromMe, count)
	if err != nil {
		return nil, err
	}
	resp, err := c.SendAndWait(ctx, q)
	if err != nil {
		return nil, err
	}
	return event.MessagesFromResponse(resp)
}

// Logout unlinks this client, discards its identity and terminates. It
// waits until termination completes or ctx ends.
func (c *Client) Logout(ctx context.Context) error {
	a, err := c.authenticated()
	if err != nil {
		return err
	}
	c.loggingOut.Store(true)
	if _, err := a.corr.Send(ctx, a.mux, query.Logout()); err != nil {
		c.loggingOut.Store(false)
		return fmt.Errorf("logout: %w", err)
	}
	c.post(input{ev: session.Event{Kind: session.EventLogout, Err: ErrLoggedOut}})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the client and waits for the event dispatcher to drain.
func (c *Client) Close() error {
	if c.started.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.snap.State = session.Terminated
		c.termErr = ErrShutdown
		c.mu.Unlock()
		c.closeOnce.Do(func() { close(c.done) })
		return nil
	}
	c.post(input{ev: session.Event{Kind: session.EventShutdown, Err: ErrShutdown}})
	<-c.done
	return nil
}

// authenticated returns the live attempt when requests may be sent.
func (c *Client) authenticated() (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.State != session.Authenticated || c.active == nil || c.active.corr == nil {
		return nil, fmt.Errorf("%w: state %s", ErrNotAuthenticated, c.snap.State)
	}
	return c.active, nil
}

func (c *Client) emit(ev event.Event) {
	c.events.push(ev)
}

// dispatch delivers events until the supervisor has exited and the queue
// is drained.
func (c *Client) dispatch(supervised <-chan struct{}) {
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		ev, ok := c.events.pop()
		if !ok {
			<-supervised
			return
		}
		c.handlersMu.RLock()
		handlers := c.handlers
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}
