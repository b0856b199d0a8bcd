package waweb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/event"
	"github.com/opd-ai/waweb/mux"
	"github.com/opd-ai/waweb/node"
	"github.com/opd-ai/waweb/query"
	"github.com/opd-ai/waweb/request"
	"github.com/opd-ai/waweb/session"
	"github.com/opd-ai/waweb/transport"
	"github.com/opd-ai/waweb/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// input is one item for the supervisor. A non-zero gen ties it to a
// connection attempt; inputs of superseded attempts are discarded.
type input struct {
	gen    uint64
	ev     session.Event
	conn   transport.Conn
	result *crypto.HandshakeResult
	push   *node.Node
}

// release frees resources carried by an input that will not be used.
func (in input) release() {
	if in.conn != nil {
		in.conn.Close()
	}
	if in.result != nil {
		in.result.Channel.Close()
	}
}

// attempt is one connection, from dial to teardown.
type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	conn       transport.Conn
	mux        *mux.Mux
	result     *crypto.HandshakeResult
	corr       *request.Correlator
	loginTimer *time.Timer
}

func (c *Client) post(in input) {
	if !c.inputs.push(in) {
		in.release()
	}
}

func (c *Client) supervise(supervised chan<- struct{}) {
	defer close(supervised)
	defer c.events.close()
	for {
		in, ok := c.inputs.pop()
		if !ok {
			return
		}
		c.handle(in)
	}
}

func (c *Client) handle(in input) {
	if in.gen != 0 && in.gen != c.gen {
		c.log.WithFields(logrus.Fields{
			"function": "handle",
			"event":    in.ev.Kind.String(),
			"gen":      in.gen,
			"current":  c.gen,
		}).Debug("Dropping event from superseded attempt")
		in.release()
		return
	}
	if in.push != nil {
		c.handlePush(*in.push)
		return
	}
	c.step(in)
}

// step feeds one event to the state machine and executes its effects.
func (c *Client) step(in input) {
	c.mu.Lock()
	prev := c.snap
	c.mu.Unlock()

	next, effects, ok := session.Transition(prev, in.ev)
	log := c.log.WithFields(logrus.Fields{
		"function": "step",
		"state":    prev.State.String(),
		"event":    in.ev.Kind.String(),
	})
	if !ok {
		log.Debug("Ignoring event")
		in.release()
		return
	}
	if in.ev.Err != nil {
		log = log.WithError(in.ev.Err)
	}
	log.WithField("next", next.State.String()).Info("State transition")

	switch in.ev.Kind {
	case session.EventTransportOpened:
		c.active.conn = in.conn
	case session.EventHandshakeComplete:
		c.active.result = in.result
	}

	c.mu.Lock()
	c.snap = next
	if next.State == session.Terminated {
		c.termErr = terminalError(in.ev)
	}
	c.mu.Unlock()

	if prev.State == session.Authenticated && next.State != session.Authenticated {
		if c.backoff.Disconnected() {
			log.Debug("Session was stable, backoff reset")
		}
	}
	if prev.State != next.State {
		c.opts.Metrics.Transition(prev.State.String(), next.State.String())
		c.emit(event.StateChanged{From: prev.State, To: next.State, Reason: in.ev.Err})
	}

	if in.ev.Kind == session.EventSecurityViolation {
		c.emit(event.SecurityViolation{Err: in.ev.Err})
	}
	for _, eff := range effects {
		c.execute(eff, in.ev)
	}

	switch {
	case in.ev.Kind == session.EventHandshakeComplete:
		c.startSession(c.active)
	case next.State == session.Authenticated && prev.State != session.Authenticated:
		c.backoff.Authenticated()
		if c.active != nil && c.active.loginTimer != nil {
			c.active.loginTimer.Stop()
		}
		c.loggedIn(prev.State == session.Restoring)
	case next.State == session.Terminated:
		c.terminate()
	}
}

func (c *Client) execute(eff session.Effect, ev session.Event) {
	log := c.log.WithFields(logrus.Fields{"function": "execute", "effect": eff.String()})
	log.Debug("Executing effect")

	switch eff {
	case session.OpenTransport:
		c.openTransport()
	case session.StartPairing, session.StartRestore:
		c.startHandshake()
	case session.EmitPairingRef:
		c.emit(event.PairingCode{Code: c.active.result.PairingRef})
	case session.CaptureIdentity:
		id := c.active.result.Identity.Clone()
		c.mu.Lock()
		c.identity = id
		c.mu.Unlock()
	case session.DiscardIdentity:
		c.mu.Lock()
		if c.identity != nil {
			c.identity.Wipe()
		}
		c.identity = nil
		c.mu.Unlock()
		log.WithError(ev.Err).Warn("Stored identity discarded")
		c.emit(event.IdentityDiscarded{Reason: ev.Err})
	case session.StartKeepalive:
		stop := make(chan struct{})
		c.keepStop = stop
		go c.keepalive(c.active, stop)
	case session.StopKeepalive:
		if c.keepStop != nil {
			close(c.keepStop)
			c.keepStop = nil
		}
	case session.CloseTransport:
		c.closeTransport()
	case session.CancelPending:
		c.mu.Lock()
		a := c.active
		c.active = nil
		c.mu.Unlock()
		if a != nil && a.corr != nil {
			cause := ev.Err
			if cause == nil {
				cause = errors.New(ev.Kind.String())
			}
			if n := a.corr.Close(cause); n > 0 {
				log.WithField("pending", n).Info("Cancelled pending requests")
			}
		}
	case session.ScheduleRetry:
		delay := c.backoff.Next()
		c.opts.Metrics.Reconnect()
		gen := c.gen
		log.WithField("delay", delay.String()).Info("Reconnect scheduled")
		c.retry = time.AfterFunc(delay, func() {
			c.post(input{gen: gen, ev: session.Event{Kind: session.EventRetry}})
		})
	}
}

func (c *Client) openTransport() {
	c.gen++
	ctx, cancel := context.WithCancel(c.runCtx)
	a := &attempt{gen: c.gen, ctx: ctx, cancel: cancel}
	c.mu.Lock()
	c.active = a
	c.mu.Unlock()

	go func() {
		dialCtx, cancel := context.WithTimeout(a.ctx, c.opts.ConnectTimeout)
		defer cancel()
		dialCtx, span := c.tracer.Start(dialCtx, "waweb.dial", traceAttempt(a.gen))
		defer span.End()

		conn, err := c.opts.Dialer.Dial(dialCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventTransportFailed, Err: fmt.Errorf("dial: %w", err)}})
			return
		}
		span.SetStatus(codes.Ok, "")
		c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventTransportOpened}, conn: conn})
	}()
}

func (c *Client) startHandshake() {
	a := c.active
	c.mu.Lock()
	id := c.identity.Clone()
	c.mu.Unlock()

	hs, err := crypto.NewHandshake(id, c.opts.ClientVersion)
	if id != nil {
		id.Wipe()
	}
	if err != nil {
		c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventHandshakeFailed, Err: err}})
		return
	}

	opts := []mux.Option{mux.WithMalformedLimit(c.opts.MalformedFrameLimit)}
	if c.opts.Metrics != nil {
		opts = append(opts, mux.WithObserver(c.opts.Metrics))
	}
	a.mux = mux.New(a.conn, opts...)

	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, c.opts.HandshakeTimeout)
		defer cancel()
		ctx, span := c.tracer.Start(ctx, "waweb.handshake", traceAttempt(a.gen),
			traceMode(hs.Mode()))
		defer span.End()

		res, err := a.mux.Handshake(ctx, hs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventHandshakeFailed, Err: err}})
			return
		}
		span.SetStatus(codes.Ok, "")
		c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventHandshakeComplete}, result: res})
	}()
}

// startSession begins reading frames once the channel is up and arms the
// login timer.
func (c *Client) startSession(a *attempt) {
	copts := []request.Option{
		request.WithTagGenerator(c.tags),
		request.WithSink(func(n node.Node) {
			c.post(input{gen: a.gen, push: &n})
		}),
	}
	if c.opts.Metrics != nil {
		copts = append(copts, request.WithObserver(c.opts.Metrics))
	}
	corr := request.NewCorrelator(copts...)
	c.mu.Lock()
	a.corr = corr
	c.mu.Unlock()

	go func() {
		err := a.mux.Run(a.ctx, func(n node.Node) { corr.Dispatch(n) })
		c.post(input{gen: a.gen, ev: c.runFailure(err)})
	}()

	a.loginTimer = time.AfterFunc(c.opts.LoginTimeout, func() {
		c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventRestoreRejected, Err: ErrLoginTimeout}})
	})
}

// runFailure maps the error that ended a connection to a lifecycle event.
func (c *Client) runFailure(err error) session.Event {
	switch {
	case crypto.IsSecurityViolation(err):
		return session.Event{Kind: session.EventSecurityViolation, Err: err}
	case errors.Is(err, mux.ErrDesynchronized):
		return session.Event{Kind: session.EventDesynchronized, Err: err}
	case c.loggingOut.Load():
		return session.Event{Kind: session.EventLogout, Err: ErrLoggedOut}
	}
	return session.Event{Kind: session.EventConnectionLost, Err: err}
}

func (c *Client) closeTransport() {
	a := c.active
	c.gen++
	if a == nil {
		return
	}
	a.cancel()
	if a.loginTimer != nil {
		a.loginTimer.Stop()
	}
	switch {
	case a.mux != nil:
		a.mux.Close()
	case a.conn != nil:
		a.conn.Close()
	}
	if a.result != nil {
		a.result.Identity.Wipe()
	}
}

func (c *Client) loggedIn(restored bool) {
	c.mu.Lock()
	ev := event.LoggedIn{JID: c.jid, Restored: restored}
	if !restored {
		ev.Identity = c.identity.Clone()
	}
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{
		"function": "loggedIn",
		"jid":      ev.JID.String(),
		"restored": restored,
	}).Info("Logged in")
	c.emit(ev)
}

func (c *Client) terminate() {
	if c.retry != nil {
		c.retry.Stop()
	}
	c.runCancel()
	c.inputs.close()
	c.log.WithFields(logrus.Fields{"function": "terminate"}).WithError(c.Err()).Info("Client terminated")
}

// handlePush interprets a node that answered no request.
func (c *Client) handlePush(n node.Node) {
	state := c.State()
	log := c.log.WithFields(logrus.Fields{"function": "handlePush", "node": n.Name, "state": state.String()})

	switch n.Name {
	case "success":
		jid, err := types.ParseJID(n.AttrOr("jid", ""))
		if err != nil {
			log.WithError(err).Warn("Login confirmation without a usable jid")
			c.step(input{ev: session.Event{Kind: session.EventRestoreRejected, Err: err}})
			return
		}
		if state.AwaitingLogin() {
			c.mu.Lock()
			c.jid = jid
			c.mu.Unlock()
		}
		c.step(input{ev: session.Event{Kind: session.EventLoginConfirmed}})
		return

	case "failure":
		reason := n.AttrOr("reason", "")
		if reason == "identity-invalid" && state == session.Restoring {
			c.step(input{ev: session.Event{Kind: session.EventIdentityRejected, Err: fmt.Errorf("%w: %s", ErrIdentityRejected, reason)}})
			return
		}
		c.step(input{ev: session.Event{Kind: session.EventRestoreRejected, Err: fmt.Errorf("login refused: %s", reason)}})
		return

	case "challenge":
		if state == session.Restoring {
			c.answerChallenge(n.Payload())
		}
		return

	case "disconnect":
		switch reason := n.AttrOr("reason", ""); reason {
		case "replaced":
			c.step(input{ev: session.Event{Kind: session.EventReplaced, Err: ErrReplaced}})
		case "removed":
			c.step(input{ev: session.Event{Kind: session.EventRemoved, Err: ErrRemoved}})
		default:
			c.step(input{ev: session.Event{Kind: session.EventConnectionLost, Err: fmt.Errorf("server disconnect: %q", reason)}})
		}
		return

	case "logout":
		c.step(input{ev: session.Event{Kind: session.EventRemoved, Err: ErrRemoved}})
		return

	case "pong":
		log.Debug("Late pong")
		return
	}

	if state != session.Authenticated {
		log.Debug("Dropping push before login")
		return
	}
	for _, ev := range event.Classify(n) {
		c.emit(ev)
	}
}

func (c *Client) answerChallenge(challenge []byte) {
	c.mu.Lock()
	id := c.identity
	a := c.active
	c.mu.Unlock()
	if id == nil || a == nil || a.corr == nil {
		return
	}
	sig, err := id.SignChallenge(challenge)
	if err != nil {
		c.step(input{ev: session.Event{Kind: session.EventRestoreRejected, Err: err}})
		return
	}
	go func() {
		if _, err := a.corr.Send(a.ctx, a.mux, query.ChallengeResponse(sig)); err != nil {
			c.log.WithFields(logrus.Fields{"function": "answerChallenge"}).WithError(err).Debug("Challenge response not sent")
		}
	}()
}

// keepalive pings every interval until stop closes. A missing pong ends
// the connection.
func (c *Client) keepalive(a *attempt, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := a.corr.SendAndWait(a.ctx, a.mux, query.Ping(), c.opts.KeepaliveTimeout)
		if err == nil {
			c.opts.Metrics.Keepalive(true)
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
		if a.ctx.Err() != nil || errors.Is(err, request.ErrSessionClosed) {
			return
		}
		c.opts.Metrics.Keepalive(false)
		c.post(input{gen: a.gen, ev: session.Event{Kind: session.EventKeepaliveFailed, Err: fmt.Errorf("keepalive: %w", err)}})
		return
	}
}

// terminalError is the cause reported by Err for the event that ended the
// client.
func terminalError(ev session.Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	switch ev.Kind {
	case session.EventShutdown:
		return ErrShutdown
	case session.EventLogout:
		return ErrLoggedOut
	case session.EventReplaced:
		return ErrReplaced
	case session.EventRemoved:
		return ErrRemoved
	case session.EventIdentityRejected:
		return ErrIdentityRejected
	}
	return errors.New(ev.Kind.String())
}

func traceAttempt(gen uint64) trace.SpanStartOption {
	return trace.WithAttributes(attribute.Int64("waweb.attempt", int64(gen)))
}

func traceMode(m crypto.Mode) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("waweb.mode", string(m)))
}
