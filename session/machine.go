// Package session models the connection lifecycle of a web session as a
// pure state machine. Transition maps (state, event) to the next state and
// an ordered list of side effects; executing the effects is the caller's job.
package session

import "fmt"

// State is a connection lifecycle state.
type State uint8

const (
	// Disconnected is the initial state and the state between attempts.
	Disconnected State = iota
	// TransportOpening waits for the transport to connect.
	TransportOpening
	// Handshaking runs the key exchange.
	Handshaking
	// AwaitingQRScan waits for the phone to scan the pairing reference.
	AwaitingQRScan
	// Restoring waits for the server to accept a stored identity.
	Restoring
	// Authenticated is the steady state.
	Authenticated
	// Terminated is final; no reconnect is attempted.
	Terminated
)

var stateNames = [...]string{
	Disconnected:     "disconnected",
	TransportOpening: "transport_opening",
	Handshaking:      "handshaking",
	AwaitingQRScan:   "awaiting_qr_scan",
	Restoring:        "restoring",
	Authenticated:    "authenticated",
	Terminated:       "terminated",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// AwaitingLogin reports whether s is one of the login sub-states.
func (s State) AwaitingLogin() bool {
	return s == AwaitingQRScan || s == Restoring
}

// connected reports whether a transport is open in s.
func (s State) connected() bool {
	return s >= Handshaking && s <= Authenticated
}

// EventKind identifies an input to the state machine.
type EventKind uint8

const (
	// EventStart is an explicit start request.
	EventStart EventKind = iota
	// EventRetry fires when the backoff delay has elapsed.
	EventRetry
	// EventTransportOpened reports a connected transport.
	EventTransportOpened
	// EventTransportFailed reports a failed or timed out transport open.
	EventTransportFailed
	// EventHandshakeComplete reports established session keys.
	EventHandshakeComplete
	// EventHandshakeFailed reports a failed key exchange.
	EventHandshakeFailed
	// EventLoginConfirmed is the server's login confirmation push.
	EventLoginConfirmed
	// EventRestoreRejected is a transient restore rejection.
	EventRestoreRejected
	// EventIdentityRejected is an explicit "identity invalid" rejection.
	EventIdentityRejected
	// EventConnectionLost reports a transport error after the transport opened.
	EventConnectionLost
	// EventKeepaliveFailed reports a missing pong.
	EventKeepaliveFailed
	// EventDesynchronized reports repeated malformed frames.
	EventDesynchronized
	// EventSecurityViolation reports an authentication or ordering failure on a frame.
	EventSecurityViolation
	// EventReplaced reports that another browser took over the session.
	EventReplaced
	// EventRemoved reports that the phone unlinked this browser.
	EventRemoved
	// EventLogout is an explicit logout.
	EventLogout
	// EventShutdown is a caller-initiated permanent shutdown.
	EventShutdown
)

var eventNames = [...]string{
	EventStart:             "start",
	EventRetry:             "retry",
	EventTransportOpened:   "transport_opened",
	EventTransportFailed:   "transport_failed",
	EventHandshakeComplete: "handshake_complete",
	EventHandshakeFailed:   "handshake_failed",
	EventLoginConfirmed:    "login_confirmed",
	EventRestoreRejected:   "restore_rejected",
	EventIdentityRejected:  "identity_rejected",
	EventConnectionLost:    "connection_lost",
	EventKeepaliveFailed:   "keepalive_failed",
	EventDesynchronized:    "desynchronized",
	EventSecurityViolation: "security_violation",
	EventReplaced:          "replaced",
	EventRemoved:           "removed",
	EventLogout:            "logout",
	EventShutdown:          "shutdown",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is one input to Transition. Err carries the cause, if any.
type Event struct {
	Kind EventKind
	Err  error
}

// Effect is a side effect requested by a transition.
type Effect uint8

const (
	// OpenTransport dials the remote endpoint.
	OpenTransport Effect = iota
	// StartPairing runs a fresh pairing handshake.
	StartPairing
	// StartRestore runs a restore handshake with the stored identity.
	StartRestore
	// EmitPairingRef hands the pairing reference to the caller.
	EmitPairingRef
	// CaptureIdentity stores the newly paired identity for later restores.
	CaptureIdentity
	// DiscardIdentity drops the stored identity and tells the caller to do the same.
	DiscardIdentity
	// StartKeepalive begins periodic pings.
	StartKeepalive
	// StopKeepalive stops periodic pings.
	StopKeepalive
	// CloseTransport closes the connection and wipes the channel keys.
	CloseTransport
	// CancelPending resolves every pending request with a session-closed error.
	CancelPending
	// ScheduleRetry arms the backoff timer.
	ScheduleRetry
)

var effectNames = [...]string{
	OpenTransport:   "open_transport",
	StartPairing:    "start_pairing",
	StartRestore:    "start_restore",
	EmitPairingRef:  "emit_pairing_ref",
	CaptureIdentity: "capture_identity",
	DiscardIdentity: "discard_identity",
	StartKeepalive:  "start_keepalive",
	StopKeepalive:   "stop_keepalive",
	CloseTransport:  "close_transport",
	CancelPending:   "cancel_pending",
	ScheduleRetry:   "schedule_retry",
}

func (e Effect) String() string {
	if int(e) < len(effectNames) {
		return effectNames[e]
	}
	return fmt.Sprintf("Effect(%d)", uint8(e))
}

// Snapshot is the full input state of the machine.
type Snapshot struct {
	State       State
	HasIdentity bool
}

// Transition applies ev to s. It reports false, with s unchanged and no
// effects, when ev is not meaningful in s.
func Transition(s Snapshot, ev Event) (Snapshot, []Effect, bool) {
	if s.State == Terminated {
		return s, nil, false
	}

	// Events accepted in every live state.
	switch ev.Kind {
	case EventShutdown:
		return terminate(s, false)
	case EventSecurityViolation:
		if s.State.connected() {
			return terminate(s, false)
		}
	}

	switch s.State {
	case Disconnected:
		if ev.Kind == EventStart || ev.Kind == EventRetry {
			return Snapshot{State: TransportOpening, HasIdentity: s.HasIdentity}, []Effect{OpenTransport}, true
		}

	case TransportOpening:
		switch ev.Kind {
		case EventTransportOpened:
			start := StartPairing
			if s.HasIdentity {
				start = StartRestore
			}
			return Snapshot{State: Handshaking, HasIdentity: s.HasIdentity}, []Effect{start}, true
		case EventTransportFailed, EventConnectionLost:
			return retry(s)
		}

	case Handshaking:
		switch ev.Kind {
		case EventHandshakeComplete:
			if s.HasIdentity {
				return Snapshot{State: Restoring, HasIdentity: true}, nil, true
			}
			return Snapshot{State: AwaitingQRScan}, []Effect{EmitPairingRef}, true
		case EventHandshakeFailed, EventConnectionLost, EventDesynchronized:
			return retry(s)
		}

	case AwaitingQRScan:
		switch ev.Kind {
		case EventLoginConfirmed:
			return Snapshot{State: Authenticated, HasIdentity: true}, []Effect{CaptureIdentity, StartKeepalive}, true
		case EventConnectionLost, EventDesynchronized, EventRestoreRejected:
			return retry(s)
		case EventReplaced:
			return terminate(s, false)
		}

	case Restoring:
		switch ev.Kind {
		case EventLoginConfirmed:
			return Snapshot{State: Authenticated, HasIdentity: true}, []Effect{StartKeepalive}, true
		case EventRestoreRejected, EventConnectionLost, EventKeepaliveFailed, EventDesynchronized:
			return retry(s)
		case EventIdentityRejected, EventRemoved:
			return terminate(s, true)
		case EventReplaced:
			return terminate(s, false)
		}

	case Authenticated:
		switch ev.Kind {
		case EventConnectionLost, EventKeepaliveFailed, EventDesynchronized:
			return retry(s)
		case EventLogout, EventRemoved:
			return terminate(s, true)
		case EventReplaced:
			return terminate(s, false)
		}
	}
	return s, nil, false
}

// retry tears down the attempt and schedules the next one. CancelPending
// always precedes ScheduleRetry.
func retry(s Snapshot) (Snapshot, []Effect, bool) {
	effects := make([]Effect, 0, 4)
	if s.State == Authenticated {
		effects = append(effects, StopKeepalive)
	}
	effects = append(effects, CloseTransport, CancelPending, ScheduleRetry)
	return Snapshot{State: Disconnected, HasIdentity: s.HasIdentity}, effects, true
}

func terminate(s Snapshot, discard bool) (Snapshot, []Effect, bool) {
	effects := make([]Effect, 0, 4)
	if s.State == Authenticated {
		effects = append(effects, StopKeepalive)
	}
	if s.State != Disconnected {
		effects = append(effects, CloseTransport)
	}
	effects = append(effects, CancelPending)
	hasIdentity := s.HasIdentity
	if discard && hasIdentity {
		effects = append(effects, DiscardIdentity)
		hasIdentity = false
	}
	return Snapshot{State: Terminated, HasIdentity: hasIdentity}, effects, true
}
