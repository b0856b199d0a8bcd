package waweb

import "errors"

var (
	// ErrIdentityRejected indicates the server refused the stored identity
	ErrIdentityRejected = errors.New("identity rejected")
	// ErrReplaced indicates another client took over the session
	ErrReplaced = errors.New("session replaced by another client")
	// ErrRemoved indicates the phone unlinked this client
	ErrRemoved = errors.New("client removed by phone")
	// ErrNotAuthenticated indicates a request outside the authenticated state
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrLoggedOut indicates the session ended by logout
	ErrLoggedOut = errors.New("logged out")
	// ErrShutdown indicates the client was closed
	ErrShutdown = errors.New("client shut down")
	// ErrAlreadyStarted indicates a second Start call
	ErrAlreadyStarted = errors.New("client already started")
	// ErrLoginTimeout indicates no login confirmation arrived in time
	ErrLoginTimeout = errors.New("login confirmation timed out")
)
