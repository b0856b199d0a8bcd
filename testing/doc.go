// Package testing provides an in-memory simulated server for deterministic
// tests of clients built on this module.
//
// # Overview
//
// Server plays the service side of the protocol over transport.Pipe: it
// answers the handshake, confirms or rejects logins, optionally challenges
// restores, answers keepalive pings and routes tagged requests to
// registered handlers. Tests drive the scenarios a real service produces:
//
//   - pairing: the client shows a pairing code, the test "scans" it with
//     ConfirmPairing and the server pushes the login confirmation;
//   - restore: a previously paired identity reconnects and is accepted,
//     challenged, transiently refused, or rejected as invalid;
//   - connection loss: DropConnections closes every live connection;
//   - takeover and unlinking: Disconnect pushes a disconnect reason;
//   - integrity failures: SendTampered and SendRaw inject broken frames.
//
// # Usage
//
//	srv := testing.NewServer(testing.ServerOptions{})
//	opts := waweb.NewOptions()
//	opts.Dialer = srv.Dialer()
//	client, _ := waweb.New(opts)
//
// Server also implements http.Handler, upgrading requests to websockets, so
// it can sit behind httptest.NewServer for transport-level tests.
//
// This package is for tests only. Nothing it does is cryptographically
// reviewed beyond what the crypto package provides.
package testing
