// Package transport provides message-framed duplex connections for the
// session engine.
//
// The engine only needs whole frames in both directions, so every adapter
// implements [Conn]:
//
//   - [WebSocketDialer] connects to the web endpoint over gorilla/websocket,
//     one binary message per frame. [Upgrade] is the server half.
//   - [TCPDialer] and [NewTCPConn] carry frames over a stream with a 4-byte
//     big-endian length prefix.
//   - [Pipe] returns two connected in-memory ends for tests and simulation.
//
// Dialers are used by the session supervisor, which owns reconnect policy;
// no adapter retries on its own.
package transport
