// Package transport carries link frames over a byte stream.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Link frames (CBOR, pkg/wire) │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS (optional)               │
//	├────────────────────────────────┤
//	│   TCP                          │
//	└────────────────────────────────┘
//
// A Connection owns one read loop and dispatches every non-control frame to
// its Handler. Ping, Pong and Goodbye frames are handled here: pings are
// answered, pongs feed the keep-alive monitor, and a goodbye closes the
// connection with ErrPeerGoodbye.
//
// # Keep-Alive
//
// Liveness is probed with numbered pings:
//   - Ping interval: 30 seconds
//   - Pong timeout: 10 seconds
//   - Max missed pongs: 3
//
// A connection whose peer misses the limit is closed with
// ErrKeepAliveTimeout.
package transport
