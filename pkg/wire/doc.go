// Package wire defines the link frame format spoken between a device client
// and the broker endpoint.
//
// Frames are CBOR (RFC 8949) maps with integer keys. One physical connection
// carries frames for many logical sessions; the Identity key names the
// session a frame belongs to.
//
// # Frame Kinds
//
// Session and link lifecycle:
//   - Open/Close: start or end a logical session for an identity
//   - Attach/Detach: open or close one link (telemetry, c2d, methods, twin)
//   - Ack: status reply to any of the above, correlated by CorrelationID
//
// Application traffic:
//   - Telemetry: device to cloud event
//   - C2D: cloud to device message carrying a LockToken
//   - Disposition: settlement of a C2D message (accepted/released/rejected)
//   - MethodRequest/MethodResponse: direct method invocation, keyed by CorrelationID
//   - TwinRequest/TwinResponse: twin get/patch/subscribe; a TwinResponse
//     without CorrelationID is an unsolicited desired-property push
//   - Register/RegistrationStatus/RegistrationResponse: provisioning
//
// Connection control:
//   - Ping/Pong: keep-alive, correlated by Sequence
//   - Goodbye: graceful close of the physical connection
//
// # Absent vs Zero
//
// Optional scalar annotations such as the twin Version are pointers so that
// an absent key can be told apart from a zero value.
package wire
