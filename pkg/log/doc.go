// Package log provides protocol capture for hublink connections.
//
// It is separate from operational logging (slog): protocol capture records a
// machine-readable trace of every frame, session state change and error, so
// that a misbehaving device can be replayed and inspected offline.
//
// # Basic Usage
//
//	// Development: protocol events on the console
//	opts.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: binary CBOR file, read back with hublink-log
//	fl, _ := log.NewFileLogger("/var/log/hublink/device.hlog")
//	opts.ProtocolLogger = fl
//
//	// Both
//	opts.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Types
//
//   - Transport: raw frame sizes and bytes (FrameEvent)
//   - Wire: decoded link frames (MessageEvent)
//   - Session: connection and session state changes (StateChangeEvent)
//   - Control: ping/pong/goodbye (ControlMsgEvent)
//   - Errors at any layer (ErrorEventData)
package log
