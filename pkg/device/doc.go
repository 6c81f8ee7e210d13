// Package device is the application-facing client of one device identity.
//
// A Client owns the operation chain of its identity and exposes telemetry,
// message, method and twin operations. Callback registration for each
// downlink is serialized by its own lock, so registering a message callback
// never waits for a slow twin subscription and the other way round.
//
// Basic usage:
//
//	p := pool.New(&transport.NetDialer{}, pool.Options{Endpoint: "hub.example.net:8883"})
//	c, err := device.New(p, pool.Identity{DeviceID: "sensor-7", Credential: key}, device.Options{})
//	if err != nil {
//	    return err
//	}
//	defer c.Dispose(ctx)
//
//	if err := c.Open(ctx); err != nil {
//	    return err
//	}
//	err = c.SendEventValue(ctx, map[string]any{"temperature": 21.5})
package device
