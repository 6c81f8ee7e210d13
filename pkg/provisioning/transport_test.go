package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/internal/testbroker"
	"github.com/hublink-io/hublink-go/pkg/persistence"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

func newSessionTransport(t *testing.T, registrationID string) (*SessionTransport, *testbroker.Broker) {
	t.Helper()
	b := testbroker.New()
	p := pool.New(b, pool.Options{Endpoint: "dps", Size: 1, OpenTimeout: time.Second})
	t.Cleanup(func() {
		_ = p.Close()
		b.Close()
	})
	sess, err := p.Acquire(context.Background(), pool.Identity{DeviceID: registrationID, Credential: "enrollment-key"})
	require.NoError(t, err)
	return NewSessionTransport(sess, time.Second), b
}

func TestSessionTransportAssigned(t *testing.T) {
	tr, b := newSessionTransport(t, "reg-1")
	b.ScriptRegistration(
		testbroker.Reply{Status: 202, Body: `{"operationId":"op-1","status":"assigning"}`},
		testbroker.Reply{Status: 200, TrackingID: "trk-9", Body: `{
			"operationId":"op-1","status":"assigned",
			"registrationState":{"registrationId":"reg-1","assignedHub":"hub-2.example.net","deviceId":"sensor-1","status":"assigned","etag":"e1"}}`},
	)

	store := persistence.NewMemoryStore()
	c := NewClient(tr, Options{PollInterval: 5 * time.Millisecond, Jitter: -1, Store: store})

	state, err := c.Register(context.Background(), &Request{RegistrationID: "reg-1", IDScope: "0ne00001"})
	require.NoError(t, err)
	assert.Equal(t, "hub-2.example.net", state.AssignedHub)
	assert.Equal(t, "sensor-1", state.DeviceID)

	reqs := b.RegistrationRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, wire.KindRegister, reqs[0].Kind)
	assert.Equal(t, wire.KindRegistrationStatus, reqs[1].Kind)
	assert.Equal(t, "op-1", reqs[1].Property(wire.PropOperationID))
	assert.Equal(t, reqs[0].CorrelationID, reqs[1].CorrelationID)
	assert.JSONEq(t, `{"registrationId":"reg-1","idScope":"0ne00001"}`, string(reqs[0].Body))

	creds, err := store.Load("reg-1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "hub-2.example.net", creds.AssignedHub)
}

func TestSessionTransportRejected(t *testing.T) {
	tr, b := newSessionTransport(t, "reg-1")
	b.ScriptRegistration(testbroker.Reply{
		Status: 401,
		Body:   `{"errorCode":401002,"trackingId":"trk-1","message":"enrollment key mismatch"}`,
	})

	c := NewClient(tr, Options{PollInterval: 5 * time.Millisecond, Jitter: -1})
	_, err := c.Register(context.Background(), &Request{RegistrationID: "reg-1"})

	var re *RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 401002, re.ErrorCode)
	assert.Equal(t, 401, re.StatusClass)
	assert.Equal(t, "trk-1", re.TrackingID)
	assert.False(t, re.Retryable)
	assert.Len(t, b.RegistrationRequests(), 1)
}

func TestSessionTransportRetriesTransientLookup(t *testing.T) {
	tr, b := newSessionTransport(t, "reg-1")
	b.ScriptRegistration(
		testbroker.Reply{Status: 202, Body: `{"operationId":"op-7","status":"assigning"}`},
		testbroker.Reply{Status: 429, RetryAfter: "0", Body: `{"errorCode":429001,"message":"throttled"}`},
		testbroker.Reply{Status: 200, Body: `{"operationId":"op-7","status":"assigned","registrationState":{"registrationId":"reg-1","assignedHub":"hub-1","deviceId":"d","status":"assigned"}}`},
	)

	c := NewClient(tr, Options{PollInterval: 5 * time.Millisecond, Jitter: -1})
	state, err := c.Register(context.Background(), &Request{RegistrationID: "reg-1"})
	require.NoError(t, err)
	assert.Equal(t, "hub-1", state.AssignedHub)
	assert.Len(t, b.RegistrationRequests(), 3)
}

func TestSessionTransportMalformedReply(t *testing.T) {
	tr, b := newSessionTransport(t, "reg-1")
	b.ScriptRegistration(testbroker.Reply{Status: 400, Body: `not json`})

	_, err := tr.Register(context.Background(), "corr-1", &Request{RegistrationID: "reg-1"})
	assert.ErrorIs(t, err, ErrMalformedRejection)
}
