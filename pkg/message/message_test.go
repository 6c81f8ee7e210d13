package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/pkg/payload"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	m := New([]byte(`{"t":1}`))
	m.ContentType = payload.ContentTypeJSON
	m.SetProperty("alert", "true")

	f := m.Frame()
	assert.Equal(t, wire.KindTelemetry, f.Kind)
	assert.Equal(t, "true", f.Property("app.alert"))

	f.LockToken = "lt"
	got := FromFrame(f)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, "true", got.Properties["alert"])
	assert.Equal(t, "lt", got.LockToken)
	assert.Len(t, got.Properties, 1, "reserved keys are not application properties")
}

func TestEncodeDecode(t *testing.T) {
	type cmd struct {
		Action string `json:"action" cbor:"1,keyasint"`
	}

	for _, s := range []payload.Serializer{nil, payload.CBOR{}} {
		m, err := Encode(cmd{Action: "reboot"}, s)
		require.NoError(t, err)
		assert.NotEmpty(t, m.MessageID)

		var got cmd
		require.NoError(t, m.Decode(&got))
		assert.Equal(t, "reboot", got.Action)
	}
}
