// Package message defines the application message exchanged as telemetry
// and cloud-to-device traffic.
package message

import (
	"strings"

	"github.com/google/uuid"

	"github.com/hublink-io/hublink-go/pkg/payload"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// appPrefix namespaces application properties inside frame properties.
const appPrefix = "app."

// Message is an application message.
type Message struct {
	MessageID   string
	ContentType string

	// Properties are application properties.
	Properties map[string]string

	Body []byte

	// LockToken is set on received messages and must be settled.
	LockToken string
}

// New creates a message with a fresh message id.
func New(body []byte) *Message {
	return &Message{MessageID: uuid.NewString(), Body: body}
}

// Encode serializes v into a new message with s (payload.Default when nil).
func Encode(v any, s payload.Serializer) (*Message, error) {
	if s == nil {
		s = payload.Default
	}
	body, err := s.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := New(body)
	m.ContentType = s.ContentType()
	return m, nil
}

// Decode deserializes the body into v using the serializer matching the
// message content type.
func (m *Message) Decode(v any) error {
	s, err := payload.ForContentType(m.ContentType)
	if err != nil {
		return err
	}
	return s.Unmarshal(m.Body, v)
}

// SetProperty sets an application property.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// Frame encodes the message as a telemetry frame.
func (m *Message) Frame() *wire.Frame {
	f := &wire.Frame{
		Kind: wire.KindTelemetry,
		Link: wire.LinkTelemetry,
		Body: m.Body,
	}
	if m.MessageID != "" {
		f.SetProperty(wire.PropMessageID, m.MessageID)
	}
	if m.ContentType != "" {
		f.SetProperty(wire.PropContentType, m.ContentType)
	}
	for k, v := range m.Properties {
		f.SetProperty(appPrefix+k, v)
	}
	return f
}

// FromFrame decodes a cloud-to-device or telemetry frame.
func FromFrame(f *wire.Frame) *Message {
	m := &Message{
		MessageID:   f.Property(wire.PropMessageID),
		ContentType: f.Property(wire.PropContentType),
		Body:        f.Body,
		LockToken:   f.LockToken,
	}
	for k, v := range f.Properties {
		if name, ok := strings.CutPrefix(k, appPrefix); ok {
			m.SetProperty(name, v)
		}
	}
	return m
}
