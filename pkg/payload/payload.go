// Package payload provides the serializers used for message bodies, method
// payloads and twin documents.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hublink-io/hublink-go/pkg/wire"
)

// Content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// ErrUnsupportedContentType is returned by ForContentType.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Serializer converts values to and from a body encoding.
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default serializer.
type JSON struct{}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBOR encodes bodies with the same deterministic mode as link frames.
type CBOR struct{}

func (CBOR) ContentType() string { return ContentTypeCBOR }

func (CBOR) Marshal(v any) ([]byte, error) { return wire.Marshal(v) }

func (CBOR) Unmarshal(data []byte, v any) error { return wire.Unmarshal(data, v) }

// Default is used when no serializer is configured.
var Default Serializer = JSON{}

// ForContentType picks a serializer by content type. Parameters such as
// charset are ignored; an empty content type selects Default.
func ForContentType(ct string) (Serializer, error) {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "":
		return Default, nil
	case ContentTypeJSON:
		return JSON{}, nil
	case ContentTypeCBOR:
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, ct)
	}
}
