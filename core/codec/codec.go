// Package codec maps request and response content types to body encoders.
package codec

import (
	"mime"
	"strings"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
)

var ErrUnsupportedCodec = errors.New("unsupported codec")

// Codec encodes and decodes message bodies.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// ContentType is the media type written with encoded bodies.
	ContentType() string
	Name() string
}

const (
	MediaJSON         = "application/json"
	MediaProtobuf     = "application/x-protobuf"
	MediaProtobufAlt  = "application/protobuf"
	MediaProtobufJSON = "application/x-protobuf+json"
)

var registry = map[string]Codec{
	MediaJSON:         JSONCodec{},
	MediaProtobuf:     ProtobufCodec{},
	MediaProtobufAlt:  ProtobufCodec{},
	MediaProtobufJSON: ProtoJSONCodec{},
}

// ForContentType picks the codec for a Content-Type value. Parameters such
// as charset are ignored. An empty content type selects JSON.
func ForContentType(ct string) (Codec, error) {
	if strings.TrimSpace(ct) == "" {
		return JSONCodec{}, nil
	}
	media, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "content type %q", ct)
	}
	if c, ok := registry[media]; ok {
		return c, nil
	}
	if strings.HasSuffix(media, "+json") {
		return JSONCodec{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedCodec, "content type %q", media)
}

// JSONCodec uses goccy/go-json.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) ContentType() string { return MediaJSON }

func (JSONCodec) Name() string { return "json" }
