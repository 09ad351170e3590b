package codec

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ProtobufCodec implements the protobuf binary wire format.
type ProtobufCodec struct{}

func (ProtobufCodec) Encode(v any) ([]byte, error) {
	msg, err := asMessage(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (ProtobufCodec) Decode(data []byte, v any) error {
	msg, err := asMessage(v)
	if err != nil {
		return err
	}
	return proto.Unmarshal(data, msg)
}

func (ProtobufCodec) ContentType() string { return MediaProtobuf }

func (ProtobufCodec) Name() string { return "protobuf" }

// ProtoJSONCodec implements the canonical protobuf JSON mapping.
type ProtoJSONCodec struct{}

func (ProtoJSONCodec) Encode(v any) ([]byte, error) {
	msg, err := asMessage(v)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(msg)
}

func (ProtoJSONCodec) Decode(data []byte, v any) error {
	msg, err := asMessage(v)
	if err != nil {
		return err
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, msg)
}

func (ProtoJSONCodec) ContentType() string { return MediaProtobufJSON }

func (ProtoJSONCodec) Name() string { return "protojson" }

func asMessage(v any) (proto.Message, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Newf("value must implement proto.Message, got %T", v)
	}
	return msg, nil
}
