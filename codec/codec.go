// Package codec serializes envelopes before they are handed to the channel layer.
//
// The channel layer only moves bytes, so every service talking over the same layer
// must be configured with the same codec. JSON is the default wire format.
package codec

import (
	"github.com/nuclio/errors"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpack {
		return &MsgpackCodec{}
	}

	return &JSONCodec{}
}

// ParseCodecType maps a configuration name to a codec type. Empty means JSON.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	default:
		return 0, errors.Errorf("Unknown codec: %s", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeMsgpack {
		return "msgpack"
	}
	return "json"
}
