package codec

import (
	"github.com/vmihailenco/msgpack/v4"
)

// MsgpackCodec trades the readability of JSON for smaller frames.
// Struct fields are mapped through their `msgpack` tags.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
