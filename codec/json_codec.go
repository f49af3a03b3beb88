package codec

import (
	"encoding/json"

	"github.com/nuclio/errors"
)

// JSONCodec produces the documented wire format, readable by services written in any language.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("Empty message")
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
