package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/nuclio/errors"
	"github.com/spaolacci/murmur3"
)

// KeyPrefix starts every result cache key.
const KeyPrefix = "internal.cache"

// Key returns "internal.cache.<service>.<method>.<hash>" where hash covers params with the
// excluded names removed. Params hash the same regardless of key order.
func Key(service string, method string, params json.RawMessage, exclude ...string) (string, error) {
	canonical, err := canonicalParams(params, exclude)
	if err != nil {
		return "", err
	}

	h1, h2 := murmur3.Sum128(canonical)
	sum := make([]byte, 16)
	for i := 0; i < 8; i++ {
		sum[i] = byte(h1 >> (56 - 8*i))
		sum[8+i] = byte(h2 >> (56 - 8*i))
	}

	return KeyPrefix + "." + service + "." + method + "." + hex.EncodeToString(sum), nil
}

func canonicalParams(params json.RawMessage, exclude []string) ([]byte, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		return []byte("{}"), nil
	}

	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "Failed to decode params for cache key")
	}

	if object, ok := decoded.(map[string]any); ok {
		for _, name := range exclude {
			delete(object, name)
		}
	}

	// maps marshal with sorted keys
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode params for cache key")
	}
	return canonical, nil
}
