package channel

import (
	"github.com/google/uuid"
)

const defaultChannelPrefix = "channel"

// newChannelName returns "<prefix>.<uuid>", unique for the lifetime of any backend.
func newChannelName(prefix string) string {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return prefix + "." + uuid.NewString()
}
