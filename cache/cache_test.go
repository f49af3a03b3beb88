package cache

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	key, err := Key("users", "get", json.RawMessage(`{"id":1,"service":"web"}`), "service")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "internal.cache.users.get."), key)

	// key order and the excluded caller do not matter
	other, err := Key("users", "get", json.RawMessage(`{"service":"admin", "id":1}`), "service")
	require.NoError(t, err)
	require.Equal(t, key, other)

	different, err := Key("users", "get", json.RawMessage(`{"id":2}`), "service")
	require.NoError(t, err)
	require.NotEqual(t, key, different)

	empty, err := Key("users", "list", nil)
	require.NoError(t, err)
	emptyObject, err := Key("users", "list", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, empty, emptyObject)

	_, err = Key("users", "get", json.RawMessage(`{`))
	require.Error(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	memory, err := NewMemory(10)
	require.NoError(t, err)

	now := time.Now()
	memory.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, memory.Set(ctx, "k", json.RawMessage(`{"v":1}`), time.Second))

	value, found, err := memory.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"v":1}`, string(value))

	now = now.Add(time.Second)
	_, found, err = memory.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, memory.Len())
}

func TestMemoryEviction(t *testing.T) {
	memory, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, memory.Set(ctx, key, json.RawMessage(`1`), time.Minute))
	}

	_, found, _ := memory.Get(ctx, "a")
	require.False(t, found)
	_, found, _ = memory.Get(ctx, "c")
	require.True(t, found)
}

func TestMemoryZeroTTLIsNotStored(t *testing.T) {
	memory, err := NewMemory(0)
	require.NoError(t, err)

	require.NoError(t, memory.Set(context.Background(), "k", json.RawMessage(`1`), 0))
	require.Zero(t, memory.Len())
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("CHANRPC_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHANRPC_REDIS_ADDR is not set")
	}

	redisCache := NewRedis(RedisConfig{Addr: addr, Prefix: "chanrpc-test"})
	defer redisCache.Close() // nolint: errcheck
	ctx := context.Background()

	require.NoError(t, redisCache.Set(ctx, "k", json.RawMessage(`{"v":1}`), time.Second))

	value, found, err := redisCache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"v":1}`, string(value))

	_, found, err = redisCache.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)
}
