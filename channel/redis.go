package channel

import (
	"context"
	"strconv"
	"time"

	"github.com/nuclio/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis layer.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	Capacity     int           `mapstructure:"capacity"`
	Expiry       time.Duration `mapstructure:"expiry"`
	GroupExpiry  time.Duration `mapstructure:"groupExpiry"`
	BlockTimeout time.Duration `mapstructure:"blockTimeout"`
}

// RedisLayer stores channels as lists and groups as sorted sets:
//
//	<prefix>:channel:<name>  list of pending messages, expires Expiry after the last send
//	<prefix>:group:<name>    sorted set of channel names scored by their latest join
//
// Nothing is kept in process, so any instance may send to or receive from any channel.
// Messages sent to a channel nobody reads any more simply expire with the list, and group
// members that have not joined again within GroupExpiry are dropped.
type RedisLayer struct {
	client       *redis.Client
	prefix       string
	capacity     int64
	expiry       time.Duration
	groupExpiry  time.Duration
	blockTimeout time.Duration
}

// NewRedisLayer creates a layer over a new Redis client.
func NewRedisLayer(config RedisConfig) (*RedisLayer, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return NewRedisLayerWithClient(client, config), nil
}

// NewRedisLayerWithClient creates a layer over an existing client.
func NewRedisLayerWithClient(client *redis.Client, config RedisConfig) *RedisLayer {
	if config.Prefix == "" {
		config.Prefix = "chanrpc"
	}
	if config.Capacity <= 0 {
		config.Capacity = defaultCapacity
	}
	if config.Expiry <= 0 {
		config.Expiry = time.Minute
	}
	if config.GroupExpiry <= 0 {
		config.GroupExpiry = 24 * time.Hour
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = time.Second
	}

	return &RedisLayer{
		client:       client,
		prefix:       config.Prefix,
		capacity:     int64(config.Capacity),
		expiry:       config.Expiry,
		groupExpiry:  config.GroupExpiry,
		blockTimeout: config.BlockTimeout,
	}
}

func (l *RedisLayer) NewChannel(ctx context.Context, prefix string) (string, error) {
	return newChannelName(prefix), nil
}

func (l *RedisLayer) Send(ctx context.Context, channel string, data []byte) error {
	key := l.channelKey(channel)

	length, err := l.client.LLen(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "Failed to read channel length")
	}
	if length >= l.capacity {
		return ErrChannelFull
	}

	if _, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, l.expiry)
		return nil
	}); err != nil {
		return errors.Wrap(err, "Failed to push to channel")
	}
	return nil
}

func (l *RedisLayer) Receive(ctx context.Context, channel string) ([]byte, error) {
	key := l.channelKey(channel)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// short blocking pops so a cancelled ctx is noticed even on a quiet channel
		result, err := l.client.BLPop(ctx, l.blockTimeout, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "Failed to pop from channel")
		}

		// result is [key, value]
		return []byte(result[1]), nil
	}
}

func (l *RedisLayer) GroupAdd(ctx context.Context, group string, channel string) error {
	key := l.groupKey(group)

	if _, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().Unix()), Member: channel})
		pipe.Expire(ctx, key, l.groupExpiry)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "Failed to add channel to group %s", group)
	}
	return nil
}

func (l *RedisLayer) GroupDiscard(ctx context.Context, group string, channel string) error {
	if err := l.client.ZRem(ctx, l.groupKey(group), channel).Err(); err != nil {
		return errors.Wrapf(err, "Failed to discard channel from group %s", group)
	}
	return nil
}

func (l *RedisLayer) GroupSend(ctx context.Context, group string, data []byte) error {
	key := l.groupKey(group)

	// forget members that joined too long ago to still be alive
	expiredBefore := time.Now().Add(-l.groupExpiry).Unix()
	if err := l.client.ZRemRangeByScore(ctx, key, "0", "("+strconv.FormatInt(expiredBefore, 10)).Err(); err != nil {
		return errors.Wrapf(err, "Failed to expire members of group %s", group)
	}

	members, err := l.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return errors.Wrapf(err, "Failed to read members of group %s", group)
	}

	for _, member := range members {
		_ = l.Send(ctx, member, data)
	}
	return nil
}

func (l *RedisLayer) DeleteChannel(ctx context.Context, channel string) error {
	if err := l.client.Del(ctx, l.channelKey(channel)).Err(); err != nil {
		return errors.Wrap(err, "Failed to delete channel")
	}
	return nil
}

func (l *RedisLayer) Close() error {
	return l.client.Close()
}

func (l *RedisLayer) channelKey(name string) string {
	return l.prefix + ":channel:" + name
}

func (l *RedisLayer) groupKey(name string) string {
	return l.prefix + ":group:" + name
}
