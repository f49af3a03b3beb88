package channel

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// layerTestSuite runs the behaviour every backend must share
type layerTestSuite struct {
	suite.Suite
	newLayer func() (Layer, error)
	layer    Layer
	ctx      context.Context
	cancel   context.CancelFunc
}

func (suite *layerTestSuite) SetupTest() {
	layer, err := suite.newLayer()
	suite.Require().NoError(err)

	suite.layer = layer
	suite.ctx, suite.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (suite *layerTestSuite) TearDownTest() {
	suite.cancel()
	suite.Require().NoError(suite.layer.Close())
}

func (suite *layerTestSuite) TestNewChannelNamesAreUnique() {
	names := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		name, err := suite.layer.NewChannel(suite.ctx, "svc")
		suite.Require().NoError(err)
		suite.Require().Regexp(`^svc\.`, name)

		_, exists := names[name]
		suite.Require().False(exists)
		names[name] = struct{}{}
	}
}

func (suite *layerTestSuite) TestSendReceiveInOrder() {
	name, err := suite.layer.NewChannel(suite.ctx, "svc")
	suite.Require().NoError(err)

	for _, body := range []string{"one", "two", "three"} {
		suite.Require().NoError(suite.layer.Send(suite.ctx, name, []byte(body)))
	}

	for _, expected := range []string{"one", "two", "three"} {
		suite.Require().Equal(expected, string(suite.receive(name)))
	}
}

func (suite *layerTestSuite) TestGroupSendReachesEveryMember() {
	first, err := suite.layer.NewChannel(suite.ctx, "a")
	suite.Require().NoError(err)
	second, err := suite.layer.NewChannel(suite.ctx, "b")
	suite.Require().NoError(err)

	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "internal_svc", first))
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "internal_svc", second))

	// adding twice must not duplicate delivery
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "internal_svc", first))

	suite.Require().NoError(suite.layer.GroupSend(suite.ctx, "internal_svc", []byte("hello")))

	suite.Require().Equal("hello", string(suite.receive(first)))
	suite.Require().Equal("hello", string(suite.receive(second)))
	suite.requireEmpty(first)
}

func (suite *layerTestSuite) TestGroupDiscard() {
	stays, err := suite.layer.NewChannel(suite.ctx, "a")
	suite.Require().NoError(err)
	leaves, err := suite.layer.NewChannel(suite.ctx, "b")
	suite.Require().NoError(err)

	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "g", stays))
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "g", leaves))
	suite.Require().NoError(suite.layer.GroupDiscard(suite.ctx, "g", leaves))

	// discarding a non-member is a no-op
	suite.Require().NoError(suite.layer.GroupDiscard(suite.ctx, "g", leaves))
	suite.Require().NoError(suite.layer.GroupDiscard(suite.ctx, "unknown-group", stays))

	suite.Require().NoError(suite.layer.GroupSend(suite.ctx, "g", []byte("x")))
	suite.Require().Equal("x", string(suite.receive(stays)))
	suite.requireEmpty(leaves)
}

func (suite *layerTestSuite) TestLateJoinerGetsNothingOld() {
	early, err := suite.layer.NewChannel(suite.ctx, "a")
	suite.Require().NoError(err)
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "g", early))
	suite.Require().NoError(suite.layer.GroupSend(suite.ctx, "g", []byte("old")))

	late, err := suite.layer.NewChannel(suite.ctx, "b")
	suite.Require().NoError(err)
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "g", late))

	suite.Require().Equal("old", string(suite.receive(early)))
	suite.requireEmpty(late)
}

func (suite *layerTestSuite) TestSendToDeletedChannelIsSilent() {
	name, err := suite.layer.NewChannel(suite.ctx, "svc")
	suite.Require().NoError(err)
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "g", name))
	suite.Require().NoError(suite.layer.DeleteChannel(suite.ctx, name))

	// deleting twice is a no-op
	suite.Require().NoError(suite.layer.DeleteChannel(suite.ctx, name))

	// the group still lists the dead channel, senders must tolerate it
	suite.Require().NoError(suite.layer.GroupSend(suite.ctx, "g", []byte("x")))
}

func (suite *layerTestSuite) TestReceiveHonorsContext() {
	name, err := suite.layer.NewChannel(suite.ctx, "svc")
	suite.Require().NoError(err)

	ctx, cancel := context.WithTimeout(suite.ctx, 100*time.Millisecond)
	defer cancel()

	_, err = suite.layer.Receive(ctx, name)
	suite.Require().ErrorIs(err, context.DeadlineExceeded)
}

func (suite *layerTestSuite) receive(name string) []byte {
	ctx, cancel := context.WithTimeout(suite.ctx, 3*time.Second)
	defer cancel()

	data, err := suite.layer.Receive(ctx, name)
	suite.Require().NoError(err)
	return data
}

func (suite *layerTestSuite) requireEmpty(name string) {
	ctx, cancel := context.WithTimeout(suite.ctx, 200*time.Millisecond)
	defer cancel()

	data, err := suite.layer.Receive(ctx, name)
	suite.Require().Error(err, "unexpected message %q", data)
}

func (suite *layerTestSuite) TestGroupAddIsIdempotent() {
	name, err := suite.layer.NewChannel(suite.ctx, "svc")
	suite.Require().NoError(err)

	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "rejoin", name))
	suite.Require().NoError(suite.layer.GroupAdd(suite.ctx, "rejoin", name))
	suite.Require().NoError(suite.layer.GroupSend(suite.ctx, "rejoin", []byte("once")))

	data, err := suite.layer.Receive(suite.ctx, name)
	suite.Require().NoError(err)
	suite.Require().Equal("once", string(data))

	ctx, cancel := context.WithTimeout(suite.ctx, 300*time.Millisecond)
	defer cancel()

	data, err = suite.layer.Receive(ctx, name)
	suite.Require().Error(err, "unexpected message %q", data)
}

func TestMemoryLayerSuite(t *testing.T) {
	suite.Run(t, &layerTestSuite{
		newLayer: func() (Layer, error) {
			return NewMemoryLayer(MemoryConfig{}), nil
		},
	})
}

func TestNATSLayerSuite(t *testing.T) {
	url := os.Getenv("CHANRPC_NATS_URL")
	if url == "" {
		t.Skip("CHANRPC_NATS_URL is not set")
	}

	suite.Run(t, &layerTestSuite{
		newLayer: func() (Layer, error) {
			return NewNATSLayer(NATSConfig{URL: url, Prefix: "chanrpc-test"})
		},
	})
}

func TestRedisLayerSuite(t *testing.T) {
	addr := os.Getenv("CHANRPC_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHANRPC_REDIS_ADDR is not set")
	}

	suite.Run(t, &layerTestSuite{
		newLayer: func() (Layer, error) {
			return NewRedisLayer(RedisConfig{
				Addr:         addr,
				Prefix:       "chanrpc-test",
				BlockTimeout: 100 * time.Millisecond,
			})
		},
	})
}

func TestAMQPLayerSuite(t *testing.T) {
	url := os.Getenv("CHANRPC_AMQP_URL")
	if url == "" {
		t.Skip("CHANRPC_AMQP_URL is not set")
	}

	suite.Run(t, &layerTestSuite{
		newLayer: func() (Layer, error) {
			return NewAMQPLayer(AMQPConfig{URL: url, Prefix: "chanrpc-test"})
		},
	})
}

func TestRedisLayerRejoinRenewsMembership(t *testing.T) {
	addr := os.Getenv("CHANRPC_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHANRPC_REDIS_ADDR is not set")
	}

	layer, err := NewRedisLayer(RedisConfig{
		Addr:         addr,
		Prefix:       "chanrpc-test",
		GroupExpiry:  2 * time.Second,
		BlockTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer layer.Close() // nolint: errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	renewed, err := layer.NewChannel(ctx, "svc")
	require.NoError(t, err)
	stale, err := layer.NewChannel(ctx, "svc")
	require.NoError(t, err)

	require.NoError(t, layer.GroupAdd(ctx, "renew", renewed))
	require.NoError(t, layer.GroupAdd(ctx, "renew", stale))

	time.Sleep(1200 * time.Millisecond)
	require.NoError(t, layer.GroupAdd(ctx, "renew", renewed))
	time.Sleep(1200 * time.Millisecond)

	// only the member that joined again is still in the group
	require.NoError(t, layer.GroupSend(ctx, "renew", []byte("alive")))

	data, err := layer.Receive(ctx, renewed)
	require.NoError(t, err)
	require.Equal(t, "alive", string(data))

	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()

	_, err = layer.Receive(shortCtx, stale)
	require.Error(t, err)
}
