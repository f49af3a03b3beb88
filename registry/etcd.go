package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nuclio/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd storage.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`

	// TTL attaches entries to a lease kept alive by this process. Zero stores them forever.
	TTL time.Duration `mapstructure:"ttl"`
}

// EtcdStorage keeps one key per service:
//
//	Key:   {Prefix}/{ServiceName}
//	Value: JSON-encoded Networks
//
// With a TTL, every entry is written under a single lease renewed in the background. If the
// discovery process dies the lease expires and its entries go with it.
type EtcdStorage struct {
	client  *clientv3.Client
	prefix  string
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// NewEtcdStorage connects to etcd and, when a TTL is set, grants the entries lease.
func NewEtcdStorage(config EtcdConfig) (*EtcdStorage, error) {
	if len(config.Endpoints) == 0 {
		config.Endpoints = []string{"localhost:2379"}
	}
	if config.Prefix == "" {
		config.Prefix = "/chanrpc/services"
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create etcd client")
	}

	return newEtcdStorageWithClient(client, config)
}

func newEtcdStorageWithClient(client *clientv3.Client, config EtcdConfig) (*EtcdStorage, error) {
	storage := &EtcdStorage{
		client: client,
		prefix: strings.TrimSuffix(config.Prefix, "/") + "/",
		cancel: func() {},
	}

	if config.TTL <= 0 {
		return storage, nil
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	storage.cancel = cancel

	ttl := int64(config.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	lease, err := client.Grant(keepAliveCtx, ttl)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Failed to grant lease")
	}
	storage.leaseID = lease.ID

	keepAlive, err := client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Failed to keep lease alive")
	}

	// drain responses so the client does not log a full channel
	go func() {
		for range keepAlive {
		}
	}()

	return storage, nil
}

func (s *EtcdStorage) Set(ctx context.Context, name string, networks Networks) error {
	return s.SetMany(ctx, map[string]Networks{name: networks})
}

// SetMany writes all entries in one transaction.
func (s *EtcdStorage) SetMany(ctx context.Context, entries map[string]Networks) error {
	ops := make([]clientv3.Op, 0, len(entries))
	for name, networks := range entries {
		encoded, err := json.Marshal(networks)
		if err != nil {
			return errors.Wrapf(err, "Failed to encode networks of %s", name)
		}
		ops = append(ops, clientv3.OpPut(s.key(name), string(encoded), s.putOptions()...))
	}

	return s.commit(ctx, ops, "Failed to store services")
}

func (s *EtcdStorage) Get(ctx context.Context, name string) (Networks, error) {
	response, err := s.client.Get(ctx, s.key(name))
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read service %s", name)
	}
	if len(response.Kvs) == 0 {
		return nil, &ServiceDoesNotExistError{Name: name}
	}
	return decodeNetworks(name, response.Kvs[0].Value)
}

func (s *EtcdStorage) GetMany(ctx context.Context, names []string) (map[string]Networks, error) {
	found := make(map[string]Networks, len(names))
	if len(names) == 0 {
		return found, nil
	}

	ops := make([]clientv3.Op, 0, len(names))
	for _, name := range names {
		ops = append(ops, clientv3.OpGet(s.key(name)))
	}

	response, err := s.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read services")
	}

	for _, op := range response.Responses {
		for _, kv := range op.GetResponseRange().Kvs {
			name := strings.TrimPrefix(string(kv.Key), s.prefix)
			networks, err := decodeNetworks(name, kv.Value)
			if err != nil {
				return nil, err
			}
			found[name] = networks
		}
	}
	return found, nil
}

func (s *EtcdStorage) Delete(ctx context.Context, name string) error {
	return s.DeleteMany(ctx, []string{name})
}

func (s *EtcdStorage) DeleteMany(ctx context.Context, names []string) error {
	ops := make([]clientv3.Op, 0, len(names))
	for _, name := range names {
		ops = append(ops, clientv3.OpDelete(s.key(name)))
	}

	return s.commit(ctx, ops, "Failed to delete services")
}

func (s *EtcdStorage) Exists(ctx context.Context, name string) (bool, error) {
	response, err := s.client.Get(ctx, s.key(name), clientv3.WithCountOnly())
	if err != nil {
		return false, errors.Wrapf(err, "Failed to check service %s", name)
	}
	return response.Count > 0, nil
}

func (s *EtcdStorage) All(ctx context.Context) (map[string]Networks, error) {
	response, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read services")
	}

	all := make(map[string]Networks, len(response.Kvs))
	for _, kv := range response.Kvs {
		name := strings.TrimPrefix(string(kv.Key), s.prefix)
		networks, err := decodeNetworks(name, kv.Value)
		if err != nil {
			return nil, err
		}
		all[name] = networks
	}
	return all, nil
}

// Close stops renewing the lease and closes the client. Leased entries expire on their own.
func (s *EtcdStorage) Close() error {
	s.cancel()
	return s.client.Close()
}

func (s *EtcdStorage) commit(ctx context.Context, ops []clientv3.Op, message string) error {
	if len(ops) == 0 {
		return nil
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return errors.Wrap(err, message)
	}
	return nil
}

func (s *EtcdStorage) putOptions() []clientv3.OpOption {
	if s.leaseID == clientv3.NoLease {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(s.leaseID)}
}

func (s *EtcdStorage) key(name string) string {
	return s.prefix + name
}
