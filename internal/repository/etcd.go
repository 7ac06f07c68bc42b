package repository

import (
	"context"
	"math"
	"time"

	"apigate/client"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type EtcdInterface interface {
	clientv3.KV
	clientv3.Lease
}

// EtcdBackend keeps session keys in etcd. Expiring keys are attached to a
// lease so etcd removes them on its own.
type EtcdBackend struct {
	client EtcdInterface
}

func NewEtcdBackend(client EtcdInterface) *EtcdBackend {
	return &EtcdBackend{
		client: client,
	}
}

func (b *EtcdBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, client.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Set writes value under key. A positive ttl grants a lease rounded up to
// whole seconds.
func (b *EtcdBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := b.client.Grant(ctx, int64(math.Ceil(ttl.Seconds())))
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	_, err := b.client.Put(ctx, key, string(value), opts...)
	return err
}

// Delete removes all keys in one transaction.
func (b *EtcdBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpDelete(k))
	}
	_, err := b.client.Txn(ctx).Then(ops...).Commit()
	return err
}

func (b *EtcdBackend) Health(ctx context.Context) error {
	_, err := b.client.Get(ctx, "health_check")
	return err
}
