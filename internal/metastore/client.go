// Package metastore wraps an etcd v3 client with the retry/backoff shape
// the scheduler used for its own polling loops: bounded retries, fixed
// cadence, continue past transient errors, give up and surface Status after
// the budget is exhausted.
package metastore

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/metrics"
	"github.com/soundcloud/fnproxy/internal/types"
)

// Client is the strongly-consistent KV store the proxy persists
// AgentInfoBlob and BundlesBlob documents to, and watches for externally
// driven changes (another proxy taking over a node's keys, an operator
// edit). It is a thin retry wrapper over clientv3; it holds no cache.
type Client struct {
	cli        *clientv3.Client
	log        *zap.Logger
	retryTimes uint
	retryCycle time.Duration
}

// Options configures New.
type Options struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RetryTimes     uint
	RetryCycle     time.Duration
}

func New(opts Options, log *zap.Logger) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, types.NewStatus(types.CodeMetaStorageGetError, "dial metastore: %s", err)
	}
	retryTimes := opts.RetryTimes
	if retryTimes == 0 {
		retryTimes = 6
	}
	retryCycle := opts.RetryCycle
	if retryCycle == 0 {
		retryCycle = 10 * time.Second
	}
	return &Client{cli: cli, log: log, retryTimes: retryTimes, retryCycle: retryCycle}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

// KV is one key/value/revision tuple, the shape Get and Watch hand back.
type KV struct {
	Key      string
	Value    []byte
	Revision int64
}

// Get fetches a single key, retrying transient errors up to retryTimes.
func (c *Client) Get(ctx context.Context, key string) (*KV, bool, error) {
	var lastErr error
	for attempt := uint(0); attempt <= c.retryTimes; attempt++ {
		if attempt > 0 {
			metrics.IncMetastoreRetries(1)
			c.log.Warn("metastore get retry", zap.String("key", key), zap.Uint("attempt", attempt), zap.Error(lastErr))
			select {
			case <-time.After(c.retryCycle):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		resp, err := c.cli.Get(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Kvs) == 0 {
			return nil, false, nil
		}
		kv := resp.Kvs[0]
		return &KV{Key: string(kv.Key), Value: kv.Value, Revision: resp.Header.Revision}, true, nil
	}
	return nil, false, types.NewStatus(types.CodeMetaStorageGetError, "get %s: %s", key, lastErr)
}

// Put writes a single key unconditionally, retrying transient errors.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	var lastErr error
	for attempt := uint(0); attempt <= c.retryTimes; attempt++ {
		if attempt > 0 {
			metrics.IncMetastoreRetries(1)
			c.log.Warn("metastore put retry", zap.String("key", key), zap.Uint("attempt", attempt), zap.Error(lastErr))
			select {
			case <-time.After(c.retryCycle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := c.cli.Put(ctx, key, string(value)); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return types.NewStatus(types.CodeMetaStoragePutError, "put %s: %s", key, lastErr)
}

// Delete removes a single key, retrying transient errors.
func (c *Client) Delete(ctx context.Context, key string) error {
	var lastErr error
	for attempt := uint(0); attempt <= c.retryTimes; attempt++ {
		if attempt > 0 {
			metrics.IncMetastoreRetries(1)
			select {
			case <-time.After(c.retryCycle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := c.cli.Delete(ctx, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return types.NewStatus(types.CodeMetaStorageDeleteError, "delete %s: %s", key, lastErr)
}

// CompareAndSwap does a single-key transaction: put value only if the key's
// mod revision still matches expectRevision, for callers that need
// optimistic concurrency without a lease. The leader package's "cas" mode
// builds its own transaction on Raw() instead.
func (c *Client) CompareAndSwap(ctx context.Context, key string, expectRevision int64, value []byte) (bool, error) {
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectRevision)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return false, types.NewStatus(types.CodeMetaStoragePutError, "cas %s: %s", key, err)
	}
	return resp.Succeeded, nil
}

// WatchEvent is one change observed on a watched key or prefix.
type WatchEvent struct {
	Key      string
	Value    []byte
	Revision int64
	Deleted  bool
}

// Watch streams changes to key (or, with WithPrefix, everything under it)
// starting at fromRevision. fromRevision == 0 means "start now". The
// returned channel is closed when ctx is canceled or the underlying watch
// is permanently lost (after retryTimes resume attempts).
func (c *Client) Watch(ctx context.Context, key string, fromRevision int64, withPrefix bool) <-chan WatchEvent {
	out := make(chan WatchEvent)
	go c.watchLoop(ctx, key, fromRevision, withPrefix, out)
	return out
}

func (c *Client) watchLoop(ctx context.Context, key string, fromRevision int64, withPrefix bool, out chan<- WatchEvent) {
	defer close(out)

	opts := []clientv3.OpOption{}
	if withPrefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	rev := fromRevision

	attempt := uint(0)
	for {
		if rev > 0 {
			opts = append(opts[:0:0], opts...)
			if withPrefix {
				opts = append(opts, clientv3.WithPrefix())
			}
			opts = append(opts, clientv3.WithRev(rev))
		}

		watchCh := c.cli.Watch(ctx, key, opts...)
		for resp := range watchCh {
			if resp.Err() != nil {
				break
			}
			attempt = 0
			for _, ev := range resp.Events {
				rev = resp.Header.Revision + 1
				out <- WatchEvent{
					Key:      string(ev.Kv.Key),
					Value:    ev.Kv.Value,
					Revision: resp.Header.Revision,
					Deleted:  ev.Type == clientv3.EventTypeDelete,
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		if attempt > c.retryTimes {
			c.log.Error("metastore watch: giving up after repeated failure", zap.String("key", key))
			return
		}
		metrics.IncMetastoreRetries(1)
		select {
		case <-time.After(c.retryCycle):
		case <-ctx.Done():
			return
		}
	}
}

// Raw exposes the underlying clientv3 client, which the leader package
// uses for its CAS transaction and concurrency.Session-based election.
func (c *Client) Raw() *clientv3.Client { return c.cli }

func agentInfoKey(nodeID string) string { return fmt.Sprintf("/yr/agentInfo/%s", nodeID) }
func bundlesKey(nodeID string) string   { return fmt.Sprintf("/yr/bundles/%s", nodeID) }
func debugKey(instanceID string) string { return fmt.Sprintf("/yr/debug/%s", instanceID) }

// AgentInfoKey is the public form of agentInfoKey, for components that need
// to compute the key without performing the read/write themselves.
func AgentInfoKey(nodeID string) string { return agentInfoKey(nodeID) }

// BundlesKey is the public form of bundlesKey.
func BundlesKey(nodeID string) string { return bundlesKey(nodeID) }

// DebugKey is the public form of debugKey.
func DebugKey(instanceID string) string { return debugKey(instanceID) }
