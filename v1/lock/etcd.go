package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

// DefaultEtcdPrefix is the root path of lock keys in etcd.
const DefaultEtcdPrefix = "/guard/locks/"

// Etcd implements Client with etcd sessions and concurrency.Mutex. Each
// acquisition owns a session whose lease TTL is the lock lease rounded up to
// whole seconds. The session stops refreshing once the lock is held, so the
// lease lapses on its own if it is never released.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd returns a new etcd lock client. An empty prefix selects DefaultEtcdPrefix.
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &Etcd{client: client, prefix: prefix}
}

// TryAcquire implements Client.
func (e *Etcd) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(leaseSeconds(lease)))
	if err != nil {
		return nil, false, fmt.Errorf("etcd session for %s: %w", key, err)
	}
	mutex := concurrency.NewMutex(session, e.prefix+key)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := mutex.Lock(waitCtx); err != nil {
		_ = session.Close()
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, cerr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("etcd lock %s: %w", key, err)
	}
	session.Orphan()
	return &etcdHandle{client: e.client, session: session, mutex: mutex, key: key}, true, nil
}

func leaseSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type etcdHandle struct {
	client  *clientv3.Client
	session *concurrency.Session
	mutex   *concurrency.Mutex
	key     string
}

func (h *etcdHandle) Key() string { return h.key }

func (h *etcdHandle) Owned(ctx context.Context) (bool, error) {
	resp, err := h.client.Txn(ctx).If(h.mutex.IsOwner()).Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (h *etcdHandle) Release(ctx context.Context) error {
	defer func() { _ = h.session.Close() }()
	resp, err := h.client.Txn(ctx).
		If(h.mutex.IsOwner()).
		Then(clientv3.OpDelete(h.mutex.Key())).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd release %s: %w", h.key, err)
	}
	if !resp.Succeeded {
		return guarderrors.ErrNotOwner
	}
	return nil
}
