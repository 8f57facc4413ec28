package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

type lockState struct {
	token  string
	timer  *time.Timer
	notify chan struct{}
}

// InMemory implements Client using local memory. Leases expire on their own
// and waiters are woken as soon as a key is released or reclaimed. When a bus
// is configured, unlock events are also published as "unlock:<key>".
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
}

// NewInMemory returns a new in-memory lock client. bus may be nil.
func NewInMemory(bus syncbus.Bus) *InMemory {
	return &InMemory{
		bus:   bus,
		locks: make(map[string]*lockState),
	}
}

// TryAcquire implements Client.
func (l *InMemory) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, bool, error) {
	var token string
	ok, err := acquireWithin(ctx, wait, 0, func(context.Context) (bool, <-chan struct{}, error) {
		var busy <-chan struct{}
		token, busy = l.tryLock(key, lease)
		return token != "", busy, nil
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &memoryHandle{l: l, key: key, token: token}, true, nil
}

// tryLock returns a fresh token on success, or the holder's notify channel.
func (l *InMemory) tryLock(key string, lease time.Duration) (string, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.locks[key]; ok {
		return "", st.notify
	}
	st := &lockState{token: uuid.NewString(), notify: make(chan struct{})}
	if lease > 0 {
		token := st.token
		st.timer = time.AfterFunc(lease, func() {
			_ = l.release(context.Background(), key, token)
		})
	}
	l.locks[key] = st
	return st.token, nil
}

func (l *InMemory) owned(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	return ok && st.token == token
}

func (l *InMemory) release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		l.mu.Unlock()
		return guarderrors.ErrNotOwner
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.notify)
	delete(l.locks, key)
	l.mu.Unlock()
	if l.bus != nil {
		_ = l.bus.Publish(ctx, "unlock:"+key)
	}
	return nil
}

type memoryHandle struct {
	l     *InMemory
	key   string
	token string
}

func (h *memoryHandle) Key() string { return h.key }

func (h *memoryHandle) Owned(context.Context) (bool, error) {
	return h.l.owned(h.key, h.token), nil
}

func (h *memoryHandle) Release(ctx context.Context) error {
	return h.l.release(ctx, h.key, h.token)
}
