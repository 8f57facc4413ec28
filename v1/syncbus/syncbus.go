// Package syncbus propagates lightweight events, such as lock releases,
// between processes. Events carry no payload: a subscriber only learns that
// something happened on a key.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports how many events a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscriber channels of one key. Delivery never
// blocks: a subscriber that has not drained its previous event misses nothing
// because the pending event already tells it to look again.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers ch and reports whether it is the first subscriber of key.
func (f *fanout) add(key string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	return first
}

// remove closes ch and reports whether key has no subscribers left. It
// reports false when ch was not subscribed.
func (f *fanout) remove(key string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		if len(subs) == 0 {
			delete(f.subs, key)
			return true
		}
		f.subs[key] = subs
		return false
	}
	return false
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key]) > 0
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	fan       *fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fan: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.published.Add(1)
	b.fan.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.fan.add(key, ch)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.fan.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.fan.delivered.Load()}
}
