package syncbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannelPrefix is the pub/sub channel namespace used by RedisBus.
const DefaultRedisChannelPrefix = "guard:bus:"

// RedisBus implements Bus on Redis pub/sub. One Redis subscription is shared
// by all local subscribers of a key.
type RedisBus struct {
	client    redis.UniversalClient
	prefix    string
	fan       *fanout
	mu        sync.Mutex
	subs      map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus. An empty prefix selects DefaultRedisChannelPrefix.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		fan:    newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, b.prefix+key, "1").Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so no event published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	_, ok := b.subs[key]
	if ok {
		b.fan.add(key, ch)
	}
	b.mu.Unlock()

	if !ok {
		ps, err := b.dial(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
		}
		b.mu.Lock()
		if _, dup := b.subs[key]; dup {
			b.fan.add(key, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			b.subs[key] = ps
			b.fan.add(key, ch)
			msgs := ps.Channel()
			b.mu.Unlock()
			go func() {
				for range msgs {
					b.fan.deliver(key)
				}
			}()
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// dial opens a confirmed subscription to key. It gives up when ctx is done
// even if the server never answers.
func (b *RedisBus) dial(ctx context.Context, key string) (*redis.PubSub, error) {
	type result struct {
		ps  *redis.PubSub
		err error
	}
	done := make(chan result, 1)
	go func() {
		ps := b.client.Subscribe(ctx, b.prefix+key)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			done <- result{err: err}
			return
		}
		done <- result{ps: ps}
	}()
	select {
	case r := <-done:
		return r.ps, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.ps != nil {
				_ = r.ps.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(key, ch) {
		return nil
	}
	ps, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.fan.delivered.Load()}
}
