package syncbus

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

// DefaultNATSSubjectPrefix is the subject namespace used by NATSBus.
const DefaultNATSSubjectPrefix = "guard.bus."

// NATSBus implements Bus using a NATS backend. Keys are encoded into a single
// subject token so that dots and wildcards in lock keys stay literal.
type NATSBus struct {
	conn      *nats.Conn
	prefix    string
	fan       *fanout
	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:   conn,
		prefix: DefaultNATSSubjectPrefix,
		fan:    newFanout(),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) subject(key string) string {
	return b.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if b.conn.IsClosed() {
		return guarderrors.ErrConnectionClosed
	}
	if err := b.conn.Publish(b.subject(key), nil); err != nil {
		return fmt.Errorf("nats publish %s: %w", key, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if b.conn.IsClosed() {
		return nil, guarderrors.ErrConnectionClosed
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	_, ok := b.subs[key]
	if ok {
		b.fan.add(key, ch)
	}
	b.mu.Unlock()

	if !ok {
		sub, err := b.dial(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("nats subscribe %s: %w", key, err)
		}
		b.mu.Lock()
		_, dup := b.subs[key]
		if !dup {
			b.subs[key] = sub
		}
		b.fan.add(key, ch)
		b.mu.Unlock()
		if dup {
			_ = sub.Unsubscribe()
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// dial subscribes to the subject of key and waits for the server to process
// it. The subscription is dropped when the server cannot confirm it.
func (b *NATSBus) dial(ctx context.Context, key string) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(key), func(*nats.Msg) {
		b.fan.deliver(key)
	})
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(key, ch) {
		return nil
	}
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.fan.delivered.Load()}
}
