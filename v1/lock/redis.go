package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

const (
	// DefaultRedisPrefix namespaces lock keys in Redis.
	DefaultRedisPrefix = "guard:lock:"
	// DefaultRetryInterval is how often a waiter retries without a wake-up.
	DefaultRetryInterval = 50 * time.Millisecond
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisOption configures a Redis lock client.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix prepended to every lock key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRetryInterval sets how often waiters poll Redis.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithBus sets the bus used to publish and receive unlock events.
func WithBus(bus syncbus.Bus) RedisOption {
	return func(r *Redis) { r.bus = bus }
}

// Redis implements Client on top of SET NX PX with a random token per
// acquisition. Release and ownership checks compare that token, so a lease
// that expired and was taken by someone else is never deleted.
type Redis struct {
	client redis.UniversalClient
	bus    syncbus.Bus
	prefix string
	retry  time.Duration
}

// NewRedis returns a new Redis lock client using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultRedisPrefix, retry: DefaultRetryInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAcquire implements Client.
func (r *Redis) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	rkey := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	ok, err := r.client.SetNX(ctx, rkey, token, lease).Result()
	if err == nil && !ok {
		var wake <-chan struct{}
		if r.bus != nil {
			ch, stop := r.subscribe(ctx, key, deadline)
			defer stop()
			wake = ch
		}
		ok, err = acquireWithin(ctx, time.Until(deadline), r.retry, func(ctx context.Context) (bool, <-chan struct{}, error) {
			ok, err := r.client.SetNX(ctx, rkey, token, lease).Result()
			return ok, wake, err
		})
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, cerr
		}
		return nil, false, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisHandle{r: r, key: key, rkey: rkey, token: token}, true, nil
}

// subscribe listens for unlock events on key until deadline or until ctx is
// done. A failed subscription leaves the waiter polling.
func (r *Redis) subscribe(ctx context.Context, key string, deadline time.Time) (<-chan struct{}, func()) {
	topic := "unlock:" + key
	subCtx, cancel := context.WithDeadline(ctx, deadline)
	ch, err := r.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		if ctx.Err() == nil {
			slog.Warn("guard: unlock subscription failed, polling only", "key", key, "error", err)
		}
		return nil, func() {}
	}
	return ch, func() {
		_ = r.bus.Unsubscribe(context.Background(), topic, ch)
		cancel()
	}
}

type redisHandle struct {
	r     *Redis
	key   string
	rkey  string
	token string
}

func (h *redisHandle) Key() string { return h.key }

func (h *redisHandle) Owned(ctx context.Context) (bool, error) {
	v, err := h.r.client.Get(ctx, h.rkey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == h.token, nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	n, err := delScript.Run(ctx, h.r.client, []string{h.rkey}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("redis release %s: %w", h.key, err)
	}
	if n == 0 {
		return guarderrors.ErrNotOwner
	}
	if h.r.bus != nil {
		if err := h.r.bus.Publish(ctx, "unlock:"+h.key); err != nil {
			slog.Debug("guard: unlock publish failed", "key", h.key, "error", err)
		}
	}
	return nil
}
