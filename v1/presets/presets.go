// Package presets wires a Guard to its lock service and unlock bus in the
// combinations used most often.
package presets

import (
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-guard/v1/config"
	"github.com/mirkobrombin/go-guard/v1/guard"
	"github.com/mirkobrombin/go-guard/v1/lock"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// Stack is a Guard together with the resources it was built on.
type Stack struct {
	Guard  *guard.Guard
	Client lock.Client
	// Bus carries unlock events. It is nil when waiters only poll.
	Bus syncbus.Bus

	closers []func() error
}

// Close releases the connections held by the stack in reverse order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// RedisOptions configures the connection to Redis. More than one address
// selects a cluster client.
type RedisOptions struct {
	Addrs         []string
	Password      string
	DB            int
	KeyPrefix     string
	RetryInterval time.Duration
}

func (o RedisOptions) client() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    o.Addrs,
		Password: o.Password,
		DB:       o.DB,
	})
}

func (o RedisOptions) lockOptions(bus syncbus.Bus) []lock.RedisOption {
	opts := []lock.RedisOption{lock.WithRetryInterval(o.RetryInterval)}
	if o.KeyPrefix != "" {
		opts = append(opts, lock.WithKeyPrefix(o.KeyPrefix))
	}
	if bus != nil {
		opts = append(opts, lock.WithBus(bus))
	}
	return opts
}

// EtcdOptions configures the connection to etcd.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewInMemoryStandalone returns a Guard backed by process-local locks with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(opts ...guard.Option) *Stack {
	bus := syncbus.NewInMemoryBus()
	client := lock.NewInMemory(bus)
	return &Stack{Guard: guard.New(client, opts...), Client: client, Bus: bus}
}

// NewRedis returns a Guard backed by Redis locks whose waiters are woken by
// unlock events on Redis pub/sub.
func NewRedis(ro RedisOptions, opts ...guard.Option) *Stack {
	rc := ro.client()
	bus := syncbus.NewCircuitBreaker(syncbus.NewRedisBus(rc, ""), breakerThreshold, breakerTimeout)
	client := lock.NewRedis(rc, ro.lockOptions(bus)...)
	return &Stack{
		Guard:   guard.New(client, opts...),
		Client:  client,
		Bus:     bus,
		closers: []func() error{rc.Close},
	}
}

// NewEtcd returns a Guard backed by etcd sessions. etcd wakes waiters on its
// own so no bus is used.
func NewEtcd(eo EtcdOptions, opts ...guard.Option) (*Stack, error) {
	ec, err := clientv3.New(clientv3.Config{
		Endpoints:   eo.Endpoints,
		DialTimeout: eo.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	client := lock.NewEtcd(ec, eo.Prefix)
	return &Stack{
		Guard:   guard.New(client, opts...),
		Client:  client,
		closers: []func() error{ec.Close},
	}, nil
}

// FromConfig builds the stack selected by cfg. opts are applied after the
// options derived from cfg.
func FromConfig(cfg config.Config, opts ...guard.Option) (*Stack, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	opts = append([]guard.Option{guard.WithReleaseTimeout(cfg.Guard.ReleaseTimeout)}, opts...)
	s := &Stack{}

	var rc redis.UniversalClient
	redisClient := func() redis.UniversalClient {
		if rc == nil {
			rc = RedisOptions{Addrs: cfg.Redis.Addrs, Password: cfg.Redis.Password, DB: cfg.Redis.DB}.client()
			s.closers = append(s.closers, rc.Close)
		}
		return rc
	}

	switch cfg.Bus {
	case "redis":
		s.Bus = syncbus.NewCircuitBreaker(syncbus.NewRedisBus(redisClient(), ""), breakerThreshold, breakerTimeout)
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats connect %s: %w", cfg.NATS.URL, err)
		}
		s.closers = append(s.closers, func() error { nc.Close(); return nil })
		s.Bus = syncbus.NewCircuitBreaker(syncbus.NewNATSBus(nc), breakerThreshold, breakerTimeout)
	}

	switch cfg.Backend {
	case "memory":
		s.Client = lock.NewInMemory(s.Bus)
	case "redis":
		ro := RedisOptions{KeyPrefix: cfg.Redis.KeyPrefix, RetryInterval: cfg.Guard.RetryInterval}
		s.Client = lock.NewRedis(redisClient(), ro.lockOptions(s.Bus)...)
	case "etcd":
		ec, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("etcd client: %w", err)
		}
		s.closers = append(s.closers, ec.Close)
		s.Client = lock.NewEtcd(ec, cfg.Etcd.Prefix)
	}

	s.Guard = guard.New(s.Client, opts...)
	return s, nil
}

// Descriptor returns a descriptor for key using the wait and lease times of cfg.
func Descriptor(cfg config.Config, key string) (guard.Descriptor, error) {
	return guard.NewDescriptor(key,
		guard.WithWaitTime(cfg.Guard.WaitTime),
		guard.WithLeaseTime(cfg.Guard.LeaseTime),
	)
}
