// Package config loads guard settings from defaults, an optional YAML or
// JSON file and GUARD_ prefixed environment variables, in that order of
// increasing priority.
package config

import "time"

// Config is the complete guard configuration.
type Config struct {
	// Backend selects the lock service: memory, redis or etcd.
	Backend string        `koanf:"backend" validate:"oneof=memory redis etcd"`
	// Bus selects how unlock events travel between processes: none, redis or nats.
	Bus     string        `koanf:"bus" validate:"oneof=none redis nats"`
	Redis   RedisConfig   `koanf:"redis"`
	Etcd    EtcdConfig    `koanf:"etcd"`
	NATS    NATSConfig    `koanf:"nats"`
	Guard   GuardConfig   `koanf:"guard"`
	Log     LogConfig     `koanf:"log"`
	HTTP    HTTPConfig    `koanf:"http"`
	Tracing TracingConfig `koanf:"tracing"`
}

// RedisConfig holds the Redis connection. More than one address selects a
// cluster client.
type RedisConfig struct {
	Addrs     []string `koanf:"addrs" validate:"dive,required"`
	Password  string   `koanf:"password"`
	DB        int      `koanf:"db" validate:"gte=0"`
	KeyPrefix string   `koanf:"key_prefix"`
}

// EtcdConfig holds the etcd connection.
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints" validate:"dive,required"`
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gt=0"`
	Prefix      string        `koanf:"prefix"`
}

// NATSConfig holds the NATS connection used by the nats bus.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// GuardConfig tunes the interceptor and the lock clients.
type GuardConfig struct {
	WaitTime       time.Duration `koanf:"wait_time" validate:"gt=0"`
	LeaseTime      time.Duration `koanf:"lease_time" validate:"gt=0"`
	RetryInterval  time.Duration `koanf:"retry_interval" validate:"gt=0"`
	ReleaseTimeout time.Duration `koanf:"release_timeout" validate:"gt=0"`
	// HoldTime is how long the demo operation keeps its lock.
	HoldTime time.Duration `koanf:"hold_time" validate:"gte=0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// HTTPConfig holds the daemon listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// TracingConfig controls the stdout span exporter.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name" validate:"required_if=Enabled true"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Backend: "memory",
		Bus:     "none",
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			KeyPrefix: "guard:lock:",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			Prefix:      "/guard/locks/",
		},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
		Guard: GuardConfig{
			WaitTime:       5 * time.Second,
			LeaseTime:      10 * time.Second,
			RetryInterval:  50 * time.Millisecond,
			ReleaseTimeout: 5 * time.Second,
			HoldTime:       5 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Tracing: TracingConfig{ServiceName: "guardd"},
	}
}
