package guard

import (
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-guard/v1/keyres"
)

const (
	// DefaultWaitTime bounds how long an invocation waits for its lock.
	DefaultWaitTime = 5 * time.Second
	// DefaultLeaseTime bounds how long a lock is held before the lock service reclaims it.
	DefaultLeaseTime = 10 * time.Second
)

var (
	ErrEmptyKey          = errors.New("guard: key template must not be empty")
	ErrInvalidWaitTime   = errors.New("guard: wait time must be positive")
	ErrInvalidLeaseTime  = errors.New("guard: lease time must be positive")
	ErrInvalidDescriptor = errors.New("guard: descriptor was not built with NewDescriptor")
)

// Descriptor declares a guard point. It is immutable and safe to share
// between concurrent invocations.
type Descriptor struct {
	key   *keyres.Template
	wait  time.Duration
	lease time.Duration
}

// DescriptorOption customizes a Descriptor.
type DescriptorOption func(*Descriptor)

// WithWaitTime sets the maximum time to wait for the lock.
func WithWaitTime(d time.Duration) DescriptorOption {
	return func(ds *Descriptor) { ds.wait = d }
}

// WithLeaseTime sets the maximum time the lock may be held.
func WithLeaseTime(d time.Duration) DescriptorOption {
	return func(ds *Descriptor) { ds.lease = d }
}

// NewDescriptor builds a Descriptor for the key template, defaulting to
// DefaultWaitTime and DefaultLeaseTime.
func NewDescriptor(key string, opts ...DescriptorOption) (Descriptor, error) {
	if key == "" {
		return Descriptor{}, ErrEmptyKey
	}
	tpl, err := keyres.Parse(key)
	if err != nil {
		return Descriptor{}, fmt.Errorf("guard: key template %q: %w", key, err)
	}
	d := Descriptor{key: tpl, wait: DefaultWaitTime, lease: DefaultLeaseTime}
	for _, opt := range opts {
		opt(&d)
	}
	if d.wait <= 0 {
		return Descriptor{}, ErrInvalidWaitTime
	}
	if d.lease <= 0 {
		return Descriptor{}, ErrInvalidLeaseTime
	}
	return d, nil
}

// MustDescriptor is like NewDescriptor but panics on error. It suits guard
// points declared as package-level variables.
func MustDescriptor(key string, opts ...DescriptorOption) Descriptor {
	d, err := NewDescriptor(key, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Key returns the key template.
func (d Descriptor) Key() string {
	if d.key == nil {
		return ""
	}
	return d.key.String()
}

func (d Descriptor) WaitTime() time.Duration  { return d.wait }
func (d Descriptor) LeaseTime() time.Duration { return d.lease }

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (wait %s, lease %s)", d.Key(), d.wait, d.lease)
}
