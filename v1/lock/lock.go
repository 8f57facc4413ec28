package lock

import (
	"context"
	"time"
)

// Client is the port to a remote lease-lock service.
type Client interface {
	// TryAcquire waits at most wait to become the holder of key, keeping the
	// lease for at most lease. It returns (h, true, nil) on success and
	// (nil, false, nil) when the wait budget elapsed under contention. If ctx
	// is cancelled while waiting the returned error is ctx.Err().
	TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, bool, error)
}

// Handle represents one successful acquisition. It must not be shared
// between concurrent invocations.
type Handle interface {
	// Key returns the key the lease was acquired for.
	Key() string
	// Owned reports whether this acquisition still holds the lease.
	Owned(ctx context.Context) (bool, error)
	// Release gives up the lease. It returns errors.ErrNotOwner when the lease
	// was already reclaimed or reassigned.
	Release(ctx context.Context) error
}

// attemptFunc makes a single acquisition attempt. On contention it may return
// a channel that fires when retrying is worthwhile.
type attemptFunc func(ctx context.Context) (bool, <-chan struct{}, error)

// acquireWithin retries attempt until it succeeds, the wait budget elapses or
// ctx is done. A zero interval disables periodic retries.
func acquireWithin(ctx context.Context, wait, interval time.Duration, attempt attemptFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	budget := time.NewTimer(wait)
	defer budget.Stop()
	for {
		ok, wake, err := attempt(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return false, cerr
			}
			return false, err
		}
		if ok {
			return true, nil
		}
		var retry *time.Timer
		var tick <-chan time.Time
		if interval > 0 {
			retry = time.NewTimer(interval)
			tick = retry.C
		}
		select {
		case <-ctx.Done():
			stopTimer(retry)
			return false, ctx.Err()
		case <-budget.C:
			stopTimer(retry)
			// ctx may have ended together with the budget.
			return false, ctx.Err()
		case <-wake:
		case <-tick:
		}
		stopTimer(retry)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
