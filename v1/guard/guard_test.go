package guard

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
	"github.com/mirkobrombin/go-guard/v1/keyres"
	"github.com/mirkobrombin/go-guard/v1/lock"
	"github.com/mirkobrombin/go-guard/v1/metrics"
)

type fakeClient struct {
	mu     sync.Mutex
	ok     bool
	err    error
	block  bool
	calls  int
	keys   []string
	waits  []time.Duration
	leases []time.Duration
	handle *fakeHandle
}

func newFakeClient() *fakeClient {
	return &fakeClient{ok: true, handle: &fakeHandle{owned: true}}
}

func (c *fakeClient) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (lock.Handle, bool, error) {
	c.mu.Lock()
	c.calls++
	c.keys = append(c.keys, key)
	c.waits = append(c.waits, wait)
	c.leases = append(c.leases, lease)
	block, ok, err := c.block, c.ok, c.err
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if err != nil || !ok {
		return nil, false, err
	}
	c.handle.key = key
	return c.handle, true, nil
}

type fakeHandle struct {
	mu         sync.Mutex
	key        string
	owned      bool
	ownedErr   error
	releaseErr error
	releases   int
	releaseCtx context.Context
}

func (h *fakeHandle) Key() string { return h.key }

func (h *fakeHandle) Owned(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owned, h.ownedErr
}

func (h *fakeHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases++
	h.releaseCtx = ctx
	return h.releaseErr
}

func (h *fakeHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

func TestDoRunsUnderLock(t *testing.T) {
	c := newFakeClient()
	g := New(c)
	d := MustDescriptor("user:#id")

	ran := false
	err := g.Do(context.Background(), d, keyres.Args{"id": 7}, func(context.Context) error {
		ran = true
		if c.handle.releaseCount() != 0 {
			t.Fatal("released before the operation ran")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatal("operation did not run")
	}
	if c.calls != 1 || c.keys[0] != "user:7" {
		t.Fatalf("unexpected acquisitions %d %v", c.calls, c.keys)
	}
	if c.waits[0] != DefaultWaitTime || c.leases[0] != DefaultLeaseTime {
		t.Fatalf("unexpected durations %v %v", c.waits[0], c.leases[0])
	}
	if c.handle.releaseCount() != 1 {
		t.Fatalf("expected one release, got %d", c.handle.releaseCount())
	}
}

func TestDoAcquisitionFailed(t *testing.T) {
	c := newFakeClient()
	c.ok = false
	g := New(c)

	err := g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	var ferr *AcquisitionFailedError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected AcquisitionFailedError, got %v", err)
	}
	if ferr.Key != "k" || ferr.Err != nil {
		t.Fatalf("unexpected error fields %+v", ferr)
	}
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatal("expected errors.Is(err, ErrNotAcquired)")
	}
	if err.Error() != "guard: lock not acquired within wait time - key: k" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if c.handle.releaseCount() != 0 {
		t.Fatal("release must not be attempted")
	}
}

func TestDoAcquisitionErrorWrapsCause(t *testing.T) {
	c := newFakeClient()
	cause := errors.New("connection refused")
	c.err = cause
	g := New(c)

	err := g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	var ferr *AcquisitionFailedError
	if !errors.As(err, &ferr) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped lock service error, got %v", err)
	}
}

func TestDoInterrupted(t *testing.T) {
	c := newFakeClient()
	c.block = true
	g := New(c)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := g.Do(ctx, MustDescriptor("k"), nil, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	var ierr *AcquisitionInterruptedError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected AcquisitionInterruptedError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled cause, got %v", err)
	}
	if errors.Is(err, ErrNotAcquired) {
		t.Fatal("interruption must not look like a failed acquisition")
	}
	if c.handle.releaseCount() != 0 {
		t.Fatal("release must not be attempted")
	}
}

func TestDoBusinessErrorPassesThrough(t *testing.T) {
	c := newFakeClient()
	g := New(c)
	boom := errors.New("boom")

	err := g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error {
		return boom
	})
	if err != boom {
		t.Fatalf("expected the operation error unchanged, got %v", err)
	}
	if c.handle.releaseCount() != 1 {
		t.Fatal("expected release after a failed operation")
	}
}

func TestDoReleaseErrorNeverReturned(t *testing.T) {
	c := newFakeClient()
	c.handle.releaseErr = errors.New("redis down")
	var reported []error
	g := New(c, WithReleaseErrorHandler(func(err error) { reported = append(reported, err) }))

	out, err := Call(context.Background(), g, MustDescriptor("k"), nil, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || out != 42 {
		t.Fatalf("expected result unaffected by release error, got %d %v", out, err)
	}
	if len(reported) != 1 {
		t.Fatalf("expected one reported release error, got %d", len(reported))
	}
	var rerr *ReleaseError
	if !errors.As(reported[0], &rerr) || rerr.Key != "k" {
		t.Fatalf("unexpected reported error %v", reported[0])
	}

	boom := errors.New("boom")
	err = g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error { return boom })
	if err != boom {
		t.Fatalf("release error must not mask the operation error, got %v", err)
	}
}

func TestDoSkipsReleaseWhenLeaseLost(t *testing.T) {
	c := newFakeClient()
	c.handle.owned = false
	var reported int
	g := New(c, WithReleaseErrorHandler(func(error) { reported++ }))

	if err := g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if c.handle.releaseCount() != 0 {
		t.Fatal("release must be skipped when the lease is no longer owned")
	}
	if reported != 0 {
		t.Fatal("a lost lease is not a release error")
	}
}

func TestDoOwnershipCheckError(t *testing.T) {
	c := newFakeClient()
	c.handle.ownedErr = errors.New("timeout")
	var reported []error
	g := New(c, WithReleaseErrorHandler(func(err error) { reported = append(reported, err) }))

	if err := g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if c.handle.releaseCount() != 0 {
		t.Fatal("release must not be attempted when ownership is unknown")
	}
	if len(reported) != 1 || !errors.Is(reported[0], c.handle.ownedErr) {
		t.Fatalf("expected reported ownership error, got %v", reported)
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	c := newFakeClient()
	g := New(c)

	defer func() {
		if r := recover(); r != "kaboom" {
			t.Fatalf("expected re-panic, got %v", r)
		}
		if c.handle.releaseCount() != 1 {
			t.Fatalf("expected release before unwinding, got %d", c.handle.releaseCount())
		}
	}()
	_ = g.Do(context.Background(), MustDescriptor("k"), nil, func(context.Context) error {
		panic("kaboom")
	})
	t.Fatal("unreachable")
}

func TestDoKeyResolutionError(t *testing.T) {
	c := newFakeClient()
	g := New(c)

	err := g.Do(context.Background(), MustDescriptor("order:#orderId"), keyres.Args{"id": 1}, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	var kerr *KeyResolutionError
	if !errors.As(err, &kerr) {
		t.Fatalf("expected KeyResolutionError, got %v", err)
	}
	var uerr *keyres.UnresolvedReferenceError
	if !errors.As(err, &uerr) || uerr.Name != "orderId" {
		t.Fatalf("expected unresolved reference to orderId, got %v", err)
	}
	if c.calls != 0 {
		t.Fatal("lock service must not be contacted")
	}
}

func TestDoRejectsZeroDescriptor(t *testing.T) {
	c := newFakeClient()
	err := New(c).Do(context.Background(), Descriptor{}, nil, func(context.Context) error { return nil })
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
	if c.calls != 0 {
		t.Fatal("lock service must not be contacted")
	}
}

func collect(g **Guard, c lock.Client) *[]Transition {
	var seen []Transition
	*g = New(c, WithObserver(func(tr Transition) { seen = append(seen, tr) }))
	return &seen
}

func states(ts []Transition) []State {
	out := make([]State, len(ts))
	for i, tr := range ts {
		out[i] = tr.To
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestObserverTransitions(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name  string
		setup func(*fakeClient)
		fn    func(context.Context) error
		want  []State
	}{
		{
			name: "completed",
			fn:   func(context.Context) error { return nil },
			want: []State{StateKeyResolved, StateAcquiring, StateAcquired, StateRunning, StateCompleted, StateReleasing, StateReleased},
		},
		{
			name: "failed",
			fn:   func(context.Context) error { return boom },
			want: []State{StateKeyResolved, StateAcquiring, StateAcquired, StateRunning, StateFailed, StateReleasing, StateReleased},
		},
		{
			name:  "not acquired",
			setup: func(c *fakeClient) { c.ok = false },
			fn:    func(context.Context) error { return nil },
			want:  []State{StateKeyResolved, StateAcquiring, StateAcquireFailed},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newFakeClient()
			if tc.setup != nil {
				tc.setup(c)
			}
			var g *Guard
			seen := collect(&g, c)
			_ = g.Do(context.Background(), MustDescriptor("k"), nil, tc.fn)
			if got := states(*seen); !equalStates(got, tc.want) {
				t.Fatalf("transitions = %v, want %v", got, tc.want)
			}
			if (*seen)[0].From != StateInit {
				t.Fatalf("first transition must start from init, got %v", (*seen)[0].From)
			}
			for _, tr := range *seen {
				if tr.Key != "k" {
					t.Fatalf("unexpected key %q in transition", tr.Key)
				}
			}
		})
	}
}

func TestReleaseSurvivesCallerCancel(t *testing.T) {
	c := newFakeClient()
	g := New(c, WithReleaseTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())

	_ = g.Do(ctx, MustDescriptor("k"), nil, func(context.Context) error {
		cancel()
		return nil
	})
	if c.handle.releaseCount() != 1 {
		t.Fatal("expected release after caller cancellation")
	}
	if err := c.handle.releaseCtx.Err(); err != nil {
		t.Fatalf("release ran on a cancelled context: %v", err)
	}
	if _, ok := c.handle.releaseCtx.Deadline(); !ok {
		t.Fatal("release context must carry the release timeout")
	}
}

func TestCallAndWrap(t *testing.T) {
	type order struct{ ID string }
	c := newFakeClient()
	g := New(c)

	v, err := Call(context.Background(), g, MustDescriptor("k"), nil, func(context.Context) (string, error) {
		return "value", nil
	})
	if err != nil || v != "value" {
		t.Fatalf("call: %q %v", v, err)
	}

	process := Wrap(g, MustDescriptor("order:#o.ID"), Arg[order]("o"), func(_ context.Context, o order) (string, error) {
		return "processed " + o.ID, nil
	})
	out, err := process(context.Background(), order{ID: "A1"})
	if err != nil || out != "processed A1" {
		t.Fatalf("wrap: %q %v", out, err)
	}
	if got := c.keys[len(c.keys)-1]; got != "order:A1" {
		t.Fatalf("unexpected wrapped key %q", got)
	}

	c.ok = false
	if _, err := process(context.Background(), order{ID: "A2"}); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired from wrapped call, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newFakeClient()
	g := New(c, WithMetrics(reg))
	// Registering twice on the same registry is tolerated.
	_ = New(c, WithMetrics(reg))

	acquired := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeAcquired))
	failed := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeFailed))
	lost := testutil.ToFloat64(metrics.LeaseLostCounter)
	releaseFailures := testutil.ToFloat64(metrics.ReleaseFailureCounter)
	keyFailures := testutil.ToFloat64(metrics.KeyResolutionFailureCounter)

	d := MustDescriptor("k")
	noop := func(context.Context) error { return nil }

	_ = g.Do(context.Background(), d, nil, noop)
	c.handle.owned = false
	_ = g.Do(context.Background(), d, nil, noop)
	c.handle.owned = true
	c.handle.releaseErr = guarderrors.ErrNotOwner
	_ = g.Do(context.Background(), d, nil, noop)
	c.ok = false
	_ = g.Do(context.Background(), d, nil, noop)
	_ = g.Do(context.Background(), MustDescriptor("#missing"), nil, noop)

	if got := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeAcquired)) - acquired; got != 3 {
		t.Fatalf("acquired delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeFailed)) - failed; got != 1 {
		t.Fatalf("failed delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LeaseLostCounter) - lost; got != 1 {
		t.Fatalf("lease lost delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ReleaseFailureCounter) - releaseFailures; got != 1 {
		t.Fatalf("release failure delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.KeyResolutionFailureCounter) - keyFailures; got != 1 {
		t.Fatalf("key resolution failure delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.RunningGauge); got != 0 {
		t.Fatalf("running gauge = %v, want 0", got)
	}
}

func TestDoCancelledWhenWaitEnds(t *testing.T) {
	c := newFakeClient()
	c.ok = false
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(c).Do(ctx, MustDescriptor("k"), nil, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	var ierr *AcquisitionInterruptedError
	if !errors.As(err, &ierr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("a cancelled caller must see an interruption, got %v", err)
	}
	if errors.Is(err, ErrNotAcquired) {
		t.Fatal("cancellation must not be reported as a failed acquisition")
	}
}

func TestMetricsRegistrationUsesConfiguredLogger(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_lease_lost_total",
		Help: "conflicting help text",
	}))
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	New(newFakeClient(), WithMetrics(reg), WithLogger(logger))

	if !strings.Contains(buf.String(), "metrics registration failed") {
		t.Fatalf("expected registration failure on the configured logger, got %q", buf.String())
	}
}
