package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-guard/v1/keyres"
	"github.com/mirkobrombin/go-guard/v1/lock"
	"github.com/mirkobrombin/go-guard/v1/metrics"
)

const tracerName = "github.com/mirkobrombin/go-guard/v1/guard"

// DefaultReleaseTimeout bounds the ownership check and release of one invocation.
const DefaultReleaseTimeout = 5 * time.Second

var errAborted = errors.New("guard: guarded operation did not return")

// Guard runs operations under locks obtained from a lock.Client. It holds no
// in-process lock itself and is safe for concurrent use.
type Guard struct {
	client         lock.Client
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        bool
	registerer     prometheus.Registerer
	releaseTimeout time.Duration
	observer       func(Transition)
	onReleaseError func(error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTracerProvider sets the provider of the tracer used for invocation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Guard) {
		if tp != nil {
			g.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics enables the guard metrics and registers them on reg when it is
// not nil. Registering on the same registry twice is harmless.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(g *Guard) {
		g.metrics = true
		g.registerer = reg
	}
}

// registerMetrics runs once every option is applied, so failures reach the
// configured logger.
func (g *Guard) registerMetrics() {
	if g.registerer == nil {
		return
	}
	for _, c := range metrics.Collectors() {
		if err := g.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				g.logger.Warn("guard: metrics registration failed", "error", err)
			}
		}
	}
}

// WithReleaseTimeout bounds the release of each invocation.
func WithReleaseTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.releaseTimeout = d
		}
	}
}

// WithObserver registers fn to receive every state transition. fn runs
// synchronously on the invoking goroutine.
func WithObserver(fn func(Transition)) Option {
	return func(g *Guard) { g.observer = fn }
}

// WithReleaseErrorHandler registers fn to receive every *ReleaseError.
func WithReleaseErrorHandler(fn func(error)) Option {
	return func(g *Guard) { g.onReleaseError = fn }
}

// New returns a Guard acquiring locks through client.
func New(client lock.Client, opts ...Option) *Guard {
	g := &Guard{
		client:         client,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
		releaseTimeout: DefaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.registerMetrics()
	return g
}

// Do runs fn while holding the lock described by d, with the key resolved
// from args. The error returned by fn is returned unchanged.
func (g *Guard) Do(ctx context.Context, d Descriptor, args keyres.Args, fn func(context.Context) error) error {
	if d.key == nil {
		return ErrInvalidDescriptor
	}
	ctx, span := g.tracer.Start(ctx, "guard.Do", trace.WithAttributes(
		attribute.String("guard.key_template", d.key.String()),
		attribute.StringSlice("guard.key_refs", d.key.Refs()),
		attribute.Int64("guard.wait_ms", d.wait.Milliseconds()),
		attribute.Int64("guard.lease_ms", d.lease.Milliseconds()),
	))
	defer span.End()

	key, err := d.key.Resolve(args)
	if err != nil {
		kerr := &KeyResolutionError{Template: d.key.String(), Err: err}
		if g.metrics {
			metrics.KeyResolutionFailureCounter.Inc()
		}
		g.logger.Warn("guard: lock key resolution failed", "template", d.key.String(), "refs", d.key.Refs(), "error", err)
		span.RecordError(kerr)
		span.SetStatus(codes.Error, kerr.Error())
		return kerr
	}
	span.SetAttributes(attribute.String("guard.key", key))

	inv := &invocation{g: g, key: key, span: span}
	inv.to(StateKeyResolved, nil)
	h, err := inv.acquire(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = inv.run(ctx, h, fn)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// invocation carries the state of one Do call. It is never shared.
type invocation struct {
	g     *Guard
	key   string
	span  trace.Span
	state State
}

func (inv *invocation) to(next State, err error) {
	t := Transition{Key: inv.key, From: inv.state, To: next, Err: err}
	inv.state = next
	inv.span.AddEvent(next.String())
	inv.g.logger.Debug("guard: transition", "key", inv.key, "from", t.From.String(), "to", next.String())
	if inv.g.observer != nil {
		inv.g.observer(t)
	}
}

func (inv *invocation) acquire(ctx context.Context, d Descriptor) (lock.Handle, error) {
	g := inv.g
	inv.to(StateAcquiring, nil)
	start := time.Now()
	h, ok, err := g.client.TryAcquire(ctx, inv.key, d.wait, d.lease)
	if g.metrics {
		metrics.AcquireWait.Observe(time.Since(start).Seconds())
	}

	switch {
	case (err != nil || !ok) && ctx.Err() != nil:
		ierr := &AcquisitionInterruptedError{Key: inv.key, Cause: ctx.Err()}
		inv.to(StateAcquireInterrupted, ierr)
		inv.count(metrics.OutcomeInterrupted)
		g.logger.Warn("guard: lock acquisition interrupted", "key", inv.key, "error", ctx.Err())
		return nil, ierr
	case err != nil:
		ferr := &AcquisitionFailedError{Key: inv.key, Err: err}
		inv.to(StateAcquireFailed, ferr)
		inv.count(metrics.OutcomeError)
		g.logger.Warn("guard: lock acquisition error", "key", inv.key, "error", err)
		return nil, ferr
	case !ok || h == nil:
		ferr := &AcquisitionFailedError{Key: inv.key}
		inv.to(StateAcquireFailed, ferr)
		inv.count(metrics.OutcomeFailed)
		g.logger.Warn("guard: lock acquisition failed", "key", inv.key, "wait", d.wait)
		return nil, ferr
	}
	inv.to(StateAcquired, nil)
	inv.count(metrics.OutcomeAcquired)
	g.logger.Debug("guard: lock acquired", "key", inv.key)
	return h, nil
}

func (inv *invocation) count(outcome string) {
	if inv.g.metrics {
		metrics.AcquireCounter.WithLabelValues(outcome).Inc()
	}
}

func (inv *invocation) run(ctx context.Context, h lock.Handle, fn func(context.Context) error) (err error) {
	inv.to(StateRunning, nil)
	if inv.g.metrics {
		metrics.RunningGauge.Inc()
	}
	returned := false
	defer func() {
		if inv.g.metrics {
			metrics.RunningGauge.Dec()
		}
		// fn panicked or called runtime.Goexit; unwinding continues after release.
		if !returned {
			inv.to(StateFailed, errAborted)
			inv.span.RecordError(errAborted)
			inv.span.SetStatus(codes.Error, errAborted.Error())
		}
		inv.release(ctx, h)
	}()
	err = fn(ctx)
	returned = true
	if err != nil {
		inv.to(StateFailed, err)
	} else {
		inv.to(StateCompleted, nil)
	}
	return err
}

// release gives the lock back if this invocation still owns it. It runs on a
// context detached from the caller's cancellation.
func (inv *invocation) release(ctx context.Context, h lock.Handle) {
	g := inv.g
	inv.to(StateReleasing, nil)
	defer inv.to(StateReleased, nil)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.releaseTimeout)
	defer cancel()

	owned, err := h.Owned(rctx)
	if err != nil {
		inv.releaseFailed(fmt.Errorf("ownership check: %w", err))
		return
	}
	if !owned {
		if g.metrics {
			metrics.LeaseLostCounter.Inc()
		}
		inv.span.AddEvent("lease_lost")
		g.logger.Warn("guard: lease lost before release", "key", inv.key)
		return
	}
	if err := h.Release(rctx); err != nil {
		inv.releaseFailed(err)
		return
	}
	g.logger.Debug("guard: lock released", "key", inv.key)
}

func (inv *invocation) releaseFailed(err error) {
	g := inv.g
	rerr := &ReleaseError{Key: inv.key, Err: err}
	if g.metrics {
		metrics.ReleaseFailureCounter.Inc()
	}
	inv.span.RecordError(rerr)
	g.logger.Warn("guard: lock release failed", "key", inv.key, "error", err)
	if g.onReleaseError != nil {
		g.onReleaseError(rerr)
	}
}
