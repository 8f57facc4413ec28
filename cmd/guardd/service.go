package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-guard/v1/config"
	"github.com/mirkobrombin/go-guard/v1/guard"
	"github.com/mirkobrombin/go-guard/v1/logging"
	"github.com/mirkobrombin/go-guard/v1/metrics"
	"github.com/mirkobrombin/go-guard/v1/presets"
	"github.com/mirkobrombin/go-guard/v1/tracing"
)

// lockService holds a per-user lock for a fixed time.
type lockService struct {
	run func(ctx context.Context, userID string) (struct{}, error)
}

func newLockService(g *guard.Guard, d guard.Descriptor, hold time.Duration) *lockService {
	return &lockService{
		run: guard.Wrap(g, d, guard.Arg[string]("userID"), func(ctx context.Context, userID string) (struct{}, error) {
			slog.Debug("holding lock", "user", userID, "hold", hold)
			select {
			case <-time.After(hold):
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			}
			return struct{}{}, nil
		}),
	}
}

// ExecuteWithLock runs the held operation for userID.
func (s *lockService) ExecuteWithLock(ctx context.Context, userID string) error {
	_, err := s.run(ctx, userID)
	return err
}

// app is everything a command needs, built from the configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	stack    *presets.Stack
	service  *lockService
	shutdown []func(context.Context) error
}

func newApp(cfg config.Config, traceOut io.Writer) (*app, error) {
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, registry: metrics.NewRegistry()}
	opts := []guard.Option{guard.WithLogger(logger), guard.WithMetrics(a.registry)}

	if cfg.Tracing.Enabled {
		tp, shutdown, err := tracing.Init(cfg.Tracing.ServiceName, traceOut)
		if err != nil {
			return nil, err
		}
		a.shutdown = append(a.shutdown, shutdown)
		opts = append(opts, guard.WithTracerProvider(tp))
	}

	stack, err := presets.FromConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.stack = stack

	d, err := presets.Descriptor(cfg, "#userID")
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	a.service = newLockService(stack.Guard, d, cfg.Guard.HoldTime)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	for _, fn := range a.shutdown {
		if err := fn(ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	if err := a.stack.Close(); err != nil {
		a.logger.Warn("close lock backend", "error", err)
	}
}
