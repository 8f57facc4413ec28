package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-guard/v1/config"
	"github.com/mirkobrombin/go-guard/v1/guard"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the guarded lock endpoint over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFilePath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides http.addr")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newRouter(a.service, a.stack.Bus, a.registry, a.logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("guardd listening", "addr", cfg.HTTP.Addr, "backend", cfg.Backend, "bus", cfg.Bus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.logger.Info("guardd shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// healthChecker is implemented by buses that track their own health.
type healthChecker interface {
	IsHealthy() bool
}

func newRouter(svc *lockService, bus syncbus.Bus, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/lock/{userID}", func(w http.ResponseWriter, req *http.Request) {
		userID := chi.URLParam(req, "userID")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := svc.ExecuteWithLock(req.Context(), userID); err != nil {
			logger.Info("lock request failed", "user", userID, "error", err)
			w.WriteHeader(statusFor(err))
			fmt.Fprintf(w, "FAILED: %v", err)
			return
		}
		fmt.Fprint(w, "SUCCESS")
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if hc, ok := bus.(healthChecker); ok && !hc.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "bus unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func statusFor(err error) int {
	var kerr *guard.KeyResolutionError
	var ierr *guard.AcquisitionInterruptedError
	switch {
	case errors.Is(err, guard.ErrNotAcquired):
		return http.StatusConflict
	case errors.As(err, &kerr):
		return http.StatusBadRequest
	case errors.As(err, &ierr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
