package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-guard/v1/config"
)

func newLoadCmd() *cobra.Command {
	var (
		workers int
		userID  string
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run concurrent guarded calls for one user and report the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFilePath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			res := runLoad(ctx, a.service, userID, workers)
			fmt.Fprintf(cmd.OutOrStdout(), "workers=%d success=%d failed=%d\n", workers, res.success, res.failed)
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 5, "Number of concurrent callers")
	cmd.Flags().StringVarP(&userID, "user", "u", "user:tester", "User the callers contend for")
	return cmd
}

type loadResult struct {
	success int64
	failed  int64
}

// runLoad starts workers calls for userID at the same time and counts how many held the lock.
func runLoad(ctx context.Context, svc *lockService, userID string, workers int) loadResult {
	var success, failed atomic.Int64
	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			<-start
			if err := svc.ExecuteWithLock(ctx, userID); err != nil {
				failed.Add(1)
				return nil
			}
			success.Add(1)
			return nil
		})
	}
	close(start)
	_ = g.Wait()
	return loadResult{success: success.Load(), failed: failed.Load()}
}
