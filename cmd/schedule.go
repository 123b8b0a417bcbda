package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roastradar/catalog-sync/internal/api"
	"github.com/roastradar/catalog-sync/internal/orchestrator"
)

var scheduleNoAPI bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the scheduler daemon",
	Long:  "Starts the cron scheduler, job workers, and the HTTP API. Jobs fire on each source's full and price-only schedules until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := orchestrator.NewScheduler(env.Orch)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Orch.Start(gctx)
		})
		g.Go(func() error {
			return sched.Run(gctx)
		})
		if !scheduleNoAPI {
			srv := api.NewServer(env.Store, env.Collector, env.Orch)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, cfg.Server.Port)
			})
		}
		g.Go(func() error {
			return alertLoop(gctx, env)
		})

		zap.L().Info("scheduler started",
			zap.Int("sources", len(env.Sources)),
			zap.Int("workers", cfg.Orchestrator.Workers),
		)
		return g.Wait()
	},
}

// alertLoop periodically evaluates failure-rate and review-backlog thresholds
// against recent jobs.
func alertLoop(ctx context.Context, env *pipelineEnv) error {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := env.Collector.Collect(ctx, cfg.Monitoring.LookbackHours)
			if err != nil {
				zap.L().Error("monitoring collect failed", zap.Error(err))
				continue
			}
			alerts := env.Alerter.Evaluate(snap)
			if len(alerts) == 0 {
				continue
			}
			if err := env.Alerter.Send(ctx, alerts); err != nil {
				zap.L().Error("alert delivery failed", zap.Error(err))
			}
		}
	}
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleNoAPI, "no-api", false, "disable the HTTP API")
	rootCmd.AddCommand(scheduleCmd)
}
