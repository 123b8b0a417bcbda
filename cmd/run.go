package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
)

var (
	runSource string
	runKind   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single sync job for one source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind := model.JobKind(runKind)
		if kind != model.JobFull && kind != model.JobPriceOnly {
			return eris.Errorf("unknown job kind %q (want full or price_only)", runKind)
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var src model.Source
		found := false
		for _, s := range env.Sources {
			if s.Domain == runSource {
				src = s
				found = true
				break
			}
		}
		if !found {
			return eris.Errorf("source %s not in %s", runSource, cfg.SourcesFile)
		}

		job := model.Job{
			ID:           uuid.NewString(),
			SourceDomain: src.Domain,
			Kind:         kind,
			State:        model.JobRunning,
			EnqueuedAt:   time.Now().UTC(),
			StartedAt:    time.Now().UTC(),
		}
		if err := env.Store.CreateJob(ctx, job); err != nil {
			return eris.Wrap(err, "create job")
		}

		stats, runErr := env.Runner.Run(ctx, job, src)
		job.Stats = stats
		job.FinishedAt = time.Now().UTC()
		if runErr != nil {
			job.State = model.JobFailed
			job.Error = runErr.Error()
		} else if stats.ValidationFailures == 0 && stats.PermanentFailures == 0 {
			job.State = model.JobSucceeded
		} else {
			job.State = model.JobPartial
		}
		if err := env.Store.UpdateJob(ctx, job); err != nil {
			zap.L().Error("record job result", zap.Error(err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "source domain to sync (required)")
	runCmd.Flags().StringVar(&runKind, "kind", string(model.JobFull), "job kind: full or price_only")
	_ = runCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(runCmd)
}
