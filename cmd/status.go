package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/orchestrator"
	"github.com/roastradar/catalog-sync/internal/store"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent jobs, review depth, and upcoming runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Store.ListJobs(ctx, store.JobFilter{Limit: statusLimit})
		if err != nil {
			return err
		}
		reviewDepth, err := env.Store.CountReview(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tKIND\tSTATE\tARTIFACTS\tPRICES\tREVIEW\tFINISHED")
		for _, j := range jobs {
			finished := "-"
			if !j.FinishedAt.IsZero() {
				finished = j.FinishedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				j.SourceDomain, j.Kind, j.State,
				j.Stats.ArtifactsProcessed, j.Stats.PriceDeltas, j.Stats.ReviewFlagged, finished)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nreview queue depth: %d\n", reviewDepth)

		sched, err := orchestrator.NewScheduler(env.Orch)
		if err != nil {
			return err
		}
		next := sched.NextRuns()
		domains := make([]string, 0, len(next))
		for d := range next {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		fmt.Println("\nnext runs:")
		nw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(nw, "SOURCE\tFULL\tPRICE")
		for _, d := range domains {
			fmt.Fprintf(nw, "%s\t%s\t%s\n", d,
				next[d][model.JobFull].Format(time.RFC3339),
				next[d][model.JobPriceOnly].Format(time.RFC3339))
		}
		return nw.Flush()
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of recent jobs to show")
	rootCmd.AddCommand(statusCmd)
}
