package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/roastradar/catalog-sync/internal/config"
	"github.com/roastradar/catalog-sync/internal/model"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source catalog",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := config.LoadSources(cfg.SourcesFile)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tPLATFORM\tFULL\tPRICE\tINFERENCE\tFALLBACK")
		for _, s := range sources {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\n",
				s.Domain, s.Platform, s.FullSchedule, s.PriceSchedule, s.InferenceEnabled, s.FallbackEnabled)
		}
		return w.Flush()
	},
}

var sourcesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the source catalog file",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := config.LoadSources(cfg.SourcesFile)
		if err != nil {
			return err
		}

		var problems []string
		for _, s := range sources {
			if s.BaseURL == "" {
				problems = append(problems, fmt.Sprintf("%s: no base_url", s.Domain))
			}
			if s.FullSchedule != "" {
				if _, err := cron.ParseStandard(s.FullSchedule); err != nil {
					problems = append(problems, fmt.Sprintf("%s: bad full_schedule %q: %v", s.Domain, s.FullSchedule, err))
				}
			}
			if s.PriceSchedule != "" {
				if _, err := cron.ParseStandard(s.PriceSchedule); err != nil {
					problems = append(problems, fmt.Sprintf("%s: bad price_schedule %q: %v", s.Domain, s.PriceSchedule, err))
				}
			}
			if s.Platform == model.PlatformGeneric && !s.FallbackEnabled {
				problems = append(problems, fmt.Sprintf("%s: generic platform needs fallback_enabled", s.Domain))
			}
			if s.FallbackEnabled && s.FallbackBudget <= 0 {
				problems = append(problems, fmt.Sprintf("%s: fallback_enabled without fallback_budget", s.Domain))
			}
			if s.InferenceEnabled && s.InferenceBudget <= 0 {
				problems = append(problems, fmt.Sprintf("%s: inference_enabled without inference_budget", s.Domain))
			}
		}

		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(os.Stderr, p)
			}
			return eris.Errorf("%d problem(s) in %s", len(problems), cfg.SourcesFile)
		}
		fmt.Printf("%d source(s) ok\n", len(sources))
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesValidateCmd)
	rootCmd.AddCommand(sourcesCmd)
}
