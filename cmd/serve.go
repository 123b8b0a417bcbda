package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roastradar/catalog-sync/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API without the scheduler",
	Long:  "Serves stats, job history, the review queue, and source controls. Job workers run so that POST /jobs executes, but nothing fires on a schedule.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Orch.Start(gctx)
		})
		g.Go(func() error {
			srv := api.NewServer(env.Store, env.Collector, env.Orch)
			return srv.ListenAndServe(gctx, port)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
