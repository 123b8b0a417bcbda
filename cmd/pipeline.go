package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/roastradar/catalog-sync/internal/archive"
	"github.com/roastradar/catalog-sync/internal/config"
	"github.com/roastradar/catalog-sync/internal/ingest/fetch"
	"github.com/roastradar/catalog-sync/internal/ingest/images"
	"github.com/roastradar/catalog-sync/internal/ingest/normalize"
	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/monitoring"
	"github.com/roastradar/catalog-sync/internal/orchestrator"
	"github.com/roastradar/catalog-sync/internal/politeness"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
	"github.com/roastradar/catalog-sync/pkg/inference"
)

// pipelineEnv bundles everything a command needs to execute jobs.
type pipelineEnv struct {
	Store     store.Store
	Sources   []model.Source
	Runner    *orchestrator.Runner
	Orch      *orchestrator.Orchestrator
	Collector *monitoring.Collector
	Alerter   *monitoring.Alerter
}

func (e *pipelineEnv) Close() {
	e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
}

func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctrl := politeness.NewController(time.Duration(cfg.Fetch.BaseDelayMillis) * time.Millisecond)
	fetcher := fetch.NewClient(fetch.Options{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		Retry:        resilience.RetryConfig{MaxAttempts: cfg.Fetch.MaxRetries},
	}, ctrl)
	fallback := fetch.NewFallbackCrawler(fetcher)

	var infClient inference.Client
	if cfg.Inference.Key != "" {
		infClient = inference.NewClient(inference.Config{
			APIKey:            cfg.Inference.Key,
			Model:             cfg.Inference.Model,
			RequestsPerSecond: float64(cfg.Inference.RequestsPerMinute) / 60.0,
		})
	}
	normalizer := normalize.New(infClient, st, cfg.Inference.ConfidenceThreshold)

	var uploader images.Uploader
	if cfg.CDN.UploadURL != "" {
		uploader = images.NewHTTPUploader(cfg.CDN.UploadURL, cfg.CDN.Key, 30*time.Second)
	}
	resolver := images.NewResolver(fetcher, st, uploader)

	archiver := archive.New(cfg.Archive.Dir)
	alerter := monitoring.NewAlerter(cfg.Monitoring)

	runner := orchestrator.NewRunner(*cfg, st, fetcher, fallback, normalizer, resolver, archiver, alerter)
	orch := orchestrator.New(cfg.Orchestrator, st, runner, sources)

	return &pipelineEnv{
		Store:     st,
		Sources:   sources,
		Runner:    runner,
		Orch:      orch,
		Collector: monitoring.NewCollector(st),
		Alerter:   alerter,
	}, nil
}
