// Package orchestrator schedules and executes ingestion jobs: a worker
// pool drains a job queue, one job per source at a time, with write-layer
// backpressure and source-pause escalation.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roastradar/catalog-sync/internal/archive"
	"github.com/roastradar/catalog-sync/internal/config"
	"github.com/roastradar/catalog-sync/internal/ingest/fetch"
	"github.com/roastradar/catalog-sync/internal/ingest/images"
	"github.com/roastradar/catalog-sync/internal/ingest/normalize"
	"github.com/roastradar/catalog-sync/internal/ingest/transform"
	"github.com/roastradar/catalog-sync/internal/ingest/validate"
	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/monitoring"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
)

// Runner executes one job end to end. It is reused across jobs; all
// per-job state (stats, budgets, breaker) is created per call.
type Runner struct {
	cfg        config.Config
	store      store.Store
	fetcher    *fetch.Client
	fallback   *fetch.FallbackCrawler
	normalizer *normalize.Normalizer
	resolver   *images.Resolver
	archiver   *archive.Archiver
	alerter    *monitoring.Alerter
}

// NewRunner wires a Runner from its stage components.
func NewRunner(cfg config.Config, st store.Store, fetcher *fetch.Client, fallback *fetch.FallbackCrawler, normalizer *normalize.Normalizer, resolver *images.Resolver, archiver *archive.Archiver, alerter *monitoring.Alerter) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      st,
		fetcher:    fetcher,
		fallback:   fallback,
		normalizer: normalizer,
		resolver:   resolver,
		archiver:   archiver,
		alerter:    alerter,
	}
}

// Run executes the job against its source and returns the run counters.
// The returned error is the job-fatal error; per-artifact problems are
// absorbed into the stats.
func (r *Runner) Run(ctx context.Context, job model.Job, src model.Source) (model.RunStats, error) {
	state, err := r.store.GetSourceState(ctx, src.Domain)
	if err != nil {
		return model.RunStats{}, eris.Wrap(err, "orchestrator: load source state")
	}
	if state.Paused {
		return model.RunStats{}, eris.Wrapf(resilience.ErrSourcePaused, "source %s", src.Domain)
	}

	var stats model.RunStats
	switch job.Kind {
	case model.JobFull:
		err = r.runFull(ctx, src, state, &stats)
		if err == nil {
			state.LastFullRun = time.Now().UTC()
		}
	case model.JobPriceOnly:
		err = r.runPriceOnly(ctx, src, state, &stats)
		if err == nil {
			state.LastPriceRun = time.Now().UTC()
		}
	default:
		return stats, eris.Errorf("orchestrator: unknown job kind %q", job.Kind)
	}

	r.recordFetchHealth(ctx, src, state, err)

	if saveErr := r.store.SaveSourceState(ctx, *state); saveErr != nil {
		zap.L().Error("saving source state failed",
			zap.String("source", src.Domain),
			zap.Error(saveErr),
		)
	}
	return stats, err
}

// recordFetchHealth tracks consecutive permanent failures and pauses the
// source at the cap.
func (r *Runner) recordFetchHealth(ctx context.Context, src model.Source, state *model.SourceState, runErr error) {
	if runErr == nil {
		state.ConsecutivePermanent = 0
		return
	}
	if !resilience.IsPermanent(runErr) {
		return
	}
	state.ConsecutivePermanent++
	cap := r.cfg.Fetch.PermanentFailCap
	if cap <= 0 {
		cap = 3
	}
	if state.ConsecutivePermanent >= cap {
		r.pauseSource(ctx, state, "repeated permanent fetch failures")
	}
}

func (r *Runner) pauseSource(ctx context.Context, state *model.SourceState, reason string) {
	state.Paused = true
	state.PauseReason = reason
	zap.L().Error("pausing source",
		zap.String("source", state.Domain),
		zap.String("reason", reason),
	)
	if r.alerter != nil {
		if err := r.alerter.Send(ctx, []monitoring.Alert{monitoring.SourcePaused(state.Domain, reason)}); err != nil {
			zap.L().Warn("alert delivery failed", zap.Error(err))
		}
	}
}

// rawDoc is one per-product unit of work from either fetch path.
type rawDoc struct {
	payload   json.RawMessage
	sourceURL string
	fetchedAt time.Time
}

// collectDocs fetches the source's catalog and archives every payload
// before any parsing, so malformed data is still replayable.
func (r *Runner) collectDocs(ctx context.Context, src model.Source, state *model.SourceState, stats *model.RunStats) ([]rawDoc, error) {
	if src.Platform == model.PlatformGeneric {
		return r.collectFallbackDocs(ctx, src, stats)
	}

	result, err := r.fetcher.Catalog(ctx, src, state)
	if err != nil {
		if resilience.IsPermanent(err) && src.FallbackEnabled {
			zap.L().Warn("catalog api failed, switching to fallback crawl",
				zap.String("source", src.Domain),
				zap.Error(err),
			)
			return r.collectFallbackDocs(ctx, src, stats)
		}
		return nil, err
	}
	stats.NotModified += result.NotModified

	for _, outcome := range result.Oversized {
		r.handleOversized(ctx, src, "api", outcome, stats)
	}

	var docs []rawDoc
	for _, page := range result.Pages {
		r.archivePayload(ctx, src, "api", page.Outcome)
		for _, doc := range page.Products {
			docs = append(docs, rawDoc{
				payload:   doc,
				sourceURL: page.Outcome.URL,
				fetchedAt: page.Outcome.FetchedAt,
			})
		}
	}
	return docs, nil
}

// handleOversized archives an over-ceiling payload and routes it to manual
// review. The payload is never parsed.
func (r *Runner) handleOversized(ctx context.Context, src model.Source, origin string, outcome *fetch.Outcome, stats *model.RunStats) {
	stats.PermanentFailures++
	r.archivePayload(ctx, src, origin, outcome)
	if err := r.store.AddReview(ctx, store.ReviewItem{
		SourceDomain: src.Domain,
		RawHash:      archive.HashPayload(outcome.Body),
		Reasons:      []string{resilience.ErrPayloadTooLarge.Error() + ": " + outcome.URL},
	}); err != nil {
		zap.L().Error("review enqueue failed", zap.Error(err))
	}
}

func (r *Runner) collectFallbackDocs(ctx context.Context, src model.Source, stats *model.RunStats) ([]rawDoc, error) {
	if !src.FallbackEnabled {
		return nil, eris.Errorf("orchestrator: source %s has no api and fallback is disabled", src.Domain)
	}
	budget := resilience.NewBudget(src.FallbackBudget)

	links, listing, err := r.fallback.Discover(ctx, src, budget)
	if err != nil {
		if eris.Is(err, resilience.ErrBudgetExhausted) {
			r.flagBudget(ctx, src, "fallback")
			return nil, nil
		}
		return nil, err
	}
	if listing != nil && listing.Oversized {
		r.handleOversized(ctx, src, "fallback", listing, stats)
		return nil, nil
	}
	stats.FallbackInvocations++

	var docs []rawDoc
	for _, link := range links {
		payload, outcome, err := r.fallback.Extract(ctx, src, link, budget)
		if err != nil {
			if eris.Is(err, resilience.ErrBudgetExhausted) {
				r.flagBudget(ctx, src, "fallback")
				break
			}
			zap.L().Warn("fallback extraction failed",
				zap.String("source", src.Domain),
				zap.String("url", link),
				zap.Error(err),
			)
			if resilience.IsPermanent(err) {
				stats.PermanentFailures++
			}
			continue
		}
		if outcome.Oversized {
			r.handleOversized(ctx, src, "fallback", outcome, stats)
			continue
		}
		stats.FallbackInvocations++
		r.archivePayload(ctx, src, "fallback", outcome)
		docs = append(docs, rawDoc{
			payload:   payload,
			sourceURL: link,
			fetchedAt: outcome.FetchedAt,
		})
	}
	return docs, nil
}

// archivePayload persists the payload bytes and the ledger row. Archive
// failures are logged, never fatal: losing an archive copy must not stop
// ingestion.
func (r *Runner) archivePayload(ctx context.Context, src model.Source, origin string, outcome *fetch.Outcome) {
	raw := model.RawArtifact{
		Origin:       origin,
		SourceDomain: src.Domain,
		SourceURL:    outcome.URL,
		FetchedAt:    outcome.FetchedAt,
		Payload:      outcome.Body,
		RawHash:      archive.HashPayload(outcome.Body),
	}
	path, err := r.archiver.PersistRaw(raw.Payload, raw.SourceDomain, raw.FetchedAt)
	if err != nil {
		zap.L().Error("raw archive write failed",
			zap.String("source", src.Domain),
			zap.String("url", outcome.URL),
			zap.Error(err),
		)
	} else {
		raw.ArchivePath = path
	}
	if err := r.store.SaveRawArtifact(ctx, raw); err != nil {
		zap.L().Error("raw artifact ledger write failed",
			zap.String("source", src.Domain),
			zap.Error(err),
		)
	}
}

// runFull executes a full refresh: fetch, validate, normalize, images,
// transform, fanned out across the source's artifact concurrency.
func (r *Runner) runFull(ctx context.Context, src model.Source, state *model.SourceState, stats *model.RunStats) error {
	docs, err := r.collectDocs(ctx, src, state, stats)
	if err != nil {
		return err
	}

	inferBudget := resilience.NewBudget(src.InferenceBudget)
	transformer := transform.New(r.store, resilience.NewWriteBreaker(resilience.WriteBreakerConfig{
		Cooldown: time.Duration(r.cfg.Orchestrator.WriteBackoffSecs) * time.Second,
		OnStateChange: func(from, to resilience.BreakerState) {
			zap.L().Warn("write breaker state change",
				zap.String("source", src.Domain),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	}))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(src.EffectiveConcurrency(r.cfg.Orchestrator.SourceConcurrency))

	for _, doc := range docs {
		g.Go(func() error {
			local := model.RunStats{}
			err := r.processDoc(gctx, src, doc, inferBudget, transformer, &local)
			mu.Lock()
			stats.Add(local)
			mu.Unlock()
			return err
		})
	}
	waitErr := g.Wait()
	// The trips check runs whether or not the fan-out erred: an abort
	// caused by sustained rate limiting must still pause the source.
	r.escalateWriteTrips(ctx, transformer, state)
	return waitErr
}

// maxWriteTrips is how many breaker opens count as sustained rate limiting.
func (r *Runner) maxWriteTrips() int {
	if r.cfg.Orchestrator.MaxWriteBreakTrips > 0 {
		return r.cfg.Orchestrator.MaxWriteBreakTrips
	}
	return 3
}

func (r *Runner) escalateWriteTrips(ctx context.Context, transformer *transform.Transformer, state *model.SourceState) {
	if transformer.Breaker().Trips() >= r.maxWriteTrips() {
		r.pauseSource(ctx, state, "sustained write-layer rate limiting")
	}
}

// processDoc runs one product document through the pipeline. Validation
// and per-artifact write failures are absorbed into stats; only context
// cancellation and sustained write backpressure propagate.
func (r *Runner) processDoc(ctx context.Context, src model.Source, doc rawDoc, inferBudget *resilience.Budget, transformer *transform.Transformer, stats *model.RunStats) error {
	rawHash := archive.HashPayload(doc.payload)

	a, err := validate.Product(src, doc.payload, rawHash, doc.sourceURL, doc.fetchedAt)
	if err != nil {
		stats.ValidationFailures++
		var verr *validate.Error
		reasons := []string{err.Error()}
		productID := ""
		if eris.As(err, &verr) {
			productID = verr.PlatformProductID
			reasons = reasons[:0]
			for _, p := range verr.Problems {
				reasons = append(reasons, p.Field+": "+p.Reason)
			}
		}
		if reviewErr := r.store.AddReview(ctx, store.ReviewItem{
			SourceDomain:      src.Domain,
			PlatformProductID: productID,
			RawHash:           rawHash,
			Reasons:           reasons,
		}); reviewErr != nil {
			zap.L().Error("review enqueue failed", zap.Error(reviewErr))
		}
		return nil
	}

	priorVariants := 0
	if snap, err := r.store.GetProductSnapshot(ctx, a.SourceDomain, a.PlatformProductID); err != nil {
		zap.L().Warn("snapshot read failed",
			zap.String("source", src.Domain),
			zap.Error(err),
		)
	} else if snap != nil {
		priorVariants = snap.VariantCount
	}

	if err := r.normalizer.Run(ctx, src, a, priorVariants, inferBudget, stats); err != nil {
		return eris.Wrapf(err, "orchestrator: normalize %s", a.PlatformProductID)
	}
	if inferBudget.Exhausted() {
		r.flagBudget(ctx, src, "inference")
	}

	if r.resolver != nil {
		r.resolver.Resolve(ctx, a, stats)
	}

	applied, err := r.applyWithBackpressure(ctx, src, a, transformer, stats)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	stats.ArtifactsProcessed++
	if a.Status == model.ArtifactStatusReview {
		stats.ReviewFlagged++
		if err := r.store.AddReview(ctx, store.ReviewItem{
			SourceDomain:      a.SourceDomain,
			PlatformProductID: a.PlatformProductID,
			RawHash:           a.RawHash,
			Reasons:           a.ReviewReasons,
		}); err != nil {
			zap.L().Error("review enqueue failed", zap.Error(err))
		}
	}
	return nil
}

// applyWithBackpressure writes one artifact, backing off and retrying while
// the store sheds load. Rate-limited writes wait out the breaker cooldown
// and try again; once the breaker has tripped maxWriteTrips times the error
// propagates so the run aborts and the source-pause escalation fires. Other
// write failures are absorbed into the log, reported as applied=false.
func (r *Runner) applyWithBackpressure(ctx context.Context, src model.Source, a *model.CanonicalArtifact, transformer *transform.Transformer, stats *model.RunStats) (bool, error) {
	for {
		err := transformer.Apply(ctx, a, stats)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		if eris.Is(err, resilience.ErrBreakerOpen) || eris.Is(err, resilience.ErrWriteRateLimited) {
			if transformer.Breaker().Trips() >= r.maxWriteTrips() {
				return false, err
			}
			zap.L().Warn("write layer backpressure, backing off",
				zap.String("source", src.Domain),
				zap.String("product", a.PlatformProductID),
				zap.Duration("cooldown", transformer.Breaker().Cooldown()),
			)
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(transformer.Breaker().Cooldown()):
			}
			continue
		}
		zap.L().Error("artifact write failed",
			zap.String("source", src.Domain),
			zap.String("product", a.PlatformProductID),
			zap.Error(err),
		)
		return false, nil
	}
}

var budgetFlagOnce sync.Map // domain+kind -> struct{}, one alert per process

func (r *Runner) flagBudget(ctx context.Context, src model.Source, kind string) {
	if _, loaded := budgetFlagOnce.LoadOrStore(src.Domain+"/"+kind, struct{}{}); loaded {
		return
	}
	zap.L().Warn("budget exhausted",
		zap.String("source", src.Domain),
		zap.String("budget", kind),
	)
	if r.alerter != nil {
		if err := r.alerter.Send(ctx, []monitoring.Alert{monitoring.BudgetExhausted(src.Domain, kind)}); err != nil {
			zap.L().Warn("alert delivery failed", zap.Error(err))
		}
	}
}

// runPriceOnly executes the lightweight cadence: fetch the same catalog
// payloads, parse only price facts, and write deltas. Validator, normalizer
// and image stages never run.
func (r *Runner) runPriceOnly(ctx context.Context, src model.Source, state *model.SourceState, stats *model.RunStats) error {
	current, err := r.store.ListVariantPrices(ctx, src.Domain)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list current prices")
	}

	docs, err := r.collectDocs(ctx, src, state, stats)
	if err != nil {
		return err
	}

	transformer := transform.New(r.store, resilience.NewWriteBreaker(resilience.WriteBreakerConfig{
		Cooldown: time.Duration(r.cfg.Orchestrator.WriteBackoffSecs) * time.Second,
	}))

	for _, doc := range docs {
		observations, err := validate.PriceFacts(src, doc.payload, doc.sourceURL, doc.fetchedAt)
		if err != nil {
			stats.ValidationFailures++
			continue
		}
		if err := transformer.ApplyPriceObservations(ctx, observations, current, stats); err != nil {
			r.escalateWriteTrips(ctx, transformer, state)
			return err
		}
		stats.ArtifactsProcessed++
	}
	return nil
}
