package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roastradar/catalog-sync/internal/config"
	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
)

// Orchestrator owns the job queue and worker pool. Jobs for the same
// source never run concurrently; distinct sources fan out up to the
// configured worker count.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	store   store.Store
	runner  *Runner
	sources map[string]model.Source

	queue chan model.Job

	mu          sync.Mutex
	sourceLocks map[string]*sync.Mutex
	// inQueue tracks job ids currently sitting in the channel, so the
	// startup restore never duplicates a job that is already queued.
	inQueue map[string]struct{}
}

// New creates an Orchestrator over the given sources.
func New(cfg config.OrchestratorConfig, st store.Store, runner *Runner, sources []model.Source) *Orchestrator {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	byDomain := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		byDomain[s.Domain] = s
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		runner:      runner,
		sources:     byDomain,
		queue:       make(chan model.Job, depth),
		sourceLocks: map[string]*sync.Mutex{},
		inQueue:     map[string]struct{}{},
	}
}

func (o *Orchestrator) markQueued(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inQueue[id] = struct{}{}
}

func (o *Orchestrator) unmarkQueued(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inQueue, id)
}

func (o *Orchestrator) isQueued(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inQueue[id]
	return ok
}

// Enqueue records the job and queues it for execution. A full queue
// returns an error rather than blocking the scheduler.
func (o *Orchestrator) Enqueue(ctx context.Context, domain string, kind model.JobKind) (*model.Job, error) {
	if _, ok := o.sources[domain]; !ok {
		return nil, eris.Errorf("orchestrator: unknown source %q", domain)
	}
	job := model.Job{
		ID:           uuid.NewString(),
		SourceDomain: domain,
		Kind:         kind,
		State:        model.JobQueued,
		EnqueuedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	o.markQueued(job.ID)
	select {
	case o.queue <- job:
		zap.L().Info("job enqueued",
			zap.String("job", job.ID),
			zap.String("source", domain),
			zap.String("kind", string(kind)),
		)
		return &job, nil
	default:
		o.unmarkQueued(job.ID)
		job.State = model.JobFailed
		job.Error = "queue full"
		if err := o.store.UpdateJob(ctx, job); err != nil {
			zap.L().Error("job update failed", zap.Error(err))
		}
		return nil, eris.Errorf("orchestrator: queue full, dropping job for %s", domain)
	}
}

// Start runs the worker pool until ctx is cancelled. Jobs persisted as
// queued by an earlier process are restored into the queue first. Queued
// jobs still in the channel at shutdown are marked failed so they can be
// re-enqueued by the next scheduler pass.
func (o *Orchestrator) Start(ctx context.Context) error {
	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	zap.L().Info("orchestrator started", zap.Int("workers", workers))

	o.restoreQueued(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-o.queue:
					o.unmarkQueued(job.ID)
					o.execute(gctx, job)
				}
			}
		})
	}
	err := g.Wait()

	o.drainQueue()
	return err
}

// drainQueue marks still-queued jobs as failed on shutdown.
func (o *Orchestrator) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case job := <-o.queue:
			o.unmarkQueued(job.ID)
			job.State = model.JobFailed
			job.Error = "orchestrator shut down before execution"
			if err := o.store.UpdateJob(ctx, job); err != nil {
				zap.L().Error("job update failed", zap.Error(err))
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) lockFor(domain string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.sourceLocks[domain]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.sourceLocks[domain] = l
	return l
}

// execute runs one job, serialized per source.
func (o *Orchestrator) execute(ctx context.Context, job model.Job) {
	lock := o.lockFor(job.SourceDomain)
	lock.Lock()
	defer lock.Unlock()

	src, ok := o.sources[job.SourceDomain]
	if !ok {
		job.State = model.JobFailed
		job.Error = "source removed from configuration"
		o.finish(job)
		return
	}

	job.State = model.JobRunning
	job.StartedAt = time.Now().UTC()
	if err := o.store.UpdateJob(ctx, job); err != nil {
		zap.L().Error("job update failed", zap.Error(err))
	}
	zap.L().Info("job started",
		zap.String("job", job.ID),
		zap.String("source", job.SourceDomain),
		zap.String("kind", string(job.Kind)),
	)

	stats, err := o.runner.Run(ctx, job, src)
	job.Stats = stats
	job.FinishedAt = time.Now().UTC()

	switch {
	case err == nil && stats.ValidationFailures == 0 && stats.PermanentFailures == 0:
		job.State = model.JobSucceeded
	case err == nil:
		job.State = model.JobPartial
	case eris.Is(err, resilience.ErrSourcePaused):
		job.State = model.JobFailed
		job.Error = err.Error()
	case ctx.Err() != nil:
		// Cancelled mid-run: completed writes are idempotent and the stats
		// reflect real work, so the job lands as partial and the remaining
		// work is re-queued as a successor job.
		job.State = model.JobPartial
		job.Error = "cancelled: " + err.Error()
		o.requeue(job)
	default:
		job.State = model.JobFailed
		job.Error = err.Error()
	}
	o.finish(job)
}

// requeue persists a fresh queued job for the same (source, kind) after a
// cancellation. Cancellation means shutdown, so the successor is not pushed
// onto the in-memory queue; the next Start picks it up.
func (o *Orchestrator) requeue(prev model.Job) {
	successor := model.Job{
		ID:           uuid.NewString(),
		SourceDomain: prev.SourceDomain,
		Kind:         prev.Kind,
		State:        model.JobQueued,
		EnqueuedAt:   time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.CreateJob(ctx, successor); err != nil {
		zap.L().Error("successor job create failed",
			zap.String("predecessor", prev.ID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("job re-enqueued after cancellation",
		zap.String("job", successor.ID),
		zap.String("predecessor", prev.ID),
		zap.String("source", successor.SourceDomain),
		zap.String("kind", string(successor.Kind)),
	)
}

// restoreQueued reloads jobs that were persisted as queued, either by a
// previous process or by a cancelled run's successor, into the queue.
func (o *Orchestrator) restoreQueued(ctx context.Context) {
	jobs, err := o.store.ListJobs(ctx, store.JobFilter{State: model.JobQueued})
	if err != nil {
		zap.L().Error("queued job restore failed", zap.Error(err))
		return
	}
	// Oldest first; ListJobs returns newest first.
	for i := len(jobs) - 1; i >= 0; i-- {
		if o.isQueued(jobs[i].ID) {
			continue
		}
		o.markQueued(jobs[i].ID)
		select {
		case o.queue <- jobs[i]:
			zap.L().Info("queued job restored",
				zap.String("job", jobs[i].ID),
				zap.String("source", jobs[i].SourceDomain),
			)
		default:
			o.unmarkQueued(jobs[i].ID)
			return
		}
	}
}

func (o *Orchestrator) finish(job model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.UpdateJob(ctx, job); err != nil {
		zap.L().Error("job update failed", zap.String("job", job.ID), zap.Error(err))
	}
	zap.L().Info("job finished",
		zap.String("job", job.ID),
		zap.String("source", job.SourceDomain),
		zap.String("state", string(job.State)),
		zap.Int("artifacts", job.Stats.ArtifactsProcessed),
		zap.Int("price_deltas", job.Stats.PriceDeltas),
		zap.Int("validation_failures", job.Stats.ValidationFailures),
		zap.Int("review_flagged", job.Stats.ReviewFlagged),
	)
}

// Sources returns the configured sources keyed by domain.
func (o *Orchestrator) Sources() map[string]model.Source {
	return o.sources
}
