package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
)

// Scheduler turns each source's two cron expressions into queued jobs.
// The trigger mechanism is a simple in-process clock; the orchestrator's
// per-source lock handles a full run and a price run colliding.
type Scheduler struct {
	orch    *Orchestrator
	entries []scheduleEntry
}

type scheduleEntry struct {
	domain   string
	kind     model.JobKind
	schedule cron.Schedule
	next     time.Time
}

// NewScheduler parses every source's cadence expressions. A source with a
// bad expression fails construction; silently never scheduling a source is
// worse than refusing to start.
func NewScheduler(orch *Orchestrator) (*Scheduler, error) {
	s := &Scheduler{orch: orch}
	now := time.Now()
	for domain, src := range orch.Sources() {
		for _, c := range []struct {
			expr string
			kind model.JobKind
		}{
			{src.FullSchedule, model.JobFull},
			{src.PriceSchedule, model.JobPriceOnly},
		} {
			if c.expr == "" {
				continue
			}
			sched, err := cron.ParseStandard(c.expr)
			if err != nil {
				return nil, eris.Wrapf(err, "scheduler: bad %s schedule for %s", c.kind, domain)
			}
			s.entries = append(s.entries, scheduleEntry{
				domain:   domain,
				kind:     c.kind,
				schedule: sched,
				next:     sched.Next(now),
			})
		}
	}
	return s, nil
}

// Run fires due entries until ctx is cancelled. Tick granularity is one
// minute, matching standard cron resolution.
func (s *Scheduler) Run(ctx context.Context) error {
	zap.L().Info("scheduler started", zap.Int("entries", len(s.entries)))
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for i := range s.entries {
		e := &s.entries[i]
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		if _, err := s.orch.Enqueue(ctx, e.domain, e.kind); err != nil {
			zap.L().Error("scheduled enqueue failed",
				zap.String("source", e.domain),
				zap.String("kind", string(e.kind)),
				zap.Error(err),
			)
		}
	}
}

// NextRuns reports the upcoming fire time per (source, kind), for the
// status command.
func (s *Scheduler) NextRuns() map[string]map[model.JobKind]time.Time {
	out := map[string]map[model.JobKind]time.Time{}
	for _, e := range s.entries {
		if out[e.domain] == nil {
			out[e.domain] = map[model.JobKind]time.Time{}
		}
		out[e.domain][e.kind] = e.next
	}
	return out
}
