// Package monitoring aggregates run statistics into health snapshots and
// pushes threshold alerts to the operator webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/store"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	// Job counts within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsSucceeded int     `json:"jobs_succeeded"`
	JobsPartial   int     `json:"jobs_partial"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsRunning   int     `json:"jobs_running"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Summed run counters within the window.
	Stats model.RunStats `json:"stats"`

	// Per-source failed-job counts, for spotting source-level degradation.
	FailuresBySource map[string]int `json:"failures_by_source,omitempty"`

	// Review queue depth right now.
	ReviewDepth int `json:"review_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &Snapshot{
		LookbackHours:    lookbackHours,
		FailuresBySource: map[string]int{},
		CollectedAt:      time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.State {
		case model.JobSucceeded:
			snap.JobsSucceeded++
		case model.JobPartial:
			snap.JobsPartial++
		case model.JobFailed:
			snap.JobsFailed++
			snap.FailuresBySource[j.SourceDomain]++
		case model.JobRunning:
			snap.JobsRunning++
		}
		snap.Stats.Add(j.Stats)
	}
	finished := snap.JobsSucceeded + snap.JobsPartial + snap.JobsFailed
	if finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	depth, err := c.store.CountReview(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: review depth")
	}
	snap.ReviewDepth = depth

	return snap, nil
}
