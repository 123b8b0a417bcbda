package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastradar/catalog-sync/internal/config"
	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/store"
)

type metricsStore struct {
	store.Store

	jobs        []model.Job
	reviewDepth int
	gotFilter   store.JobFilter
}

func (s *metricsStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	s.gotFilter = filter
	return s.jobs, nil
}

func (s *metricsStore) CountReview(ctx context.Context) (int, error) {
	return s.reviewDepth, nil
}

func job(domain string, state model.JobState, stats model.RunStats) model.Job {
	return model.Job{
		ID:           "j-" + domain + "-" + string(state),
		SourceDomain: domain,
		Kind:         model.JobFull,
		State:        state,
		Stats:        stats,
	}
}

func TestCollectAggregatesJobs(t *testing.T) {
	st := &metricsStore{
		jobs: []model.Job{
			job("a.example", model.JobSucceeded, model.RunStats{ArtifactsProcessed: 10}),
			job("a.example", model.JobFailed, model.RunStats{}),
			job("b.example", model.JobFailed, model.RunStats{}),
			job("b.example", model.JobPartial, model.RunStats{ArtifactsProcessed: 4, ValidationFailures: 1}),
			job("c.example", model.JobRunning, model.RunStats{}),
		},
		reviewDepth: 7,
	}

	snap, err := NewCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsSucceeded)
	assert.Equal(t, 1, snap.JobsPartial)
	assert.Equal(t, 2, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.InDelta(t, 0.5, snap.JobFailRate, 1e-9)
	assert.Equal(t, 14, snap.Stats.ArtifactsProcessed)
	assert.Equal(t, 1, snap.Stats.ValidationFailures)
	assert.Equal(t, map[string]int{"a.example": 1, "b.example": 1}, snap.FailuresBySource)
	assert.Equal(t, 7, snap.ReviewDepth)

	// The window filter reaches the store.
	assert.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), st.gotFilter.CreatedAfter, time.Minute)
}

func TestCollectDefaultsLookback(t *testing.T) {
	st := &metricsStore{}
	snap, err := NewCollector(st).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Zero(t, snap.JobFailRate)
}

func TestEvaluateFailureRate(t *testing.T) {
	alerter := NewAlerter(config.MonitoringConfig{FailureRateAlert: 0.25, ReviewDepthAlert: 100})

	snap := &Snapshot{
		JobsSucceeded: 5,
		JobsFailed:    3,
		JobFailRate:   0.375,
		LookbackHours: 24,
	}
	alerts := alerter.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "37.5%")
}

func TestEvaluateIgnoresSmallSamples(t *testing.T) {
	alerter := NewAlerter(config.MonitoringConfig{FailureRateAlert: 0.25})

	// Two finished jobs is too small a sample to alert on.
	snap := &Snapshot{JobsSucceeded: 1, JobsFailed: 1, JobFailRate: 0.5}
	assert.Empty(t, alerter.Evaluate(snap))
}

func TestEvaluateReviewBacklog(t *testing.T) {
	alerter := NewAlerter(config.MonitoringConfig{ReviewDepthAlert: 50})

	alerts := alerter.Evaluate(&Snapshot{ReviewDepth: 51})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)

	assert.Empty(t, alerter.Evaluate(&Snapshot{ReviewDepth: 50}))
}

func TestEvaluatePriceDeltaSpike(t *testing.T) {
	alerter := NewAlerter(config.MonitoringConfig{PriceDeltaAlertPct: 0.30})

	alerts := alerter.Evaluate(&Snapshot{
		Stats: model.RunStats{ArtifactsProcessed: 100, PriceDeltas: 40},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPriceDeltaSpike, alerts[0].Type)

	// Too few artifacts to judge a ratio against.
	assert.Empty(t, alerter.Evaluate(&Snapshot{
		Stats: model.RunStats{ArtifactsProcessed: 10, PriceDeltas: 9},
	}))

	assert.Empty(t, alerter.Evaluate(&Snapshot{
		Stats: model.RunStats{ArtifactsProcessed: 100, PriceDeltas: 30},
	}))
}

func TestSendPostsWebhook(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	alerter := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	err := alerter.Send(context.Background(), []Alert{SourcePaused("roaster.example", "repeated permanent failures")})
	require.NoError(t, err)

	var payload struct {
		Alerts []Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Alerts, 1)
	assert.Equal(t, AlertSourcePaused, payload.Alerts[0].Type)
	assert.Contains(t, payload.Alerts[0].Message, "roaster.example")
}

func TestSendWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	alerter := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	err := alerter.Send(context.Background(), []Alert{BudgetExhausted("roaster.example", "fallback")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSendWithoutWebhookLogsOnly(t *testing.T) {
	alerter := NewAlerter(config.MonitoringConfig{})
	require.NoError(t, alerter.Send(context.Background(), []Alert{BudgetExhausted("roaster.example", "inference")}))
	require.NoError(t, alerter.Send(context.Background(), nil))
}
