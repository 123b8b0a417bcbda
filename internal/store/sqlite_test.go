package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastradar/catalog-sync/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var scrapedAt = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func testArtifact() *model.CanonicalArtifact {
	return &model.CanonicalArtifact{
		SourceDomain:      "roaster.example",
		PlatformProductID: "p1",
		SourceURL:         "https://roaster.example/products/el-vergel",
		Name:              "El Vergel",
		Slug:              "el-vergel",
		Description:       "Washed Colombian.",
		Available:         true,
		Roast:             model.RoastLight,
		Process:           model.ProcessWashed,
		Tags:              []string{"colombia"},
		Geography:         model.Geography{Country: "Colombia", Region: "Huila"},
		ContentHash:       "hash-a",
		RawHash:           "raw-1",
		FetchedAt:         scrapedAt,
		Status:            model.ArtifactStatusOK,
		Variants: []model.Variant{
			{PlatformVariantID: "v1", SKU: "EV-250", Title: "250g", Grams: 250, Currency: "EUR", PriceCents: 1450, InStock: true, PackCount: 1},
			{PlatformVariantID: "v2", SKU: "EV-1K", Title: "1kg", Grams: 1000, Currency: "EUR", PriceCents: 4500, PackCount: 1},
		},
		Images: []model.Image{
			{URL: "https://cdn.example/ev.jpg", Position: 1, ContentHash: "sha256:abc", CDNRef: "cdn://ev"},
		},
	}
}

func observations(a *model.CanonicalArtifact, at time.Time) []model.PriceObservation {
	obs := make([]model.PriceObservation, len(a.Variants))
	for i, v := range a.Variants {
		obs[i] = model.PriceObservation{
			Key:        a.Key(v),
			PriceCents: v.PriceCents,
			Currency:   v.Currency,
			OnSale:     v.OnSale(),
			ScrapedAt:  at,
			SourceURL:  a.SourceURL,
		}
	}
	return obs
}

func TestApplyArtifactAndSnapshot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := testArtifact()

	result, err := st.ApplyArtifact(ctx, a, observations(a, scrapedAt))
	require.NoError(t, err)
	assert.Equal(t, 2, result.VariantsWritten)
	assert.Equal(t, 2, result.PricesInserted)
	assert.Equal(t, 1, result.ImagesWritten)

	snap, err := st.GetProductSnapshot(ctx, "roaster.example", "p1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "hash-a", snap.ContentHash)
	assert.Equal(t, 2, snap.VariantCount)
	assert.Equal(t, int64(1450), snap.CurrentPrices["v1"].PriceCents)
	assert.Equal(t, int64(4500), snap.CurrentPrices["v2"].PriceCents)
}

func TestApplyArtifactReplayIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := testArtifact()

	_, err := st.ApplyArtifact(ctx, a, observations(a, scrapedAt))
	require.NoError(t, err)

	// Same artifact, same scrape timestamp: no duplicate rows, no new
	// price facts.
	result, err := st.ApplyArtifact(ctx, a, observations(a, scrapedAt))
	require.NoError(t, err)
	assert.Equal(t, 2, result.VariantsWritten)
	assert.Zero(t, result.PricesInserted)

	snap, err := st.GetProductSnapshot(ctx, "roaster.example", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.VariantCount)
}

func TestApplyArtifactUnknownVariantPriceFails(t *testing.T) {
	st := newTestStore(t)
	a := testArtifact()

	obs := observations(a, scrapedAt)
	obs[0].Key.PlatformVariantID = "ghost"
	_, err := st.ApplyArtifact(context.Background(), a, obs)
	require.Error(t, err)

	// The failed transaction must leave nothing behind.
	snap, err := st.GetProductSnapshot(context.Background(), "roaster.example", "p1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestInsertPriceUpdatesProjection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := testArtifact()
	_, err := st.ApplyArtifact(ctx, a, observations(a, scrapedAt))
	require.NoError(t, err)

	later := scrapedAt.Add(7 * 24 * time.Hour)
	inserted, err := st.InsertPrice(ctx, model.PriceObservation{
		Key:        a.Key(a.Variants[0]),
		PriceCents: 1475,
		Currency:   "EUR",
		ScrapedAt:  later,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	snap, err := st.GetProductSnapshot(ctx, "roaster.example", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1475), snap.CurrentPrices["v1"].PriceCents)
	// The sibling variant's projection is untouched.
	assert.Equal(t, int64(4500), snap.CurrentPrices["v2"].PriceCents)

	// Replaying the same observation is a no-op.
	inserted, err = st.InsertPrice(ctx, model.PriceObservation{
		Key:        a.Key(a.Variants[0]),
		PriceCents: 1475,
		Currency:   "EUR",
		ScrapedAt:  later,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestInsertPriceUnknownVariant(t *testing.T) {
	st := newTestStore(t)
	_, err := st.InsertPrice(context.Background(), model.PriceObservation{
		Key:       model.VariantKey{SourceDomain: "roaster.example", PlatformProductID: "p1", PlatformVariantID: "v1"},
		ScrapedAt: scrapedAt,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant not found")
}

func TestTouchVariant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := testArtifact()
	_, err := st.ApplyArtifact(ctx, a, nil)
	require.NoError(t, err)

	checked := scrapedAt.Add(24 * time.Hour)
	require.NoError(t, st.TouchVariant(ctx, a.Key(a.Variants[0]), checked))

	err = st.TouchVariant(ctx, model.VariantKey{
		SourceDomain: "roaster.example", PlatformProductID: "p1", PlatformVariantID: "ghost",
	}, checked)
	require.Error(t, err)
}

func TestListVariantPrices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := testArtifact()
	_, err := st.ApplyArtifact(ctx, a, observations(a, scrapedAt))
	require.NoError(t, err)

	prices, err := st.ListVariantPrices(ctx, "roaster.example")
	require.NoError(t, err)
	require.Contains(t, prices, "p1")
	assert.Len(t, prices["p1"], 2)
	assert.Equal(t, int64(1450), prices["p1"]["v1"].PriceCents)

	empty, err := st.ListVariantPrices(ctx, "other.example")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestImageFingerprints(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ref, err := st.CheckContentHash(ctx, "sha256:abc")
	require.NoError(t, err)
	assert.Empty(t, ref)

	require.NoError(t, st.SaveImageFingerprint(ctx, model.ImageFingerprint{
		ContentHash: "sha256:abc", CDNRef: "cdn://img-1", FirstSeenURL: "https://cdn.example/a.jpg",
	}))

	ref, err = st.CheckContentHash(ctx, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, "cdn://img-1", ref)

	// First writer wins; a duplicate hash keeps the original ref.
	require.NoError(t, st.SaveImageFingerprint(ctx, model.ImageFingerprint{
		ContentHash: "sha256:abc", CDNRef: "cdn://img-2",
	}))
	ref, err = st.CheckContentHash(ctx, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, "cdn://img-1", ref)
}

func TestReviewQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddReview(ctx, ReviewItem{
		SourceDomain:      "roaster.example",
		PlatformProductID: "p1",
		RawHash:           "raw-1",
		Reasons:           []string{"2 parsing warnings", "low-confidence inference for roast"},
	}))

	items, err := st.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"2 parsing warnings", "low-confidence inference for roast"}, items[0].Reasons)

	n, err := st.CountReview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnrichmentRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.GetEnrichment(ctx, "raw-1", "roast")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, st.SaveEnrichment(ctx, model.EnrichmentRecord{
		RawHash: "raw-1", Field: "roast", Value: "medium", Confidence: 0.9, Applied: true,
		Model: "claude-haiku-4-5-20251001", CreatedAt: scrapedAt,
	}))
	require.NoError(t, st.SaveEnrichment(ctx, model.EnrichmentRecord{
		RawHash: "raw-1", Field: "roast", Value: "dark", Confidence: 0.6, Applied: false,
		CreatedAt: scrapedAt.Add(time.Hour),
	}))

	// Append-only: the latest record wins on read.
	rec, err = st.GetEnrichment(ctx, "raw-1", "roast")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "dark", rec.Value)
	assert.False(t, rec.Applied)

	rec, err = st.GetEnrichment(ctx, "raw-1", "process")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := model.Job{
		ID:           "job-1",
		SourceDomain: "roaster.example",
		Kind:         model.JobFull,
		State:        model.JobQueued,
		EnqueuedAt:   scrapedAt,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	job.State = model.JobSucceeded
	job.StartedAt = scrapedAt.Add(time.Second)
	job.FinishedAt = scrapedAt.Add(time.Minute)
	job.Stats = model.RunStats{ArtifactsProcessed: 12, PriceDeltas: 3}
	require.NoError(t, st.UpdateJob(ctx, job))

	jobs, err := st.ListJobs(ctx, JobFilter{SourceDomain: "roaster.example"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobSucceeded, jobs[0].State)
	assert.Equal(t, 12, jobs[0].Stats.ArtifactsProcessed)
	assert.Equal(t, 3, jobs[0].Stats.PriceDeltas)

	jobs, err = st.ListJobs(ctx, JobFilter{State: model.JobFailed})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	err = st.UpdateJob(ctx, model.Job{ID: "ghost", State: model.JobFailed})
	require.Error(t, err)
}

func TestSourceStateRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Unknown domains come back as a fresh state, not an error.
	state, err := st.GetSourceState(ctx, "roaster.example")
	require.NoError(t, err)
	assert.Equal(t, "roaster.example", state.Domain)
	assert.False(t, state.Paused)
	assert.NotNil(t, state.Validators)

	state.Paused = true
	state.PauseReason = "repeated permanent fetch failures"
	state.ConsecutivePermanent = 3
	state.Validators["https://roaster.example/products.json?limit=250&page=1"] = model.CacheValidator{
		ETag: `"v1"`, LastModified: "Mon, 02 Mar 2026 00:00:00 GMT", CheckedAt: scrapedAt,
	}
	state.LastFullRun = scrapedAt
	require.NoError(t, st.SaveSourceState(ctx, *state))

	got, err := st.GetSourceState(ctx, "roaster.example")
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.Equal(t, "repeated permanent fetch failures", got.PauseReason)
	assert.Equal(t, 3, got.ConsecutivePermanent)
	assert.Equal(t, `"v1"`, got.Validators["https://roaster.example/products.json?limit=250&page=1"].ETag)
	assert.True(t, got.LastFullRun.Equal(scrapedAt))
}

func TestSaveRawArtifactDeduplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	raw := model.RawArtifact{
		Origin:       "api",
		SourceDomain: "roaster.example",
		SourceURL:    "https://roaster.example/products.json",
		FetchedAt:    scrapedAt,
		RawHash:      "raw-1",
	}
	require.NoError(t, st.SaveRawArtifact(ctx, raw))
	require.NoError(t, st.SaveRawArtifact(ctx, raw))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "", 0, 0)
	require.Error(t, err)
}
