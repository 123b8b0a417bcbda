package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastradar/catalog-sync/internal/archive"
	"github.com/roastradar/catalog-sync/internal/config"
	"github.com/roastradar/catalog-sync/internal/ingest/fetch"
	"github.com/roastradar/catalog-sync/internal/ingest/images"
	"github.com/roastradar/catalog-sync/internal/ingest/normalize"
	"github.com/roastradar/catalog-sync/internal/ingest/transform"
	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/monitoring"
	"github.com/roastradar/catalog-sync/internal/politeness"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
)

// shopifyServer is a minimal /products.json endpoint with a mutable price.
type shopifyServer struct {
	mu        sync.Mutex
	price     string
	withImage bool
}

func (s *shopifyServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.withImage && r.URL.Path == "/img/a.jpg" {
			w.Write([]byte("jpeg bytes"))
			return
		}
		if r.URL.Path != "/products.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, `{"products":[]}`)
			return
		}
		imgs := "[]"
		if s.withImage {
			imgs = fmt.Sprintf(`[{"src": %q}]`, "http://"+r.Host+"/img/a.jpg")
		}
		s.mu.Lock()
		price := s.price
		s.mu.Unlock()
		fmt.Fprintf(w, `{"products":[{
			"id": 100,
			"title": "El Vergel",
			"handle": "el-vergel",
			"body_html": "<p>A washed Colombian, medium roast, 250g.</p>",
			"tags": "colombia, washed",
			"variants": [
				{"id": 200, "title": "250g", "sku": "EV-250", "price": %q, "available": true, "grams": 250}
			],
			"images": %s
		}]}`, price, imgs)
	})
}

func (s *shopifyServer) setPrice(p string) {
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

func newTestRunner(t *testing.T) (*Runner, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cfg := config.Config{
		Fetch:        config.FetchConfig{PermanentFailCap: 2},
		Orchestrator: config.OrchestratorConfig{SourceConcurrency: 2, WriteBackoffSecs: 1},
	}
	client := fetch.NewClient(fetch.Options{
		UserAgent: "catalog-sync-test/1.0",
		Timeout:   5 * time.Second,
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, politeness.NewController(time.Millisecond))

	runner := NewRunner(cfg, st, client,
		fetch.NewFallbackCrawler(client),
		normalize.New(nil, st, 0.70),
		nil,
		archive.New(t.TempDir()),
		monitoring.NewAlerter(config.MonitoringConfig{}),
	)
	return runner, st
}

func runnerSource(baseURL string) model.Source {
	return model.Source{
		Domain:   "roaster.example",
		Platform: model.PlatformShopify,
		BaseURL:  baseURL,
	}
}

func TestRunnerFullRun(t *testing.T) {
	shop := &shopifyServer{price: "14.50"}
	srv := httptest.NewServer(shop.handler())
	defer srv.Close()

	runner, st := newTestRunner(t)
	src := runnerSource(srv.URL)
	ctx := context.Background()

	stats, err := runner.Run(ctx, model.Job{ID: "j1", Kind: model.JobFull}, src)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ArtifactsProcessed)
	assert.Zero(t, stats.ValidationFailures)

	snap, err := st.GetProductSnapshot(ctx, "roaster.example", "100")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.VariantCount)
	assert.Equal(t, int64(1450), snap.CurrentPrices["200"].PriceCents)
	assert.NotEmpty(t, snap.ContentHash)

	state, err := st.GetSourceState(ctx, "roaster.example")
	require.NoError(t, err)
	assert.False(t, state.LastFullRun.IsZero())
	assert.NotEmpty(t, state.Validators)
}

func TestRunnerPriceOnlyDelta(t *testing.T) {
	shop := &shopifyServer{price: "4.50"}
	srv := httptest.NewServer(shop.handler())
	defer srv.Close()

	runner, st := newTestRunner(t)
	src := runnerSource(srv.URL)
	ctx := context.Background()

	_, err := runner.Run(ctx, model.Job{ID: "j1", Kind: model.JobFull}, src)
	require.NoError(t, err)

	// Price moved between cadences.
	shop.setPrice("4.75")
	stats, err := runner.Run(ctx, model.Job{ID: "j2", Kind: model.JobPriceOnly}, src)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PriceDeltas)

	snap, err := st.GetProductSnapshot(ctx, "roaster.example", "100")
	require.NoError(t, err)
	assert.Equal(t, int64(475), snap.CurrentPrices["200"].PriceCents)

	// An unchanged price-only pass writes no new facts.
	stats, err = runner.Run(ctx, model.Job{ID: "j3", Kind: model.JobPriceOnly}, src)
	require.NoError(t, err)
	assert.Zero(t, stats.PriceDeltas)
}

func TestRunnerRefusesPausedSource(t *testing.T) {
	shop := &shopifyServer{price: "14.50"}
	srv := httptest.NewServer(shop.handler())
	defer srv.Close()

	runner, st := newTestRunner(t)
	src := runnerSource(srv.URL)
	ctx := context.Background()

	require.NoError(t, st.SaveSourceState(ctx, model.SourceState{
		Domain: "roaster.example", Paused: true, PauseReason: "operator request",
	}))

	_, err := runner.Run(ctx, model.Job{ID: "j1", Kind: model.JobFull}, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrSourcePaused)
}

func TestRunnerPausesAfterRepeatedPermanentFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	runner, st := newTestRunner(t)
	src := runnerSource(srv.URL)
	ctx := context.Background()

	_, err := runner.Run(ctx, model.Job{ID: "j1", Kind: model.JobFull}, src)
	require.Error(t, err)

	state, err := st.GetSourceState(ctx, "roaster.example")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutivePermanent)
	assert.False(t, state.Paused)

	// The second permanent failure hits the cap and pauses the source.
	_, err = runner.Run(ctx, model.Job{ID: "j2", Kind: model.JobFull}, src)
	require.Error(t, err)

	state, err = st.GetSourceState(ctx, "roaster.example")
	require.NoError(t, err)
	assert.True(t, state.Paused)
	assert.Equal(t, "repeated permanent fetch failures", state.PauseReason)

	_, err = runner.Run(ctx, model.Job{ID: "j3", Kind: model.JobFull}, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrSourcePaused)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestRunnerArchivesOversizedPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.Write([]byte(strings.Repeat("x", 4096)))
			return
		}
		fmt.Fprint(w, `{"products":[]}`)
	}))
	defer srv.Close()

	st := newTestStore(t)
	archiveDir := t.TempDir()
	client := fetch.NewClient(fetch.Options{
		UserAgent:    "catalog-sync-test/1.0",
		Timeout:      5 * time.Second,
		MaxBodyBytes: 64,
		Retry:        resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, politeness.NewController(time.Millisecond))
	runner := NewRunner(config.Config{}, st, client,
		fetch.NewFallbackCrawler(client),
		normalize.New(nil, st, 0.70),
		nil,
		archive.New(archiveDir),
		nil,
	)

	stats, err := runner.Run(context.Background(), model.Job{ID: "j1", Kind: model.JobFull}, runnerSource(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PermanentFailures)
	assert.Zero(t, stats.ArtifactsProcessed)

	// The over-ceiling payload was persisted, truncated at the capture
	// cap, instead of being dropped.
	var archived []string
	require.NoError(t, filepath.WalkDir(archiveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			archived = append(archived, path)
		}
		return nil
	}))
	require.Len(t, archived, 1)
	data, err := os.ReadFile(archived[0])
	require.NoError(t, err)
	assert.Len(t, data, 256)

	// And it landed in the manual review queue.
	items, err := st.ListReview(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Reasons[0], "size ceiling")
}

// throttledStore sheds load for the first failures writes, then accepts.
type throttledStore struct {
	store.Store

	mu       sync.Mutex
	failures int
	applies  int
}

func (s *throttledStore) ApplyArtifact(ctx context.Context, a *model.CanonicalArtifact, prices []model.PriceObservation) (*store.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.failures > 0 {
		s.failures--
		return nil, resilience.ErrWriteRateLimited
	}
	return &store.ApplyResult{ProductID: 1, VariantsWritten: 1, PricesInserted: len(prices)}, nil
}

func (s *throttledStore) GetProductSnapshot(ctx context.Context, sourceDomain, platformProductID string) (*store.ProductSnapshot, error) {
	return nil, nil
}

func (s *throttledStore) AddReview(ctx context.Context, item store.ReviewItem) error {
	return nil
}

func (s *throttledStore) applyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

const backpressureDoc = `{
	"id": 100,
	"title": "El Vergel",
	"handle": "el-vergel",
	"body_html": "<p>A washed Colombian, medium roast, 250g.</p>",
	"tags": "colombia, washed",
	"variants": [
		{"id": 200, "title": "250g", "sku": "EV-250", "price": "14.50", "available": true, "grams": 250}
	],
	"images": []
}`

func newBackpressureRunner(st store.Store) *Runner {
	return NewRunner(config.Config{}, st, nil, nil, normalize.New(nil, st, 0.70), nil, nil, nil)
}

func TestProcessDocBacksOffAndRetriesRateLimitedWrites(t *testing.T) {
	st := &throttledStore{failures: 2}
	runner := newBackpressureRunner(st)
	transformer := transform.New(st, resilience.NewWriteBreaker(resilience.WriteBreakerConfig{
		Threshold: 1,
		Cooldown:  time.Millisecond,
	}))

	var stats model.RunStats
	err := runner.processDoc(context.Background(), runnerSource("https://roaster.example"), rawDoc{
		payload:   []byte(backpressureDoc),
		sourceURL: "https://roaster.example/products.json",
		fetchedAt: time.Now().UTC(),
	}, resilience.NewBudget(0), transformer, &stats)
	require.NoError(t, err)

	// Two shed writes, then the retry lands.
	assert.Equal(t, 3, st.applyCount())
	assert.Equal(t, 1, stats.ArtifactsProcessed)
}

func TestProcessDocSustainedRateLimitPropagates(t *testing.T) {
	st := &throttledStore{failures: 1 << 20}
	runner := newBackpressureRunner(st)
	transformer := transform.New(st, resilience.NewWriteBreaker(resilience.WriteBreakerConfig{
		Threshold: 1,
		Cooldown:  time.Millisecond,
	}))

	var stats model.RunStats
	err := runner.processDoc(context.Background(), runnerSource("https://roaster.example"), rawDoc{
		payload:   []byte(backpressureDoc),
		sourceURL: "https://roaster.example/products.json",
		fetchedAt: time.Now().UTC(),
	}, resilience.NewBudget(0), transformer, &stats)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrWriteRateLimited)

	// The error surfaces only once rate limiting is sustained.
	assert.GreaterOrEqual(t, transformer.Breaker().Trips(), 3)
	assert.Zero(t, stats.ArtifactsProcessed)
}

func TestSustainedWriteRateLimitPausesSource(t *testing.T) {
	runner, _ := newTestRunner(t)
	breaker := resilience.NewWriteBreaker(resilience.WriteBreakerConfig{
		Threshold: 1,
		Cooldown:  time.Millisecond,
	})
	transformer := transform.New(nil, breaker)

	fail := func(ctx context.Context) error { return resilience.ErrWriteRateLimited }
	for i := 0; i < 3; i++ {
		_ = breaker.Execute(context.Background(), fail)
		time.Sleep(2 * time.Millisecond)
	}
	require.GreaterOrEqual(t, breaker.Trips(), 3)

	state := &model.SourceState{Domain: "roaster.example"}
	runner.escalateWriteTrips(context.Background(), transformer, state)
	assert.True(t, state.Paused)
	assert.Equal(t, "sustained write-layer rate limiting", state.PauseReason)
}

// countingStore delegates to a real store and counts metadata writes.
type countingStore struct {
	store.Store

	mu      sync.Mutex
	applies int
}

func (s *countingStore) ApplyArtifact(ctx context.Context, a *model.CanonicalArtifact, prices []model.PriceObservation) (*store.ApplyResult, error) {
	s.mu.Lock()
	s.applies++
	s.mu.Unlock()
	return s.Store.ApplyArtifact(ctx, a, prices)
}

func (s *countingStore) applyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

type countingUploader struct {
	mu      sync.Mutex
	uploads int
}

func (u *countingUploader) Upload(ctx context.Context, contentHash string, body []byte) (string, error) {
	u.mu.Lock()
	u.uploads++
	u.mu.Unlock()
	return "cdn://" + contentHash, nil
}

func (u *countingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

func TestPriceOnlyRunNeverWritesMetadataOrImages(t *testing.T) {
	shop := &shopifyServer{price: "4.50", withImage: true}
	srv := httptest.NewServer(shop.handler())
	defer srv.Close()

	st := &countingStore{Store: newTestStore(t)}
	uploader := &countingUploader{}
	client := fetch.NewClient(fetch.Options{
		UserAgent: "catalog-sync-test/1.0",
		Timeout:   5 * time.Second,
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, politeness.NewController(time.Millisecond))
	runner := NewRunner(
		config.Config{Orchestrator: config.OrchestratorConfig{SourceConcurrency: 2, WriteBackoffSecs: 1}},
		st, client,
		fetch.NewFallbackCrawler(client),
		normalize.New(nil, st, 0.70),
		images.NewResolver(client, st, uploader),
		archive.New(t.TempDir()),
		nil,
	)
	src := runnerSource(srv.URL)
	ctx := context.Background()

	_, err := runner.Run(ctx, model.Job{ID: "j1", Kind: model.JobFull}, src)
	require.NoError(t, err)
	require.Equal(t, 1, st.applyCount())
	require.Equal(t, 1, uploader.count())

	shop.setPrice("4.75")
	stats, err := runner.Run(ctx, model.Job{ID: "j2", Kind: model.JobPriceOnly}, src)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PriceDeltas)

	// The lightweight cadence never invoked the metadata write or the
	// image uploader.
	assert.Equal(t, 1, st.applyCount())
	assert.Equal(t, 1, uploader.count())
}

func TestRunnerUnknownJobKind(t *testing.T) {
	shop := &shopifyServer{price: "14.50"}
	srv := httptest.NewServer(shop.handler())
	defer srv.Close()

	runner, _ := newTestRunner(t)
	_, err := runner.Run(context.Background(), model.Job{ID: "j1", Kind: "hourly"}, runnerSource(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job kind")
}
