package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/politeness"
	"github.com/roastradar/catalog-sync/internal/resilience"
)

func newTestClient() *Client {
	return NewClient(Options{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}, politeness.NewController(time.Millisecond))
}

// noRobots keeps the one-time robots.txt lookup out of request-counting handlers.
func noRobots(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"products": []}`))
	}))
	defer srv.Close()

	c := newTestClient()
	out, err := c.Get(context.Background(), "roaster.example", srv.URL+"/products.json", model.CacheValidator{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.False(t, out.NotModified)
	assert.Equal(t, `{"products": []}`, string(out.Body))
	assert.Equal(t, `"v1"`, out.Validator.ETag)
}

func TestGetSendsConditionalHeadersAndHandles304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	c := newTestClient()
	first, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.NoError(t, err)

	second, err := c.Get(context.Background(), "roaster.example", srv.URL, first.Validator)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Empty(t, second.Body)
	// The prior tokens survive a 304 without validator headers.
	assert.Equal(t, `"v1"`, second.Validator.ETag)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(noRobots(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient()
	out, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetStopsAtRetryBound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(noRobots(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetNonRetryable4xxIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(noRobots(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet429SlowsTheDomainDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctrl := politeness.NewController(time.Millisecond)
	c := NewClient(Options{
		UserAgent: "test-agent",
		Timeout:   time.Second,
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, ctrl)

	before := ctrl.Domain("roaster.example").Delay()
	_, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.Error(t, err)
	assert.Greater(t, ctrl.Domain("roaster.example").Delay(), before)
}

func newCeilingClient(maxBody int64) *Client {
	return NewClient(Options{
		UserAgent:    "test-agent",
		Timeout:      time.Second,
		MaxBodyBytes: maxBody,
		Retry:        resilience.RetryConfig{MaxAttempts: 1},
	}, politeness.NewController(time.Millisecond))
}

func TestGetOversizedPayloadComesBackForArchival(t *testing.T) {
	srv := httptest.NewServer(noRobots(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	c := newCeilingClient(1024)
	out, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.NoError(t, err)
	assert.True(t, out.Oversized)
	// Under the capture cap the whole payload is kept for archival.
	assert.Len(t, out.Body, 2048)
}

func TestGetOversizedPayloadTruncatesAtCaptureCap(t *testing.T) {
	srv := httptest.NewServer(noRobots(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 16384)))
	}))
	defer srv.Close()

	c := newCeilingClient(1024)
	out, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.NoError(t, err)
	assert.True(t, out.Oversized)
	assert.Len(t, out.Body, 1024*oversizeCaptureFactor)
}

func TestGetHonorsRobotsCrawlDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nCrawl-delay: 2\n"))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctrl := politeness.NewController(time.Millisecond)
	c := NewClient(Options{
		UserAgent: "test-agent",
		Timeout:   time.Second,
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
	}, ctrl)

	_, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, ctrl.Domain("roaster.example").Delay())
}

func TestRobotsLookupRunsOncePerDomain(t *testing.T) {
	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			w.Write([]byte("User-agent: *\nDisallow: /admin\n"))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient()
	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "roaster.example", srv.URL, model.CacheValidator{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), robotsHits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 50*time.Second)
}
