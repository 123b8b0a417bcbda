// Package fetch retrieves catalog payloads from roaster storefronts with
// per-domain pacing, conditional requests, and bounded retries.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/politeness"
	"github.com/roastradar/catalog-sync/internal/resilience"
)

// oversizeCaptureFactor bounds how much of an over-ceiling payload is kept
// for archival: up to this many times the configured ceiling.
const oversizeCaptureFactor = 4

// Options configures the HTTP client.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Retry        resilience.RetryConfig
}

// Client is the shared HTTP transport for all sources. Pacing is enforced
// per domain by the politeness controller; retries follow the fetch retry
// policy with Retry-After taking precedence over computed backoff.
type Client struct {
	http       *http.Client
	opts       Options
	politeness *politeness.Controller

	robotsMu   sync.Mutex
	robotsSeen map[string]bool
}

// Outcome is the result of one conditional GET. An Oversized outcome holds
// the truncated payload of a response over the size ceiling: callers archive
// it and route it to manual review, never parse it.
type Outcome struct {
	URL         string
	StatusCode  int
	NotModified bool
	Oversized   bool
	Body        []byte
	Validator   model.CacheValidator
	FetchedAt   time.Time
}

// NewClient creates a Client with the given options.
func NewClient(opts Options, ctrl *politeness.Controller) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "catalog-sync/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:       opts,
		politeness: ctrl,
		robotsSeen: map[string]bool{},
	}
}

// Get performs a conditional GET against rawURL, pacing on domain. A prior
// validator enables If-None-Match / If-Modified-Since; a 304 comes back as
// Outcome.NotModified with no body.
func (c *Client) Get(ctx context.Context, domain, rawURL string, prior model.CacheValidator) (*Outcome, error) {
	c.applyRobotsPolicy(ctx, domain, rawURL)
	cfg := c.opts.Retry
	cfg.OnRetry = resilience.RetryLogger(domain, "fetch")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Outcome, error) {
		return c.get(ctx, domain, rawURL, prior)
	})
}

func (c *Client) get(ctx context.Context, domain, rawURL string, prior model.CacheValidator) (*Outcome, error) {
	limiter := c.politeness.Domain(domain)
	if err := limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetch: politeness wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "fetch: create request"), 0)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.5")
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.LastModified != "" {
		req.Header.Set("If-Modified-Since", prior.LastModified)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	now := time.Now().UTC()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		limiter.OnSuccess()
		return &Outcome{
			URL:         rawURL,
			StatusCode:  resp.StatusCode,
			NotModified: true,
			Validator:   validatorFrom(resp, prior, now),
			FetchedAt:   now,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		limiter.OnRateLimited()
		return nil, &resilience.TransientError{
			Err:        eris.Errorf("fetch: http 429 from %s", rawURL),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, &resilience.TransientError{
			Err:        eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode >= 400:
		return nil, resilience.NewPermanentError(
			eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL),
			resp.StatusCode,
		)
	}

	captureCap := c.opts.MaxBodyBytes * oversizeCaptureFactor
	body, err := io.ReadAll(io.LimitReader(resp.Body, captureCap+1))
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: read body from %s", rawURL)
	}
	outcome := &Outcome{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Validator:  validatorFrom(resp, prior, now),
		FetchedAt:  now,
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		// Over the ceiling: keep what the capture cap allows so the caller
		// can archive the payload and route it to manual review.
		if int64(len(body)) > captureCap {
			outcome.Body = body[:captureCap]
		}
		outcome.Oversized = true
		zap.L().Warn("payload over size ceiling",
			zap.String("url", rawURL),
			zap.Int64("ceiling_bytes", c.opts.MaxBodyBytes),
			zap.Int("captured_bytes", len(outcome.Body)),
		)
	}

	limiter.OnSuccess()
	return outcome, nil
}

// applyRobotsPolicy fetches /robots.txt once per domain and honors a declared
// crawl delay for our agent. Lookup failures are ignored; the default pacing
// still applies.
func (c *Client) applyRobotsPolicy(ctx context.Context, domain, rawURL string) {
	c.robotsMu.Lock()
	if c.robotsSeen[domain] {
		c.robotsMu.Unlock()
		return
	}
	c.robotsSeen[domain] = true
	c.robotsMu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		zap.L().Debug("robots.txt lookup failed", zap.String("domain", domain), zap.Error(err))
		return
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return
	}
	robots, err := robotstxt.FromBytes(data)
	if err != nil {
		return
	}
	group := robots.FindGroup(c.opts.UserAgent)
	if group == nil || group.CrawlDelay <= 0 {
		return
	}
	c.politeness.Domain(domain).SetCrawlDelay(group.CrawlDelay)
	zap.L().Info("honoring robots crawl delay",
		zap.String("domain", domain),
		zap.Duration("delay", group.CrawlDelay),
	)
}

// validatorFrom keeps prior tokens when the server omits them, so a single
// missing header doesn't forget a working validator.
func validatorFrom(resp *http.Response, prior model.CacheValidator, now time.Time) model.CacheValidator {
	v := model.CacheValidator{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		CheckedAt:    now,
	}
	if v.ETag == "" {
		v.ETag = prior.ETag
	}
	if v.LastModified == "" {
		v.LastModified = prior.LastModified
	}
	return v
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
