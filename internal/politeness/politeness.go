// Package politeness paces outbound requests per source domain.
package politeness

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// jitterFraction spreads inter-request delays to ±40% of the target.
	jitterFraction = 0.4

	// backoffCap bounds how far adaptive slowdown can stretch the delay.
	backoffCap = 8
)

// DomainLimiter enforces a minimum inter-request delay for one domain with
// ±40% jitter. A server-declared crawl delay overrides the base when larger.
// On 429 the delay doubles (up to backoffCap times the target); successful
// requests recover it by 20% steps.
type DomainLimiter struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	domain     string
	baseDelay  time.Duration
	crawlDelay time.Duration
	current    time.Duration
}

func newDomainLimiter(domain string, baseDelay time.Duration) *DomainLimiter {
	l := &DomainLimiter{
		domain:    domain,
		baseDelay: baseDelay,
		current:   baseDelay,
	}
	l.limiter = rate.NewLimiter(limitFor(l.floorDelay()), 1)
	return l
}

// target returns the delay currently being enforced, before jitter.
func (l *DomainLimiter) target() time.Duration {
	if l.crawlDelay > l.current {
		return l.crawlDelay
	}
	return l.current
}

// floorDelay is the shortest allowed gap: target minus the jitter margin.
func (l *DomainLimiter) floorDelay() time.Duration {
	return time.Duration(float64(l.target()) * (1 - jitterFraction))
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Wait blocks until the next request may be sent. The effective gap is
// uniformly jittered in [target*(1-0.4), target*(1+0.4)].
func (l *DomainLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	spread := time.Duration(float64(l.target()) * 2 * jitterFraction)
	l.mu.Unlock()
	if spread <= 0 {
		return nil
	}

	jitter := time.Duration(rand.Int64N(int64(spread)))
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetCrawlDelay records a server-declared crawl delay. It only ever slows
// the limiter down; zero clears it.
func (l *DomainLimiter) SetCrawlDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.crawlDelay = d
	l.limiter.SetLimit(limitFor(l.floorDelay()))
}

// OnRateLimited doubles the enforced delay after a 429.
func (l *DomainLimiter) OnRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	doubled := l.current * 2
	cap := l.baseDelay * backoffCap
	if doubled > cap {
		doubled = cap
	}
	l.current = doubled
	l.limiter.SetLimit(limitFor(l.floorDelay()))
	zap.L().Warn("politeness: slowing down after 429",
		zap.String("domain", l.domain),
		zap.Duration("delay", l.current),
	)
}

// OnSuccess recovers the delay by 20%, down to the base.
func (l *DomainLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	recovered := time.Duration(float64(l.current) * 0.8)
	if recovered < l.baseDelay {
		recovered = l.baseDelay
	}
	l.current = recovered
	l.limiter.SetLimit(limitFor(l.floorDelay()))
}

// Delay returns the current pre-jitter target, for observability.
func (l *DomainLimiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target()
}

// Controller hands out one DomainLimiter per source domain.
type Controller struct {
	mu        sync.Mutex
	baseDelay time.Duration
	limiters  map[string]*DomainLimiter
}

// NewController creates a controller with the given default per-domain
// inter-request delay.
func NewController(baseDelay time.Duration) *Controller {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Controller{
		baseDelay: baseDelay,
		limiters:  make(map[string]*DomainLimiter),
	}
}

// Domain returns the limiter for the given domain, creating it on first use.
func (c *Controller) Domain(domain string) *DomainLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[domain]; ok {
		return l
	}
	l := newDomainLimiter(domain, c.baseDelay)
	c.limiters[domain] = l
	return l
}
