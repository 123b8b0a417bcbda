package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState represents the state of a write breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state.
	BreakerClosed BreakerState = iota
	// BreakerOpen means sustained rate-limiting; writes are rejected until
	// the cooldown passes and the job backs off.
	BreakerOpen
	// BreakerHalfOpen allows a single probe write to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a write is rejected because the breaker
// is open.
var ErrBreakerOpen = eris.New("write breaker is open")

// WriteBreakerConfig controls write-layer backpressure behavior.
type WriteBreakerConfig struct {
	// Threshold is the number of consecutive rate-limited writes before
	// opening. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: 30s.
	Cooldown time.Duration

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// only ErrWriteRateLimited trips the breaker.
	ShouldTrip func(err error) bool

	// OnStateChange is called on transitions, for source-pause escalation.
	OnStateChange func(from, to BreakerState)
}

// WriteBreaker pauses the write path when the store signals sustained
// rate-limiting. One breaker guards one source's job.
type WriteBreaker struct {
	cfg   WriteBreakerConfig
	mu    sync.Mutex
	state BreakerState

	consecutive int
	lastTripped time.Time
	// trips counts open transitions over the breaker's lifetime; the
	// orchestrator uses it to decide when rate-limiting is "sustained".
	trips int

	nowFunc func() time.Time
}

// NewWriteBreaker creates a breaker with the given config.
func NewWriteBreaker(cfg WriteBreakerConfig) *WriteBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool {
			return eris.Is(err, ErrWriteRateLimited)
		}
	}
	return &WriteBreaker{
		cfg:     cfg,
		state:   BreakerClosed,
		nowFunc: time.Now,
	}
}

// Execute runs the write through the breaker.
func (b *WriteBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *WriteBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.lastTripped) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Cooldown returns the configured open-state cooldown, which callers also
// use as their backoff interval.
func (b *WriteBreaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}

// Trips returns how many times the breaker has opened.
func (b *WriteBreaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Reset forces the breaker closed. Used for manual recovery and tests.
func (b *WriteBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = BreakerClosed
	b.consecutive = 0
	if old != BreakerClosed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(old, BreakerClosed)
	}
}

func (b *WriteBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if b.nowFunc().Sub(b.lastTripped) >= b.cfg.Cooldown {
			b.transition(BreakerHalfOpen)
			return nil
		}
		return ErrBreakerOpen
	default:
		return nil
	}
}

func (b *WriteBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		if b.state == BreakerHalfOpen {
			b.transition(BreakerClosed)
		}
		b.consecutive = 0
		return
	}

	b.consecutive++
	b.lastTripped = b.nowFunc()

	switch b.state {
	case BreakerClosed:
		if b.consecutive >= b.cfg.Threshold {
			b.transition(BreakerOpen)
			b.trips++
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
		b.trips++
	}
}

func (b *WriteBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(from, to)
	}
}
