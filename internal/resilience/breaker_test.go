package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimitedWrite(ctx context.Context) error { return ErrWriteRateLimited }

func okWrite(ctx context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewWriteBreaker(WriteBreakerConfig{Threshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 1, b.Trips())

	err := b.Execute(ctx, okWrite)
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewWriteBreaker(WriteBreakerConfig{Threshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	require.NoError(t, b.Execute(ctx, okWrite))
	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewWriteBreaker(WriteBreakerConfig{Threshold: 1, Cooldown: 10 * time.Second})
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	assert.Equal(t, BreakerOpen, b.State())

	// Before the cooldown the probe is rejected.
	require.ErrorIs(t, b.Execute(ctx, okWrite), ErrBreakerOpen)

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Execute(ctx, okWrite))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewWriteBreaker(WriteBreakerConfig{Threshold: 1, Cooldown: 10 * time.Second})
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	now = now.Add(11 * time.Second)
	assert.Error(t, b.Execute(ctx, rateLimitedWrite))
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2, b.Trips())
}

func TestBreakerIgnoresOtherErrors(t *testing.T) {
	b := NewWriteBreaker(WriteBreakerConfig{Threshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	err := b.Execute(ctx, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Trips())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewWriteBreaker(WriteBreakerConfig{
		Threshold: 1,
		Cooldown:  time.Minute,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	assert.Error(t, b.Execute(context.Background(), rateLimitedWrite))
	b.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestBudgetSpendAndExhaustion(t *testing.T) {
	b := NewBudget(2)
	require.NoError(t, b.Spend())
	require.NoError(t, b.Spend())
	require.ErrorIs(t, b.Spend(), ErrBudgetExhausted)
	assert.True(t, b.Exhausted())
	assert.Equal(t, 0, b.Remaining())
}

func TestBudgetUnlimited(t *testing.T) {
	b := NewBudget(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Spend())
	}
	assert.False(t, b.Exhausted())
	assert.Equal(t, -1, b.Remaining())
}
