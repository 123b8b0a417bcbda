package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoValSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(5), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(eris.New("503"), 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestDoValStopsAtAttemptBound(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError(eris.New("always down"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestDoValPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewPermanentError(eris.New("404"), 404)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestDoValHonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := DoVal(context.Background(), fastRetry(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, &TransientError{Err: eris.New("429"), StatusCode: 429, RetryAfter: 50 * time.Millisecond}
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDoValContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, fastRetry(5), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(eris.New("down"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestComputeBackoffDoublesAndCaps(t *testing.T) {
	cfg := applyDefaults(RetryConfig{JitterFraction: 0})
	assert.Equal(t, time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 4*time.Second, computeBackoff(2, cfg))
	assert.Equal(t, 60*time.Second, computeBackoff(10, cfg))
}

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransientError(eris.New("x"), 500)))
	assert.False(t, IsTransient(NewPermanentError(eris.New("x"), 404)))
	assert.True(t, IsTransient(eris.New("read tcp: connection reset by peer")))
	assert.False(t, IsTransient(eris.New("schema violation")))
}
