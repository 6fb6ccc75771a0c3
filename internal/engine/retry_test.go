package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	policy := &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	// 1. Success on the first attempt.
	calls := 0
	err := RetryWithBackoff(ctx, policy, func() error {
		calls++
		return nil
	}, IsRetryable)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// 2. Transient failures are retried until they stop.
	calls = 0
	err = RetryWithBackoff(ctx, policy, func() error {
		calls++
		if calls < 3 {
			return RetryableError(errors.New("throttled"))
		}
		return nil
	}, IsRetryable)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// 3. Non-retryable failures stop immediately and pass through.
	calls = 0
	fatal := errors.New("access denied")
	err = RetryWithBackoff(ctx, policy, func() error {
		calls++
		return fatal
	}, IsRetryable)
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_Exhaustion(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := RetryWithBackoff(context.Background(), policy, func() error {
		calls++
		return RetryableError(errors.New("throttled"))
	}, IsRetryable)
	require.Error(t, err)
	// The initial attempt plus two retries.
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "retry budget (2) exhausted")
	assert.Contains(t, err.Error(), "throttled")
}

func TestRetryWithBackoff_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := &RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	err := RetryWithBackoff(ctx, policy, func() error {
		calls++
		return RetryableError(errors.New("throttled"))
	}, IsRetryable)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_NilPolicy(t *testing.T) {
	// A nil policy falls back to the default instead of panicking.
	err := RetryWithBackoff(context.Background(), nil, func() error { return nil }, IsRetryable)
	require.NoError(t, err)
}

func TestIsRetryable(t *testing.T) {
	// Explicitly marked errors, including wrapped ones.
	assert.True(t, IsRetryable(RetryableError(errors.New("backend busy"))))
	assert.True(t, IsRetryable(fmt.Errorf("create: %w", RetryableError(errors.New("busy")))))

	// Known transient patterns match by message.
	assert.True(t, IsRetryable(errors.New("RequestLimitExceeded: too many requests")))
	assert.True(t, IsRetryable(errors.New("dial tcp 10.0.0.1:443: i/o timeout")))
	assert.True(t, IsRetryable(errors.New("503 Service Unavailable")))

	// A provider's explicit classification wins over message sniffing.
	assert.False(t, IsRetryable(&ProviderError{Err: errors.New("timeout")}))

	// Everything else is fatal.
	assert.False(t, IsRetryable(errors.New("access denied")))
	assert.False(t, IsRetryable(nil))
}

func TestBackoffDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}
