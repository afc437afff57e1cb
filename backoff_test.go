package sqsrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackoffStoreGate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBackoffStore()

	// an id with no entry is always processable
	ok, err := store.CanProcess(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.RecordFailure(ctx, "msg-1", 50*time.Millisecond, StrategyFixed)
	require.NoError(t, err)

	ok, err = store.CanProcess(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(80 * time.Millisecond)

	ok, err = store.CanProcess(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryBackoffStoreExponential(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBackoffStore()
	base := 10 * time.Second

	// first failure: the backoff equals the base delay
	before := time.Now()
	next, err := store.RecordFailure(ctx, "msg-1", base, StrategyExponential)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(base), next, 100*time.Millisecond)

	// delays double on every further failure: base x 2^(n-1)
	next2, err := store.RecordFailure(ctx, "msg-1", base, StrategyExponential)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*base), next2, 100*time.Millisecond)

	next3, err := store.RecordFailure(ctx, "msg-1", base, StrategyExponential)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(4*base), next3, 100*time.Millisecond)

	// nextRetry is monotonic non-decreasing across successive failures
	assert.False(t, next2.Before(next))
	assert.False(t, next3.Before(next2))
}

func TestMemoryBackoffStoreFixed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBackoffStore()
	base := 30 * time.Second

	for i := 0; i < 3; i++ {
		next, err := store.RecordFailure(ctx, "msg-1", base, StrategyFixed)
		require.NoError(t, err)
		// the window stays one base delay from the failure instant
		assert.WithinDuration(t, time.Now().Add(base), next, 100*time.Millisecond)
	}

	count, err := store.RetryCount(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMemoryBackoffStoreRetryCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBackoffStore()

	count, err := store.RetryCount(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = store.RecordFailure(ctx, "msg-1", time.Second, StrategyExponential)
	require.NoError(t, err)

	count, err = store.RetryCount(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryBackoffStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBackoffStore()

	_, err := store.RecordFailure(ctx, "msg-1", time.Hour, StrategyExponential)
	require.NoError(t, err)

	ok, err := store.CanProcess(ctx, "msg-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Clear(ctx, "msg-1"))

	ok, err = store.CanProcess(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := store.RetryCount(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBackoffEntryNextRetry(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	fixed := backoffEntry{retryCount: 7, lastFailure: at, baseDelay: 5 * time.Second, strategy: StrategyFixed}
	assert.Equal(t, at.Add(5*time.Second), fixed.nextRetry())

	for i, want := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second} {
		exp := backoffEntry{retryCount: i + 1, lastFailure: at, baseDelay: 5 * time.Second, strategy: StrategyExponential}
		assert.Equal(t, at.Add(want), exp.nextRetry())
	}
}
