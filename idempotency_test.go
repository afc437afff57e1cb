package sqsrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	seen, err := store.HasProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.MarkProcessed(ctx, "msg-1", time.Minute))

	seen, err = store.HasProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, store.Remove(ctx, "msg-1"))

	seen, err = store.HasProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	// removing an absent id is a no-op
	assert.NoError(t, store.Remove(ctx, "msg-1"))
}

func TestMemoryIdempotencyStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.MarkProcessed(ctx, "short", 20*time.Millisecond))
	require.NoError(t, store.MarkProcessed(ctx, "long", time.Minute))

	seen, err := store.HasProcessed(ctx, "short")
	require.NoError(t, err)
	assert.True(t, seen)

	time.Sleep(40 * time.Millisecond)

	seen, err = store.HasProcessed(ctx, "short")
	require.NoError(t, err)
	assert.False(t, seen)

	// the expired entry was swept out, not just hidden
	assert.Equal(t, 1, store.Size())

	seen, err = store.HasProcessed(ctx, "long")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryIdempotencyStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.MarkProcessed(ctx, "msg-1", 20*time.Millisecond))
	// a second mark overwrites the first expiry
	require.NoError(t, store.MarkProcessed(ctx, "msg-1", time.Minute))

	time.Sleep(40 * time.Millisecond)

	seen, err := store.HasProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryIdempotencyStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.MarkProcessed(ctx, "a", time.Minute))
	require.NoError(t, store.MarkProcessed(ctx, "b", time.Minute))
	require.Equal(t, 2, store.Size())

	store.Clear()
	assert.Equal(t, 0, store.Size())
}
