package sqsrun

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingFlush records every buffer it is handed and can be scripted to fail
type collectingFlush struct {
	mu      sync.Mutex
	flushes []map[string]int
	fail    bool
}

func (c *collectingFlush) fn(buf map[string]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return errors.New("bulk write failed")
	}

	copied := make(map[string]int, len(buf))
	for k, v := range buf {
		copied[k] = v
	}
	c.flushes = append(c.flushes, copied)
	return nil
}

func (c *collectingFlush) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flushes)
}

func (c *collectingFlush) keys() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make(map[string]bool)
	for _, f := range c.flushes {
		for k := range f {
			keys[k] = true
		}
	}
	return keys
}

func newTestAggregator(t *testing.T, cfg AggregatorConfig, sink *collectingFlush) *Aggregator[string, int] {
	t.Helper()
	agg, err := NewAggregator[string, int](cfg, sink.fn)
	require.NoError(t, err)
	return agg
}

func TestNewAggregatorValidation(t *testing.T) {
	sink := &collectingFlush{}

	_, err := NewAggregator[string, int](AggregatorConfig{FlushInterval: time.Second}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewAggregator[string, int](AggregatorConfig{}, sink.fn)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewAggregator[string, int](AggregatorConfig{FlushInterval: time.Second, MaxBufferSize: -1}, sink.fn)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAggregatorFlushOnSize(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour, MaxBufferSize: 3}, sink)

	require.NoError(t, agg.Set("a", 1))
	require.NoError(t, agg.Set("b", 2))
	assert.Equal(t, 0, sink.count())

	// the third key reaches the threshold and triggers the flush inline
	require.NoError(t, agg.Set("c", 3))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, sink.flushes[0])
	assert.Equal(t, 0, agg.Size())
}

func TestAggregatorLastWriterWins(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour}, sink)

	require.NoError(t, agg.Set("a", 1))
	require.NoError(t, agg.Set("a", 2))
	require.Equal(t, 1, agg.Size())

	require.NoError(t, agg.ForceFlush())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, map[string]int{"a": 2}, sink.flushes[0])
}

func TestAggregatorUpdateReduces(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour}, sink)

	sum := func(prev, next int) int { return prev + next }

	require.NoError(t, agg.Update("a", 1, sum))
	require.NoError(t, agg.Update("a", 2, sum))
	require.NoError(t, agg.Update("b", 10, sum))

	require.NoError(t, agg.ForceFlush())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, map[string]int{"a": 3, "b": 10}, sink.flushes[0])
}

func TestAggregatorEmptyFlushIsNoop(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour}, sink)

	require.NoError(t, agg.ForceFlush())
	assert.Equal(t, 0, sink.count())
}

func TestAggregatorRollbackOnFlushFailure(t *testing.T) {
	sink := &collectingFlush{fail: true}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour}, sink)

	require.NoError(t, agg.Set("a", 1))
	require.NoError(t, agg.Set("b", 2))

	// the failure propagates to the caller of the triggering operation
	err := agg.ForceFlush()
	require.Error(t, err)

	// the unwritten keys are back in the active buffer
	assert.Equal(t, 2, agg.Size())

	// and the next successful flush emits them
	sink.fail = false
	require.NoError(t, agg.ForceFlush())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, sink.flushes[0])
	assert.Equal(t, 0, agg.Size())
}

func TestAggregatorPeriodicFlush(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: 20 * time.Millisecond}, sink)

	agg.Start()
	defer agg.Stop()

	require.NoError(t, agg.Set("a", 1))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.GreaterOrEqual(t, sink.count(), 1)
	assert.Equal(t, map[string]int{"a": 1}, sink.flushes[0])
}

func TestAggregatorStopFlushesAndRejectsWrites(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour}, sink)

	agg.Start()
	require.NoError(t, agg.Set("a", 1))

	// stop cancels the timer and performs the final synchronous flush
	require.NoError(t, agg.Stop())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, map[string]int{"a": 1}, sink.flushes[0])

	assert.ErrorIs(t, agg.Set("b", 2), ErrAggregatorStopped)
	assert.ErrorIs(t, agg.Update("b", 2, func(p, n int) int { return n }), ErrAggregatorStopped)

	// a second stop is a no-op
	assert.NoError(t, agg.Stop())
}

// TestAggregatorNoKeyLost drives the aggregator through interleaved writes
// and failing flushes: the union of keys ever emitted plus the keys still
// buffered must equal the set of keys ever set
func TestAggregatorNoKeyLost(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: time.Hour}, sink)

	written := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, agg.Set(key, i))
		written[key] = true

		if i%10 == 9 {
			sink.fail = i%20 == 9
			_ = agg.ForceFlush()
			sink.fail = false
		}
	}

	require.NoError(t, agg.ForceFlush())
	require.Equal(t, 0, agg.Size())

	emitted := sink.keys()
	assert.Equal(t, len(written), len(emitted))
	for k := range written {
		assert.True(t, emitted[k], "key %s was lost", k)
	}
}

func TestAggregatorConcurrentWritersWithFlushes(t *testing.T) {
	sink := &collectingFlush{}
	agg := newTestAggregator(t, AggregatorConfig{FlushInterval: 5 * time.Millisecond}, sink)

	agg.Start()

	var wg sync.WaitGroup
	const writers, perWriter = 8, 50
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = agg.Set(fmt.Sprintf("w%d-%d", w, i), i)
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, agg.Stop())

	emitted := sink.keys()
	assert.Len(t, emitted, writers*perWriter)
}
