package sqsrun

import (
	"errors"
	"sync"
	"time"
)

// Reducer merges the value already buffered for a key with an incoming one
type Reducer[V any] func(prev, next V) V

// FlushFunc performs the bulk write for one flush. The map it receives is
// the swapped-out buffer; the aggregator never writes to it while the
// callback runs
type FlushFunc[K comparable, V any] func(buffer map[K]V) error

// AggregatorConfig configures an Aggregator
type AggregatorConfig struct {
	// FlushInterval is the period of the automatic flush timer. Required
	FlushInterval time.Duration
	// MaxBufferSize triggers a flush as soon as the active buffer reaches
	// this many distinct keys. Zero disables size-based flushing
	MaxBufferSize int
	// Logger receives timer-driven flush failures, which have no caller to
	// propagate to. Defaults to the package logger
	Logger Logger
}

// Aggregator collapses many keyed updates into one bulk write per flush.
// Handlers that must fold a stream of per-message updates into a periodic
// bulk write use it to keep the hot path to a map insert.
//
// Two buffers alternate between the active role, which receives Set and
// Update calls, and the flush role, which is handed to the flush callback.
// A flush swaps the roles first, so writers never block on the callback and
// no flush observes a write made after its swap point. When the callback
// fails, the unwritten keys are folded back into the active buffer; newer
// writes win on conflict and no key is lost.
type Aggregator[K comparable, V any] struct {
	mu       sync.Mutex
	active   map[K]V
	standby  map[K]V
	flushFn  FlushFunc[K, V]
	interval time.Duration
	maxSize  int
	inFlight bool
	stopped  bool
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   Logger
}

// NewAggregator validates the configuration and builds an Aggregator around
// the given flush callback. The timer does not run until Start
func NewAggregator[K comparable, V any](cfg AggregatorConfig, flush FlushFunc[K, V]) (*Aggregator[K, V], error) {
	if flush == nil {
		return nil, ErrInvalidConfig.Context(errors.New("flush callback is required"))
	}
	if cfg.FlushInterval <= 0 {
		return nil, ErrInvalidConfig.Context(errors.New("flush interval must be positive"))
	}
	if cfg.MaxBufferSize < 0 {
		return nil, ErrInvalidConfig.Context(errors.New("max buffer size must not be negative"))
	}
	if cfg.Logger == nil {
		cfg.Logger = newDefaultLogger()
	}

	return &Aggregator[K, V]{
		active:   make(map[K]V),
		standby:  make(map[K]V),
		flushFn:  flush,
		interval: cfg.FlushInterval,
		maxSize:  cfg.MaxBufferSize,
		logger:   cfg.Logger,
	}, nil
}

// Start schedules the periodic flush timer. Starting twice is a no-op
func (a *Aggregator[K, V]) Start() {
	a.mu.Lock()
	if a.ticker != nil || a.stopped {
		a.mu.Unlock()
		return
	}
	a.ticker = time.NewTicker(a.interval)
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run()
}

func (a *Aggregator[K, V]) run() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case <-a.ticker.C:
			// a timer tick has no caller to hand the error to
			if err := a.flush(); err != nil {
				a.logger.Println(ErrFlush.Context(err).Error())
			}
		}
	}
}

// Stop cancels the timer, waits out any tick in progress and performs a
// final synchronous flush. Writes after Stop are rejected
func (a *Aggregator[K, V]) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	ticker, stopCh := a.ticker, a.stopCh
	a.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stopCh)
		a.wg.Wait()
	}

	return a.flush()
}

// Set writes v into the active buffer, last writer wins on k. When the
// write fills the buffer to MaxBufferSize a flush runs before returning,
// and its error is the caller's
func (a *Aggregator[K, V]) Set(k K, v V) error {
	return a.put(k, v, nil)
}

// Update folds v into the buffered value for k using reduce, or stores v
// when k is not buffered yet
func (a *Aggregator[K, V]) Update(k K, v V, reduce Reducer[V]) error {
	return a.put(k, v, reduce)
}

func (a *Aggregator[K, V]) put(k K, v V, reduce Reducer[V]) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrAggregatorStopped
	}

	if reduce != nil {
		if prev, ok := a.active[k]; ok {
			v = reduce(prev, v)
		}
	}
	a.active[k] = v
	full := a.maxSize > 0 && len(a.active) >= a.maxSize
	a.mu.Unlock()

	if full {
		return a.flush()
	}
	return nil
}

// Size returns the number of distinct keys in the active buffer
func (a *Aggregator[K, V]) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.active)
}

// ForceFlush triggers a flush outside the timer and size triggers
func (a *Aggregator[K, V]) ForceFlush() error {
	return a.flush()
}

// flush runs the swap-and-write protocol. Concurrent triggers coalesce on
// the in-flight guard: at most one flush runs at any instant, and a
// trigger that finds one running returns immediately
func (a *Aggregator[K, V]) flush() error {
	a.mu.Lock()
	if a.inFlight || len(a.active) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.inFlight = true
	a.active, a.standby = a.standby, a.active
	out := a.standby
	a.mu.Unlock()

	err := a.flushFn(out)

	a.mu.Lock()
	if err != nil {
		// the write failed, so fold the unwritten keys back into the
		// active buffer. Writes that landed during the flush are newer and
		// win on conflict; the combined buffer may be larger than before
		// the attempt, which is the cost of losing nothing
		for k, v := range out {
			if _, ok := a.active[k]; !ok {
				a.active[k] = v
			}
		}
	}
	// a fresh map rather than a clear, since the callback may have
	// retained the one it was handed
	a.standby = make(map[K]V)
	a.inFlight = false
	a.mu.Unlock()

	return err
}
