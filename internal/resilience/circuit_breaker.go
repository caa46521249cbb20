// Package resilience provides adaptive circuit breaking, retry, and rate
// limiting primitives shared by the oracle client, the executor pool, and
// the orchestrator's dispatch loop.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker opens based on the failure rate over a rolling window and
// supports half-open probing before fully closing again.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreakerAdaptive builds a breaker over a rolling window of the given size and bucket count.
func NewCircuitBreakerAdaptive(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// Allow reports whether a request may proceed right now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this request is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a success or failure outcome and evaluates state transitions.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

// State reports the breaker's current externally-visible state for diagnostics.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("workflowcore")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("workflowcore_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("workflowcore")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("workflowcore_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow tracks success/failure counts over fixed time buckets.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	w.data[idx] = bucket{}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
