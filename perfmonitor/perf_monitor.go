// Package perfmonitor tracks the aggregate throughput of a load run: the
// shared receive counter, failure counts by kind and the wall clock window
// the run covers.
package perfmonitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/pushload/safemap"
)

// PerformanceMonitor is shared by every session of one harness. Counters are
// lock-free; the time window is guarded by a mutex.
type PerformanceMonitor struct {
	received atomic.Int64
	failures *safemap.SafeMap[string, *atomic.Int64]

	mu        sync.RWMutex
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor creates a monitor with zero counters and no time
// window.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		failures: safemap.NewSafeMap[string, *atomic.Int64](),
	}
}

// Add increments the receive counter by n and returns the new total.
//
// Parameters:
//   - n: Number of messages received
//
// Returns:
//   - The aggregate total after the increment
func (pm *PerformanceMonitor) Add(n int64) int64 {
	return pm.received.Add(n)
}

// Total returns the aggregate receive count.
func (pm *PerformanceMonitor) Total() int64 {
	return pm.received.Load()
}

// Failure records one session failure of the given kind.
//
// Parameters:
//   - kind: The failure classification, e.g. "malformed_payload"
//
// Returns:
//   - The number of failures of that kind recorded so far
func (pm *PerformanceMonitor) Failure(kind string) int64 {
	counter, _ := pm.failures.LoadOrStore(kind, new(atomic.Int64))
	return counter.Add(1)
}

// Failures returns a copy of the failure table.
func (pm *PerformanceMonitor) Failures() map[string]int64 {
	out := make(map[string]int64)
	pm.failures.Range(func(kind string, counter *atomic.Int64) bool {
		out[kind] = counter.Load()
		return true
	})

	return out
}

// FailureKinds returns the recorded failure kinds in sorted order.
func (pm *PerformanceMonitor) FailureKinds() []string {
	kinds := pm.failures.Keys()
	sort.Strings(kinds)
	return kinds
}

// Start opens the measurement window. Calling it again moves the start.
func (pm *PerformanceMonitor) Start() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.startTime = time.Now()
	pm.endTime = time.Time{}
}

// Stop closes the measurement window. It is a no-op if Start was not called.
func (pm *PerformanceMonitor) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Reset clears the time window and every counter.
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
	pm.mu.Unlock()

	pm.received.Store(0)
	for _, kind := range pm.failures.Keys() {
		pm.failures.Delete(kind)
	}
}

// ElapsedMilliseconds returns the length of the closed window, or zero when
// the window was never started or not yet stopped.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return float64(pm.endTime.Sub(pm.startTime)) / float64(time.Millisecond)
}

// Elapsed returns the window length, measured to now while still running.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.startTime.IsZero() {
		return 0
	}

	if pm.endTime.IsZero() {
		return time.Since(pm.startTime)
	}

	return pm.endTime.Sub(pm.startTime)
}

// Rate returns received messages per second over Elapsed.
func (pm *PerformanceMonitor) Rate() float64 {
	elapsed := pm.Elapsed()
	if elapsed <= 0 {
		return 0
	}

	return float64(pm.Total()) / elapsed.Seconds()
}
