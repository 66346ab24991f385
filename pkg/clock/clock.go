// ABOUTME: Master clock interface and system monotonic timer
// ABOUTME: Reports microseconds elapsed since the start of a run
package clock

import (
	"sync"
	"time"
)

// MasterClock is the reference clock every secondary clock is mapped onto.
type MasterClock interface {
	// SinceStartUsec returns microseconds elapsed since the clock was started.
	SinceStartUsec() int64
}

// processStart anchors the portable monotonic fallback
var processStart = time.Now()

// SyncTimer is the system master clock of a run
type SyncTimer struct {
	mu        sync.RWMutex
	started   bool
	startNs   int64
	startTime time.Time
}

// NewSyncTimer creates a timer that reports 0 until started
func NewSyncTimer() *SyncTimer {
	return &SyncTimer{}
}

// Start resets the timer's epoch to now
func (t *SyncTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startNs = monotonicNanos()
	t.startTime = time.Now()
	t.started = true
}

// Started reports whether Start has been called
func (t *SyncTimer) Started() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// StartTime returns the wall clock time the timer was started at
func (t *SyncTimer) StartTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime
}

// SinceStartUsec returns microseconds since Start, or 0 if not started
func (t *SyncTimer) SinceStartUsec() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return 0
	}
	return (monotonicNanos() - t.startNs) / 1000
}

// SinceStartMsec returns milliseconds since Start
func (t *SyncTimer) SinceStartMsec() int64 {
	return t.SinceStartUsec() / 1000
}

// fallbackNanos is a monotonic reading derived from the Go runtime clock
func fallbackNanos() int64 {
	return int64(time.Since(processStart))
}
