// ABOUTME: Manually advanced master clock
// ABOUTME: Drives synchronizers in virtual time for tests and simulations
package clock

import (
	"sync/atomic"
	"time"
)

// Manual is a MasterClock that only moves when told to
type Manual struct {
	now atomic.Int64
}

// NewManual creates a manual clock reading startUsec
func NewManual(startUsec int64) *Manual {
	m := &Manual{}
	m.now.Store(startUsec)
	return m
}

// SinceStartUsec returns the current virtual time
func (m *Manual) SinceStartUsec() int64 {
	return m.now.Load()
}

// Set moves the clock to usec. Moving backwards is ignored.
func (m *Manual) Set(usec int64) {
	for {
		cur := m.now.Load()
		if usec <= cur {
			return
		}
		if m.now.CompareAndSwap(cur, usec) {
			return
		}
	}
}

// AdvanceUsec moves the clock forward by usec microseconds
func (m *Manual) AdvanceUsec(usec int64) int64 {
	if usec < 0 {
		return m.now.Load()
	}
	return m.now.Add(usec)
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) int64 {
	return m.AdvanceUsec(d.Microseconds())
}
