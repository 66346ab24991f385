//go:build linux

// ABOUTME: Raw monotonic clock source for Linux
// ABOUTME: Reads CLOCK_MONOTONIC_RAW so NTP slewing never bends the master clock
package clock

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// rawClockAvailable selects the clock source once for the whole process
var rawClockAvailable = probeRawClock()

// lastRawNanos is the most recent successful raw reading
var lastRawNanos atomic.Int64

func probeRawClock() bool {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return false
	}
	lastRawNanos.Store(ts.Nano())
	return true
}

func monotonicNanos() int64 {
	if !rawClockAvailable {
		return fallbackNanos()
	}

	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		// a failed read holds the clock instead of switching epochs
		return lastRawNanos.Load()
	}
	now := ts.Nano()
	lastRawNanos.Store(now)
	return now
}
