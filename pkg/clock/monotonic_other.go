//go:build !linux

// ABOUTME: Portable monotonic clock source
// ABOUTME: Uses the Go runtime monotonic clock on non-Linux systems
package clock

func monotonicNanos() int64 {
	return fallbackNanos()
}
