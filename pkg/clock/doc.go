// ABOUTME: Master clock package
// ABOUTME: Provides the steady clock all synchronizers measure against
// Package clock provides the master clock of an acquisition run.
//
// All timestamps are microseconds since the clock was started. The system
// implementation reads a raw monotonic clock; the manual implementation is
// advanced explicitly and is used for virtual time.
//
// Example:
//
//	timer := clock.NewSyncTimer()
//	timer.Start()
//	now := timer.SinceStartUsec()
package clock
