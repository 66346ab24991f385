// ABOUTME: Time synchronization package
// ABOUTME: Maps secondary device clocks and sample counters onto the master clock
// Package timesync keeps timestamps from secondary clocks aligned with the
// master clock of a run.
//
// SecondaryClockSynchronizer handles devices that report their own
// timestamps. FreqCounterSynchronizer handles devices that only count
// samples at a known frequency. Both calibrate an expected offset first and
// then correct drift according to the active strategies, optionally
// recording sync points to a tsync file.
//
// A synchronizer is owned by one capture goroutine and is not safe for
// concurrent use. Use an EventNotifier to hand notifications to other
// goroutines.
//
// Example:
//
//	sync := timesync.NewSecondaryClockSynchronizer(timer, "camera", "")
//	sync.SetStrategies(timesync.NewStrategies(timesync.ShiftTimestampsFwd))
//	if err := sync.Start(); err != nil {
//		return err
//	}
//	defer timesync.SafeStop(sync)
//
//	master := timer.SinceStartUsec()
//	sync.ProcessTimestamp(&master, frameTimestamp)
package timesync
