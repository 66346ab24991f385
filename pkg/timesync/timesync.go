// ABOUTME: Shared constants, errors and helpers for synchronizers
// ABOUTME: Holds defaults, the package logger and nil-safe stop helpers
package timesync

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	// DefaultTolerance is how far a secondary clock may deviate before it is corrected
	DefaultTolerance = time.Millisecond

	// DefaultClockSyncCheckInterval is how often devices that support it should
	// be polled for a clock sync sample
	DefaultClockSyncCheckInterval = 4 * time.Second

	// DefaultCalibrationPoints is the calibration size of a secondary clock synchronizer
	DefaultCalibrationPoints = 500

	// DefaultCalibrationBlocks is the calibration size of a counter synchronizer
	DefaultCalibrationBlocks = 24

	// in-tolerance offsets are re-announced this often (master time, µs)
	inToleranceEmitInterval = int64(30 * time.Second / time.Microsecond)

	// out-of-tolerance offsets are re-announced this often (master time, µs)
	outOfToleranceEmitInterval = int64(10 * time.Second / time.Microsecond)
)

var (
	// ErrInvalidFrequency is returned for frequencies that are not positive
	ErrInvalidFrequency = errors.New("timesync: frequency must be positive")
	// ErrInvalidArgument is returned for out of range configuration values
	ErrInvalidArgument = errors.New("timesync: invalid argument")
	// ErrSynchronizerActive is returned when configuring a calibrated synchronizer
	ErrSynchronizerActive = errors.New("timesync: synchronizer is already calibrated")
	// ErrSynchronizerUsed is returned when restarting a synchronizer that already ran
	ErrSynchronizerUsed = errors.New("timesync: synchronizer can not be reused")
	// ErrNoMasterClock is returned when starting a synchronizer without a master clock
	ErrNoMasterClock = errors.New("timesync: no master clock")
)

// Logger is the parent of every synchronizer's logger.
// Replace it before creating synchronizers to see their output.
var Logger = logr.Discard()

// Synchronizer is the lifecycle shared by both synchronizer kinds
type Synchronizer interface {
	Start() error
	Stop()
	IsCalibrated() bool
	ID() string
}

// SafeStop stops s, tolerating a nil synchronizer
func SafeStop(s Synchronizer) {
	if s == nil {
		return
	}
	s.Stop()
}

// SafeStopWithLastValid records the last valid master timestamp and stops s
func SafeStopWithLastValid(s *FreqCounterSynchronizer, lastValidMasterTimestamp int64) {
	if s == nil {
		return
	}
	s.SetLastValidMasterTimestamp(lastValidMasterTimestamp)
	s.Stop()
}

// newSyncID returns a short random identifier
func newSyncID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func round64(v float64) int64 {
	return int64(math.Round(v))
}

func usecToDuration(usec int64) time.Duration {
	return time.Duration(usec) * time.Microsecond
}
