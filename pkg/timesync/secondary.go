// ABOUTME: Synchronizer for devices with their own steady clock
// ABOUTME: Calibrates the offset to the master clock and corrects drift per strategy
package timesync

import (
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/syntalos/tsync-go/pkg/clock"
	"github.com/syntalos/tsync-go/pkg/tsyncfile"
)

// SecondaryClockSynchronizer maps timestamps of an external steady clock
// onto the master clock.
type SecondaryClockSynchronizer struct {
	modName      string
	id           string
	collectionID uuid.UUID
	strategies   Strategies
	master       clock.MasterClock
	log          logr.Logger

	detailsChangeFn SyncDetailsChangeNotifyFn
	offsetChangeFn  OffsetChangeNotifyFn

	toleranceUsec             int64
	lastOffsetWithinTolerance bool
	lastOffsetEmission        int64

	calibrationMaxN  int
	calibrationCount int
	offsets          *offsetWindow

	haveExpectedOffset bool
	expectedOffset     int64
	expectedSD         float64

	clockCorrectionOffset int64
	lastMasterTS          int64
	lastSecondaryAcqTS    int64

	tswriter *tsyncfile.Writer
	started  bool
	stopped  bool
}

// NewSecondaryClockSynchronizer creates a synchronizer for module modName.
// An empty id is replaced by a random one.
func NewSecondaryClockSynchronizer(master clock.MasterClock, modName, id string) *SecondaryClockSynchronizer {
	if id == "" {
		id = newSyncID()
	}

	s := &SecondaryClockSynchronizer{
		modName:         modName,
		id:              id,
		strategies:      NewStrategies(ShiftTimestampsFwd, ShiftTimestampsBwd),
		master:          master,
		toleranceUsec:   DefaultTolerance.Microseconds(),
		calibrationMaxN: DefaultCalibrationPoints,
		tswriter:        tsyncfile.NewWriter(),
	}
	s.log = Logger.WithName("time.synchronizer").WithValues("module", modName, "id", id)
	s.tswriter.SetTimeNames("master-time", "secondary-time")
	return s
}

// SetLogger replaces the logger of this synchronizer
func (s *SecondaryClockSynchronizer) SetLogger(l logr.Logger) {
	s.log = l.WithValues("module", s.modName, "id", s.id)
}

// ID returns the synchronizer's identifier
func (s *SecondaryClockSynchronizer) ID() string { return s.id }

// Strategies returns the active strategies
func (s *SecondaryClockSynchronizer) Strategies() Strategies { return s.strategies }

// Tolerance returns the permitted deviation from the expected offset
func (s *SecondaryClockSynchronizer) Tolerance() time.Duration {
	return usecToDuration(s.toleranceUsec)
}

// IsCalibrated reports whether the expected offset has been determined
func (s *SecondaryClockSynchronizer) IsCalibrated() bool { return s.haveExpectedOffset }

// ExpectedOffsetToMaster returns the calibrated offset (master − secondary) in µs
func (s *SecondaryClockSynchronizer) ExpectedOffsetToMaster() int64 { return s.expectedOffset }

// ClockCorrectionOffset is the adjustment that would bring the secondary
// clock back in line. Positive values mean the secondary clock runs too
// fast, negative values mean it runs too slow.
func (s *SecondaryClockSynchronizer) ClockCorrectionOffset() int64 { return s.clockCorrectionOffset }

// CalibrationPointsCount returns the number of samples used for calibration
func (s *SecondaryClockSynchronizer) CalibrationPointsCount() int { return s.calibrationMaxN }

// SetNotifyCallbacks registers notification callbacks and announces the
// current details right away
func (s *SecondaryClockSynchronizer) SetNotifyCallbacks(details SyncDetailsChangeNotifyFn, offset OffsetChangeNotifyFn) {
	s.detailsChangeFn = details
	s.offsetChangeFn = offset
	s.emitSyncDetailsChanged()
}

// SetCalibrationPointsCount sets how many samples determine the expected offset
func (s *SecondaryClockSynchronizer) SetCalibrationPointsCount(n int) error {
	if err := s.checkConfigurable("calibration point count"); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: calibration point count %d", ErrInvalidArgument, n)
	}
	s.calibrationMaxN = n
	return nil
}

// SetExpectedClockFrequencyHz derives calibration size and tolerance from
// the rate at which the device produces timestamps
func (s *SecondaryClockSynchronizer) SetExpectedClockFrequencyHz(frequency float64) error {
	if err := s.checkConfigurable("expected clock frequency"); err != nil {
		return err
	}
	if frequency <= 0 || math.IsNaN(frequency) || math.IsInf(frequency, 0) {
		return fmt.Errorf("%w: %v Hz", ErrInvalidFrequency, frequency)
	}

	// low rates need comparatively more points to average out jitter
	n := int(math.Round(frequency * (5 + 30/(0.02*frequency+1.4))))
	if n < 1 {
		n = 1
	}
	s.calibrationMaxN = n

	tol := round64(((1000 / frequency) / 2) * 1000)
	if tol < 1 {
		tol = 1
	}
	s.toleranceUsec = tol

	s.emitSyncDetailsChanged()
	return nil
}

// SetStrategies replaces the active strategies
func (s *SecondaryClockSynchronizer) SetStrategies(strategies Strategies) error {
	if err := s.checkConfigurable("strategies"); err != nil {
		return err
	}
	s.strategies = strategies
	s.emitSyncDetailsChanged()
	return nil
}

// SetTolerance sets how far the offset may deviate before it is corrected
func (s *SecondaryClockSynchronizer) SetTolerance(tolerance time.Duration) error {
	if err := s.checkConfigurable("tolerance"); err != nil {
		return err
	}
	if tolerance < 0 {
		return fmt.Errorf("%w: negative tolerance %v", ErrInvalidArgument, tolerance)
	}
	s.toleranceUsec = tolerance.Microseconds()
	s.emitSyncDetailsChanged()
	return nil
}

// SetTimeSyncBasename sets where sync points are written. An empty name
// disables writing.
func (s *SecondaryClockSynchronizer) SetTimeSyncBasename(fname string, collectionID uuid.UUID) error {
	if err := s.checkConfigurable("tsync file name"); err != nil {
		return err
	}
	s.tswriter.SetFileName(fname)
	s.collectionID = collectionID
	s.strategies = s.strategies.Set(WriteTSyncFile, fname != "")
	s.emitSyncDetailsChanged()
	return nil
}

// Start resets calibration and opens the tsync file if requested
func (s *SecondaryClockSynchronizer) Start() error {
	if s.haveExpectedOffset || s.stopped {
		return ErrSynchronizerUsed
	}
	if s.master == nil {
		return ErrNoMasterClock
	}

	if s.calibrationMaxN <= 4 {
		s.log.Info("Warning: very few calibration points, the expected offset may be unreliable", "points", s.calibrationMaxN)
	}

	s.offsets = newOffsetWindow(s.calibrationMaxN)
	s.calibrationCount = 0
	s.expectedOffset = 0
	s.expectedSD = 0
	s.clockCorrectionOffset = 0
	s.lastOffsetWithinTolerance = false
	s.lastOffsetEmission = 0

	// no shifted timestamp may precede the start of the synchronizer
	s.lastMasterTS = s.master.SinceStartUsec()
	s.lastSecondaryAcqTS = 0

	if s.strategies.Has(WriteTSyncFile) {
		s.tswriter.SetSyncMode(tsyncfile.ModeSyncPoints)
		if err := s.tswriter.Open(s.modName, s.collectionID, s.Tolerance()); err != nil {
			return fmt.Errorf("open tsync file %s: %w", s.tswriter.FileName(), err)
		}
	}

	s.started = true
	s.emitSyncDetailsChanged()
	return nil
}

// Stop writes the last sync point and closes the tsync file.
// It is safe to call Stop more than once.
func (s *SecondaryClockSynchronizer) Stop() {
	if s == nil || !s.started || s.stopped {
		return
	}
	s.stopped = true

	if s.tswriter.IsOpen() && s.calibrationCount > 0 {
		s.writeTimes(s.lastMasterTS, s.lastSecondaryAcqTS)
	}
	if err := s.tswriter.Close(); err != nil {
		s.log.Error(err, "Unable to close tsync file")
	}
}

// ProcessTimestamp feeds one (master, secondary) pair into the synchronizer.
// masterTimestamp holds the master time the sample was received at and may
// be rewritten according to the shift strategies.
func (s *SecondaryClockSynchronizer) ProcessTimestamp(masterTimestamp *int64, secondaryAcqTimestamp int64) {
	if masterTimestamp == nil || !s.started || s.stopped {
		return
	}
	shifting := s.strategies.shifts()

	if *masterTimestamp < 0 || secondaryAcqTimestamp < 0 {
		s.log.Info("Warning: ignoring malformed timestamp pair", "master", *masterTimestamp, "secondary", secondaryAcqTimestamp)
		if shifting && *masterTimestamp < s.lastMasterTS {
			*masterTimestamp = s.lastMasterTS
		}
		return
	}

	rawMaster := *masterTimestamp
	curOffset := rawMaster - secondaryAcqTimestamp

	if !s.haveExpectedOffset {
		s.calibrate(masterTimestamp, secondaryAcqTimestamp, curOffset, shifting)
		return
	}

	// statistics of the window before this sample joins it
	avg := s.offsets.mean()
	sd := s.offsets.stddev(avg)
	s.offsets.push(curOffset)

	deviation := curOffset - s.expectedOffset
	avgDeviation := round64(avg) - s.expectedOffset

	if abs64(deviation) <= s.toleranceUsec {
		if !s.lastOffsetWithinTolerance || rawMaster > s.lastOffsetEmission+inToleranceEmitInterval {
			s.emitOffsetChanged(avgDeviation)
			s.lastOffsetEmission = rawMaster
		}
		if !s.lastOffsetWithinTolerance {
			s.log.V(1).Info("Offset back within tolerance", "deviationUsec", deviation)
		}
		s.lastOffsetWithinTolerance = true
		s.clockCorrectionOffset = 0
		s.finish(masterTimestamp, secondaryAcqTimestamp, shifting)
		return
	}

	crossedOut := s.lastOffsetWithinTolerance
	if crossedOut || rawMaster > s.lastOffsetEmission+outOfToleranceEmitInterval {
		s.emitOffsetChanged(deviation)
		s.lastOffsetEmission = rawMaster
	}
	if crossedOut {
		s.log.V(1).Info("Offset left tolerance", "deviationUsec", deviation, "toleranceUsec", s.toleranceUsec)
	}
	s.lastOffsetWithinTolerance = false

	// smoothed drift estimate; positive when the secondary clock gains on the master
	newCorrection := int64(math.Floor(float64(s.clockCorrectionOffset*15-avgDeviation) / 16))
	if s.strategies.Has(WriteTSyncFile) && (crossedOut || newCorrection != s.clockCorrectionOffset) {
		s.writeTimes(rawMaster, secondaryAcqTimestamp)
	}
	s.clockCorrectionOffset = newCorrection

	if shifting {
		est := rawMaster
		if math.Abs(avg-float64(curOffset)) > sd {
			// a single late or early sample, trust the averages instead
			est = secondaryAcqTimestamp + round64((float64(s.expectedOffset)+avg)/2)
		}
		if s.clockCorrectionOffset != 0 {
			mapped := secondaryAcqTimestamp + round64(avg)
			if (s.clockCorrectionOffset > 0 && s.strategies.Has(ShiftTimestampsBwd)) ||
				(s.clockCorrectionOffset < 0 && s.strategies.Has(ShiftTimestampsFwd)) {
				est = mapped - s.clockCorrectionOffset
			}
		}

		if est > rawMaster && !s.strategies.Has(ShiftTimestampsFwd) {
			est = rawMaster
		}
		if est < rawMaster && !s.strategies.Has(ShiftTimestampsBwd) {
			est = rawMaster
		}
		*masterTimestamp = est
	}

	s.finish(masterTimestamp, secondaryAcqTimestamp, shifting)
}

func (s *SecondaryClockSynchronizer) calibrate(masterTimestamp *int64, secondaryAcqTimestamp, curOffset int64, shifting bool) {
	s.offsets.push(curOffset)
	s.calibrationCount++

	if s.calibrationCount == 1 && s.strategies.Has(WriteTSyncFile) {
		s.writeTimes(*masterTimestamp, secondaryAcqTimestamp)
	}

	if s.calibrationCount >= s.calibrationMaxN {
		avg := s.offsets.mean()
		s.expectedOffset = round64(avg)
		s.expectedSD = s.offsets.stddev(avg)
		s.haveExpectedOffset = true
		s.lastOffsetWithinTolerance = true

		s.log.Info("Determined expected time offset", "offsetUsec", s.expectedOffset, "sd", s.expectedSD, "points", s.calibrationCount)
		s.emitOffsetChanged(round64(avg) - s.expectedOffset)
		s.lastOffsetEmission = *masterTimestamp

		if s.strategies.Has(WriteTSyncFile) {
			s.writeTimes(*masterTimestamp, secondaryAcqTimestamp)
		}
	}

	s.finish(masterTimestamp, secondaryAcqTimestamp, shifting)
}

// finish enforces monotonic output and remembers the pair
func (s *SecondaryClockSynchronizer) finish(masterTimestamp *int64, secondaryAcqTimestamp int64, shifting bool) {
	if shifting && *masterTimestamp < s.lastMasterTS {
		if s.haveExpectedOffset && !s.lastOffsetWithinTolerance {
			s.log.V(1).Info("Clamped master timestamp to keep it monotonic", "timestamp", *masterTimestamp, "previous", s.lastMasterTS)
		}
		*masterTimestamp = s.lastMasterTS
	}

	s.lastMasterTS = *masterTimestamp
	s.lastSecondaryAcqTS = secondaryAcqTimestamp
}

func (s *SecondaryClockSynchronizer) checkConfigurable(what string) error {
	if s.haveExpectedOffset {
		s.log.Info("Warning: rejected configuration change on a calibrated synchronizer", "setting", what)
		return ErrSynchronizerActive
	}
	return nil
}

func (s *SecondaryClockSynchronizer) writeTimes(master, secondary int64) {
	if !s.strategies.Has(WriteTSyncFile) || !s.tswriter.IsOpen() {
		return
	}
	if err := s.tswriter.WriteTimes(master, secondary); err != nil {
		s.log.Error(err, "Unable to write tsync data, further sync points are only kept in memory")
		_ = s.tswriter.Close()
	}
}

func (s *SecondaryClockSynchronizer) emitSyncDetailsChanged() {
	if s.detailsChangeFn != nil {
		s.detailsChangeFn(s.id, s.strategies, s.Tolerance())
	}
}

func (s *SecondaryClockSynchronizer) emitOffsetChanged(offset int64) {
	if s.offsetChangeFn != nil {
		s.offsetChangeFn(s.id, offset)
	}
}
