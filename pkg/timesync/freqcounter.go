// ABOUTME: Synchronizer for monotonic sample counters of known frequency
// ABOUTME: Derives block timestamps and keeps an index offset against master clock drift
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

// FreqCounterSynchronizer aligns a sample counter that ticks at a known
// frequency with the master clock. Depending on the strategies the counter
// is never moved forward or backward, but gaps may occur unless writing a
// tsync file is the only active strategy.
type FreqCounterSynchronizer struct {
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

	calibrationMaxBlockN int
	calibrationCount     int
	offsets              *offsetWindow

	haveExpectedOffset bool
	expectedOffset     int64
	expectedSD         float64

	offsetChangeWaitBlocks int
	timeCorrectionOffset   int64

	freq             float64
	timePerPointUs   float64
	indexOffset      int64
	applyIndexOffset bool

	haveLastIndex              bool
	lastSecondaryIdxUnadjusted int64
	lastMasterAssumedAcqTS     int64
	lastValidMasterTimestamp   int64

	tswriter *tsyncfile.Writer
	started  bool
	stopped  bool
}

// NewFreqCounterSynchronizer creates a synchronizer for a counter running
// at frequencyHz. An empty id is replaced by a random one.
func NewFreqCounterSynchronizer(master clock.MasterClock, modName string, frequencyHz float64, id string) *FreqCounterSynchronizer {
	if id == "" {
		id = newSyncID()
	}

	s := &FreqCounterSynchronizer{
		modName:              modName,
		id:                   id,
		strategies:           NewStrategies(ShiftTimestampsFwd, ShiftTimestampsBwd),
		master:               master,
		toleranceUsec:        DefaultTolerance.Microseconds(),
		calibrationMaxBlockN: DefaultCalibrationBlocks,
		freq:                 frequencyHz,
		tswriter:             tsyncfile.NewWriter(),
	}
	if frequencyHz > 0 {
		s.timePerPointUs = 1e6 / frequencyHz
	}
	s.log = Logger.WithName("time.synchronizer").WithValues("module", modName, "id", id)
	s.tswriter.SetTimeNames("master-time", "secondary-time")
	return s
}

// SetLogger replaces the logger of this synchronizer
func (s *FreqCounterSynchronizer) SetLogger(l logr.Logger) {
	s.log = l.WithValues("module", s.modName, "id", s.id)
}

// ID returns the synchronizer's identifier
func (s *FreqCounterSynchronizer) ID() string { return s.id }

// Strategies returns the active strategies
func (s *FreqCounterSynchronizer) Strategies() Strategies { return s.strategies }

// Tolerance returns the permitted deviation from the expected offset
func (s *FreqCounterSynchronizer) Tolerance() time.Duration {
	return usecToDuration(s.toleranceUsec)
}

// FrequencyHz returns the nominal counter frequency
func (s *FreqCounterSynchronizer) FrequencyHz() float64 { return s.freq }

// IsCalibrated reports whether the expected offset has been determined
func (s *FreqCounterSynchronizer) IsCalibrated() bool { return s.haveExpectedOffset }

// ExpectedOffsetToMaster returns the calibrated offset (master − secondary) in µs
func (s *FreqCounterSynchronizer) ExpectedOffsetToMaster() int64 { return s.expectedOffset }

// IndexOffset returns the number of samples subtracted from incoming indices
func (s *FreqCounterSynchronizer) IndexOffset() int64 { return s.indexOffset }

// LastMasterAssumedAcqTS returns the master time the last block was acquired at
func (s *FreqCounterSynchronizer) LastMasterAssumedAcqTS() int64 { return s.lastMasterAssumedAcqTS }

// SetNotifyCallbacks registers notification callbacks and announces the
// current details right away
func (s *FreqCounterSynchronizer) SetNotifyCallbacks(details SyncDetailsChangeNotifyFn, offset OffsetChangeNotifyFn) {
	s.detailsChangeFn = details
	s.offsetChangeFn = offset
	s.emitSyncDetailsChanged()
}

// SetCalibrationBlocksCount sets how many blocks determine the expected
// offset. Values below one select the default.
func (s *FreqCounterSynchronizer) SetCalibrationBlocksCount(n int) error {
	if err := s.checkConfigurable("calibration block count"); err != nil {
		return err
	}
	if n <= 0 {
		n = DefaultCalibrationBlocks
	}
	s.calibrationMaxBlockN = n
	return nil
}

// SetStrategies replaces the active strategies
func (s *FreqCounterSynchronizer) SetStrategies(strategies Strategies) error {
	if err := s.checkConfigurable("strategies"); err != nil {
		return err
	}
	s.strategies = strategies
	s.emitSyncDetailsChanged()
	return nil
}

// SetTolerance sets how far the offset may deviate before it is corrected
func (s *FreqCounterSynchronizer) SetTolerance(tolerance time.Duration) error {
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
func (s *FreqCounterSynchronizer) SetTimeSyncBasename(fname string, collectionID uuid.UUID) error {
	if err := s.checkConfigurable("tsync file name"); err != nil {
		return err
	}
	s.tswriter.SetFileName(fname)
	s.collectionID = collectionID
	s.strategies = s.strategies.Set(WriteTSyncFile, fname != "")
	s.emitSyncDetailsChanged()
	return nil
}

// SetLastValidMasterTimestamp sets the master time of the last sample that
// was actually used, so the final sync point does not overshoot it
func (s *FreqCounterSynchronizer) SetLastValidMasterTimestamp(masterTimestamp int64) {
	s.lastValidMasterTimestamp = masterTimestamp
}

// Start resets calibration and opens the tsync file if requested
func (s *FreqCounterSynchronizer) Start() error {
	if s.freq <= 0 || math.IsNaN(s.freq) || math.IsInf(s.freq, 0) {
		s.log.Error(ErrInvalidFrequency, "Unable to start synchronizer", "frequencyHz", s.freq)
		return fmt.Errorf("%w: %v Hz", ErrInvalidFrequency, s.freq)
	}
	if s.haveExpectedOffset || s.stopped {
		return ErrSynchronizerUsed
	}
	if s.master == nil {
		return ErrNoMasterClock
	}

	s.timePerPointUs = 1e6 / s.freq
	s.offsets = newOffsetWindow(s.calibrationMaxBlockN)
	s.calibrationCount = 0
	s.expectedOffset = 0
	s.expectedSD = 0
	s.offsetChangeWaitBlocks = 0
	s.timeCorrectionOffset = 0
	s.indexOffset = 0
	s.applyIndexOffset = false
	s.lastOffsetWithinTolerance = false
	s.haveLastIndex = false
	s.lastMasterAssumedAcqTS = s.master.SinceStartUsec()
	s.lastOffsetEmission = s.lastMasterAssumedAcqTS

	if s.strategies.Has(WriteTSyncFile) {
		s.tswriter.SetSyncMode(tsyncfile.ModeSyncPoints)
		s.tswriter.SetTimeUnits(tsyncfile.UnitMicroseconds, tsyncfile.UnitMicroseconds)
		if err := s.tswriter.Open(s.modName, s.collectionID, s.Tolerance()); err != nil {
			return fmt.Errorf("open tsync file %s: %w", s.tswriter.FileName(), err)
		}
	}

	s.started = true
	s.emitSyncDetailsChanged()
	return nil
}

// Stop writes the final sync point and closes the tsync file.
// It is safe to call Stop more than once.
func (s *FreqCounterSynchronizer) Stop() {
	if s == nil || !s.started || s.stopped {
		return
	}
	s.stopped = true

	if s.tswriter.IsOpen() && s.haveLastIndex {
		// never let the final pair reach past the last sample anyone used
		var clip int64
		if s.lastValidMasterTimestamp > 0 {
			clip = s.lastValidMasterTimestamp - s.lastMasterAssumedAcqTS
			if clip > 0 {
				clip = 0
			}
		}
		secondaryLastTS := round64(float64(s.lastSecondaryIdxUnadjusted+1) * s.timePerPointUs)
		s.writeTimes(s.lastMasterAssumedAcqTS+clip, secondaryLastTS+clip)
	}
	if err := s.tswriter.Close(); err != nil {
		s.log.Error(err, "Unable to close tsync file")
	}
}

// ProcessTimestamps handles one block of sample indices. The block was
// received at blocksRecvTimestamp and is number blockIndex of blockCount
// blocks fetched together. idxTimestamps is adjusted in place by the active
// index offset.
func (s *FreqCounterSynchronizer) ProcessTimestamps(blocksRecvTimestamp int64, blockIndex, blockCount int, idxTimestamps []int64) {
	if !s.started || s.stopped {
		return
	}
	if blockCount < 1 || blockIndex < 0 || blockIndex >= blockCount || len(idxTimestamps) == 0 {
		s.log.Info("Warning: ignoring invalid block", "blockIndex", blockIndex, "blockCount", blockCount, "samples", len(idxTimestamps))
		return
	}

	rows := len(idxTimestamps)
	lastIdxUnadjusted := idxTimestamps[rows-1]
	if s.haveLastIndex && idxTimestamps[0] <= s.lastSecondaryIdxUnadjusted {
		s.log.Info("Warning: discontinuity, sample indices are not increasing", "previous", s.lastSecondaryIdxUnadjusted, "first", idxTimestamps[0])
	}
	s.lastSecondaryIdxUnadjusted = lastIdxUnadjusted
	s.haveLastIndex = true

	wasApplied := s.applyIndexOffset && s.indexOffset != 0
	if wasApplied {
		for i := range idxTimestamps {
			idxTimestamps[i] -= s.indexOffset
		}
	}

	// blocks fetched together were acquired one after another, ending at receipt time
	masterAssumedAcqTS := blocksRecvTimestamp -
		round64(s.timePerPointUs*float64((blockCount-1)*rows)) +
		round64(s.timePerPointUs*float64(blockIndex*rows))
	s.lastMasterAssumedAcqTS = masterAssumedAcqTS

	secondaryLastTS := round64(float64(lastIdxUnadjusted+1-s.indexOffset) * s.timePerPointUs)
	curOffset := masterAssumedAcqTS - secondaryLastTS

	s.offsets.push(curOffset)
	avg := s.offsets.mean()

	if !s.haveExpectedOffset {
		s.calibrationCount++
		if s.calibrationCount < s.calibrationMaxBlockN {
			return
		}

		s.expectedSD = s.offsets.stddev(avg)
		s.expectedOffset = round64(s.offsets.median())
		s.haveExpectedOffset = true
		s.lastOffsetWithinTolerance = true

		s.log.Info("Determined expected time offset", "offsetUsec", s.expectedOffset, "sd", s.expectedSD, "blocks", s.calibrationCount)
		s.emitOffsetChanged(round64(avg) - s.expectedOffset)
		s.lastOffsetEmission = masterAssumedAcqTS

		// secondary time zero as seen by the master clock
		s.writeTimes(s.expectedOffset, 0)
		return
	}

	if s.offsetChangeWaitBlocks > 0 {
		s.offsetChangeWaitBlocks--
	}

	avgDeviation := round64(avg) - s.expectedOffset

	if abs64(avgDeviation) <= s.toleranceUsec {
		if blockIndex == 0 && (!s.lastOffsetWithinTolerance || masterAssumedAcqTS > s.lastOffsetEmission+inToleranceEmitInterval) {
			s.emitOffsetChanged(avgDeviation)
			s.lastOffsetEmission = masterAssumedAcqTS
		}
		s.lastOffsetWithinTolerance = true
		return
	}

	if s.lastOffsetWithinTolerance || (blockIndex == 0 && masterAssumedAcqTS > s.lastOffsetEmission+outOfToleranceEmitInterval) {
		s.emitOffsetChanged(avgDeviation)
		s.lastOffsetEmission = masterAssumedAcqTS
	}
	s.lastOffsetWithinTolerance = false

	// ignore blocks that stand out from the recent ones
	if math.Abs(avg-float64(curOffset)) > s.offsets.stddev(avg) {
		return
	}
	// give the previous change time to settle into the average
	if s.offsetChangeWaitBlocks > 0 {
		return
	}

	// correct less than half the lead per step, but at least one sample
	secondaryLead := -avgDeviation
	tco := int64(math.Floor(float64(secondaryLead) / 2.5))
	if math.Abs(float64(tco)) < s.timePerPointUs {
		tco = int64(math.Ceil(s.timePerPointUs))
		if secondaryLead < 0 {
			tco = -tco
		}
	}
	s.timeCorrectionOffset = tco

	deltaIdx := int64(float64(tco) * s.freq / 1e6)
	if deltaIdx == 0 {
		return
	}

	prevOffset := s.indexOffset
	s.indexOffset += deltaIdx
	s.offsetChangeWaitBlocks = int(math.Ceil(float64(s.calibrationMaxBlockN) * 1.2))
	s.applyIndexOffset = (s.indexOffset > 0 && s.strategies.Has(ShiftTimestampsBwd)) ||
		(s.indexOffset < 0 && s.strategies.Has(ShiftTimestampsFwd))

	s.log.Info("Index offset changed, timestamps are discontinuous from here",
		"from", prevOffset, "to", s.indexOffset, "leadUsec", secondaryLead, "applied", s.applyIndexOffset)

	applied := int64(0)
	if wasApplied {
		applied = prevOffset
	}
	target := int64(0)
	if s.applyIndexOffset {
		target = s.indexOffset
	}
	rampIndexOffset(idxTimestamps, target-applied)

	s.writeTimes(masterAssumedAcqTS, round64(float64(lastIdxUnadjusted+1)*s.timePerPointUs))
}

// MasterTimestamps converts adjusted sample indices into master clock
// timestamps. The result is appended to dst[:0].
func (s *FreqCounterSynchronizer) MasterTimestamps(idx []int64, dst []int64) []int64 {
	dst = dst[:0]
	for _, i := range idx {
		dst = append(dst, round64(float64(i+1)*s.timePerPointUs)+s.expectedOffset)
	}
	return dst
}

// rampIndexOffset subtracts delta from the block, growing linearly from
// nothing at the first sample to the full amount at the last
func rampIndexOffset(idx []int64, delta int64) {
	if delta == 0 {
		return
	}
	n := len(idx)
	if n == 1 {
		idx[0] -= delta
		return
	}
	for i := range idx {
		idx[i] -= round64(float64(delta) * float64(i) / float64(n-1))
	}
}

func (s *FreqCounterSynchronizer) checkConfigurable(what string) error {
	if s.haveExpectedOffset {
		s.log.Info("Warning: rejected configuration change on a calibrated synchronizer", "setting", what)
		return ErrSynchronizerActive
	}
	return nil
}

func (s *FreqCounterSynchronizer) writeTimes(master, secondary int64) {
	if !s.strategies.Has(WriteTSyncFile) || !s.tswriter.IsOpen() {
		return
	}
	if err := s.tswriter.WriteTimes(master, secondary); err != nil {
		s.log.Error(err, "Unable to write tsync data, further sync points are only kept in memory")
		_ = s.tswriter.Close()
	}
}

func (s *FreqCounterSynchronizer) emitSyncDetailsChanged() {
	if s.detailsChangeFn != nil {
		s.detailsChangeFn(s.id, s.strategies, s.Tolerance())
	}
}

func (s *FreqCounterSynchronizer) emitOffsetChanged(offset int64) {
	if s.offsetChangeFn != nil {
		s.offsetChangeFn(s.id, offset)
	}
}
