// ABOUTME: Tests for the frequency counter synchronizer
// ABOUTME: Covers block timing, calibration, index offset stability and stop behaviour
package timesync

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/syntalos/tsync-go/pkg/clock"
	"github.com/syntalos/tsync-go/pkg/tsyncfile"
)

const testBlockSize = 10

func newCounter(t *testing.T, calibrationBlocks int, strategies ...Strategy) (*FreqCounterSynchronizer, *notifyRecorder) {
	t.Helper()

	s := NewFreqCounterSynchronizer(clock.NewManual(0), "daq", 1000, "")
	rec := &notifyRecorder{}
	rec.attach(s)

	if len(strategies) > 0 {
		if err := s.SetStrategies(NewStrategies(strategies...)); err != nil {
			t.Fatalf("set strategies failed: %v", err)
		}
	}
	if err := s.SetCalibrationBlocksCount(calibrationBlocks); err != nil {
		t.Fatalf("set calibration count failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return s, rec
}

// counterBlock returns the indices of block k, shifted by skew samples,
// and the master time the block was received at
func counterBlock(k int, skew int64, masterOffset int64) ([]int64, int64) {
	idx := make([]int64, testBlockSize)
	first := int64(k)*testBlockSize + skew
	for i := range idx {
		idx[i] = first + int64(i)
	}
	recv := int64(k+1)*testBlockSize*1000 + masterOffset
	return idx, recv
}

func TestFreqCounterStartFailsOnInvalidFrequency(t *testing.T) {
	for _, freq := range []float64{0, -5} {
		s := NewFreqCounterSynchronizer(clock.NewManual(0), "daq", freq, "")

		if err := s.Start(); !errors.Is(err, ErrInvalidFrequency) {
			t.Errorf("freq %v: expected ErrInvalidFrequency, got %v", freq, err)
		}

		idx, recv := counterBlock(0, 0, 0)
		s.ProcessTimestamps(recv, 0, 1, idx)
		if idx[0] != 0 || idx[testBlockSize-1] != testBlockSize-1 {
			t.Errorf("freq %v: expected block to be left alone, got %v", freq, idx)
		}
		if s.LastMasterAssumedAcqTS() != 0 || s.IsCalibrated() {
			t.Errorf("freq %v: expected no block to be processed", freq)
		}
	}
}

func TestFreqCounterCalibrationBlocksDefault(t *testing.T) {
	s := NewFreqCounterSynchronizer(clock.NewManual(0), "daq", 1000, "")
	if err := s.SetCalibrationBlocksCount(0); err != nil {
		t.Fatal(err)
	}
	if s.calibrationMaxBlockN != DefaultCalibrationBlocks {
		t.Errorf("expected default of %d blocks, got %d", DefaultCalibrationBlocks, s.calibrationMaxBlockN)
	}
}

func TestFreqCounterBlockTiming(t *testing.T) {
	s, _ := newCounter(t, 10)

	idx := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	s.ProcessTimestamps(100000, 0, 3, idx)
	if got := s.LastMasterAssumedAcqTS(); got != 80000 {
		t.Errorf("expected first of three blocks at 80000, got %d", got)
	}

	idx = []int64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	s.ProcessTimestamps(100000, 1, 3, idx)
	if got := s.LastMasterAssumedAcqTS(); got != 90000 {
		t.Errorf("expected second of three blocks at 90000, got %d", got)
	}
}

func TestFreqCounterCalibration(t *testing.T) {
	s, rec := newCounter(t, 10)

	var idx []int64
	var recv int64
	for k := 0; k < 10; k++ {
		if s.IsCalibrated() {
			t.Fatalf("calibrated too early at block %d", k)
		}
		idx, recv = counterBlock(k, 0, 3000)
		s.ProcessTimestamps(recv, 0, 1, idx)
	}

	if !s.IsCalibrated() {
		t.Fatal("expected calibration after 10 blocks")
	}
	if got := s.ExpectedOffsetToMaster(); got != 3000 {
		t.Errorf("expected offset 3000, got %d", got)
	}
	if len(rec.offsets) != 1 {
		t.Errorf("expected one offset notification at calibration, got %d", len(rec.offsets))
	}

	ts := s.MasterTimestamps(idx, nil)
	if ts[len(ts)-1] != recv {
		t.Errorf("expected last sample to map to receipt time %d, got %d", recv, ts[len(ts)-1])
	}
	if ts[1]-ts[0] != 1000 {
		t.Errorf("expected 1000us between samples, got %d", ts[1]-ts[0])
	}
}

func TestFreqCounterStableWithinTolerance(t *testing.T) {
	s, _ := newCounter(t, 10)

	for k := 0; k < 300; k++ {
		jitter := int64((k*37)%801) - 400
		idx, recv := counterBlock(k, 0, 3000+jitter)
		want := idx[0]
		s.ProcessTimestamps(recv, 0, 1, idx)

		if idx[0] != want {
			t.Fatalf("block %d: indices altered within tolerance", k)
		}
		if s.IndexOffset() != 0 {
			t.Fatalf("block %d: expected index offset 0, got %d", k, s.IndexOffset())
		}
	}
}

func TestFreqCounterIndexOffsetConverges(t *testing.T) {
	s, rec := newCounter(t, 10)

	var lastIdx int64 = -1
	var offsets []int64
	for k := 0; k < 300; k++ {
		var skew int64
		if k >= 20 {
			// the device suddenly counts five samples ahead
			skew = 5
		}
		idx, recv := counterBlock(k, skew, 0)
		s.ProcessTimestamps(recv, 0, 1, idx)

		for _, v := range idx {
			if v < lastIdx {
				t.Fatalf("block %d: adjusted indices went backwards: %d < %d", k, v, lastIdx)
			}
			lastIdx = v
		}
		offsets = append(offsets, s.IndexOffset())
	}

	if got := s.IndexOffset(); got != 4 {
		t.Errorf("expected index offset to settle at 4, got %d", got)
	}
	for k := 200; k < 300; k++ {
		if offsets[k] != offsets[199] {
			t.Fatalf("index offset changed at block %d after settling", k)
		}
	}
	if len(rec.offsets) < 2 {
		t.Errorf("expected a notification when leaving tolerance, got %d", len(rec.offsets))
	}
}

func TestFreqCounterRespectsDirection(t *testing.T) {
	s, _ := newCounter(t, 10, ShiftTimestampsBwd)

	for k := 0; k < 300; k++ {
		var skew int64
		if k >= 20 {
			// the device falls behind, which would need a forward shift
			skew = -5
		}
		idx, recv := counterBlock(k, skew, 0)
		want := append([]int64(nil), idx...)
		s.ProcessTimestamps(recv, 0, 1, idx)

		for i := range idx {
			if idx[i] != want[i] {
				t.Fatalf("block %d: indices shifted forward without permission", k)
			}
		}
	}

	if s.IndexOffset() >= 0 {
		t.Errorf("expected a negative tracked index offset, got %d", s.IndexOffset())
	}
}

func TestFreqCounterIgnoresInvalidBlocks(t *testing.T) {
	s, _ := newCounter(t, 10)

	s.ProcessTimestamps(1000, 0, 0, []int64{1, 2})
	s.ProcessTimestamps(1000, 2, 2, []int64{1, 2})
	s.ProcessTimestamps(1000, -1, 2, []int64{1, 2})
	s.ProcessTimestamps(1000, 0, 1, nil)

	if s.LastMasterAssumedAcqTS() != 0 {
		t.Errorf("expected invalid blocks to be ignored, got %d", s.LastMasterAssumedAcqTS())
	}

	// going backwards is only logged
	idx, recv := counterBlock(5, 0, 0)
	s.ProcessTimestamps(recv, 0, 1, idx)
	idx, recv = counterBlock(2, 0, 0)
	s.ProcessTimestamps(recv, 0, 1, idx)
	if s.LastMasterAssumedAcqTS() != recv {
		t.Errorf("expected non-monotonic block to be processed, got %d", s.LastMasterAssumedAcqTS())
	}
}

func TestFreqCounterRejectsConfigAfterCalibration(t *testing.T) {
	s, _ := newCounter(t, 3)
	for k := 0; k < 3; k++ {
		idx, recv := counterBlock(k, 0, 0)
		s.ProcessTimestamps(recv, 0, 1, idx)
	}

	if err := s.SetTolerance(time.Second); !errors.Is(err, ErrSynchronizerActive) {
		t.Errorf("expected ErrSynchronizerActive, got %v", err)
	}
	if err := s.SetCalibrationBlocksCount(5); !errors.Is(err, ErrSynchronizerActive) {
		t.Errorf("expected ErrSynchronizerActive, got %v", err)
	}

	SafeStop(s)
	if err := s.Start(); !errors.Is(err, ErrSynchronizerUsed) {
		t.Errorf("expected ErrSynchronizerUsed, got %v", err)
	}
}

func TestFreqCounterWritesTSyncFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "daq")

	s := NewFreqCounterSynchronizer(clock.NewManual(0), "daq", 1000, "")
	if err := s.SetTimeSyncBasename(base, uuid.New()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCalibrationBlocksCount(10); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var recv int64
	for k := 0; k < 120; k++ {
		var skew int64
		if k >= 20 {
			skew = 5
		}
		var idx []int64
		idx, recv = counterBlock(k, skew, 2000)
		s.ProcessTimestamps(recv, 0, 1, idx)
	}

	lastValid := recv - 5000
	SafeStopWithLastValid(s, lastValid)

	_, recs, err := tsyncfile.ReadFile(base + tsyncfile.Extension)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(recs) < 3 {
		t.Fatalf("expected calibration, correction and final pairs, got %d", len(recs))
	}
	if recs[0] != (tsyncfile.Record{Master: 2000, Secondary: 0}) {
		t.Errorf("expected calibration pair first, got %+v", recs[0])
	}
	if last := recs[len(recs)-1]; last.Master != lastValid {
		t.Errorf("expected final pair clipped to %d, got %+v", lastValid, last)
	}
}

func TestSafeStopNil(t *testing.T) {
	SafeStop(nil)

	var fc *FreqCounterSynchronizer
	SafeStop(fc)
	SafeStopWithLastValid(fc, 10)

	var sc *SecondaryClockSynchronizer
	SafeStop(sc)
}

func TestFreqCounterStartNeedsMasterClock(t *testing.T) {
	s := NewFreqCounterSynchronizer(nil, "daq", 1000, "")

	if err := s.Start(); !errors.Is(err, ErrNoMasterClock) {
		t.Errorf("expected ErrNoMasterClock, got %v", err)
	}
}

func TestFreqCounterBaselineFromMasterClock(t *testing.T) {
	s := NewFreqCounterSynchronizer(clock.NewManual(7000), "daq", 1000, "")
	if got := s.LastMasterAssumedAcqTS(); got != 0 {
		t.Errorf("expected 0 before start, got %d", got)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := s.LastMasterAssumedAcqTS(); got != 7000 {
		t.Errorf("expected start time 7000 before the first block, got %d", got)
	}

	idx, recv := counterBlock(1, 0, 0)
	s.ProcessTimestamps(recv, 0, 1, idx)
	if got := s.LastMasterAssumedAcqTS(); got != recv {
		t.Errorf("expected %d after the first block, got %d", recv, got)
	}
}

func TestFreqCounterBasenameFixedAfterCalibration(t *testing.T) {
	base := filepath.Join(t.TempDir(), "daq")

	s := NewFreqCounterSynchronizer(clock.NewManual(0), "daq", 1000, "")
	if err := s.SetTimeSyncBasename(base, uuid.New()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCalibrationBlocksCount(3); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for k := 0; k < 5; k++ {
		idx, recv := counterBlock(k, 0, 2000)
		s.ProcessTimestamps(recv, 0, 1, idx)
	}

	if err := s.SetTimeSyncBasename("", uuid.Nil); !errors.Is(err, ErrSynchronizerActive) {
		t.Errorf("expected ErrSynchronizerActive, got %v", err)
	}
	if !s.Strategies().Has(WriteTSyncFile) {
		t.Error("expected tsync strategy to stay enabled")
	}
	s.Stop()

	_, recs, err := tsyncfile.ReadFile(base + tsyncfile.Extension)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected calibration and final pairs, got %d", len(recs))
	}
	if last := recs[1]; last.Secondary != 5*testBlockSize*1000 {
		t.Errorf("expected the final pair at the last sample, got %+v", last)
	}
}

func TestFreqCounterKeepsRunningAfterWriteFailure(t *testing.T) {
	base := fullDiskBasename(t)

	s := NewFreqCounterSynchronizer(clock.NewManual(0), "daq", 1000, "")
	if err := s.SetTimeSyncBasename(base, uuid.New()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCalibrationBlocksCount(10); err != nil {
		t.Fatal(err)
	}
	s.tswriter.SetFlushInterval(time.Nanosecond)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var lastIdx int64 = -1
	for k := 0; k < 300; k++ {
		var skew int64
		if k >= 20 {
			skew = 5
		}
		idx, recv := counterBlock(k, skew, 0)
		s.ProcessTimestamps(recv, 0, 1, idx)

		for _, v := range idx {
			if v < lastIdx {
				t.Fatalf("block %d: adjusted indices went backwards: %d < %d", k, v, lastIdx)
			}
			lastIdx = v
		}
		if k == 10 && s.tswriter.IsOpen() {
			t.Error("expected the tsync file to be closed after the failed write")
		}
	}

	if !s.IsCalibrated() {
		t.Fatal("expected calibration to complete without a tsync file")
	}
	if got := s.IndexOffset(); got != 4 {
		t.Errorf("expected index offset to settle at 4, got %d", got)
	}

	SafeStopWithLastValid(s, 0)
	s.Stop()
}
