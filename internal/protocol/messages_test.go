// ABOUTME: Tests for monitor protocol helpers
// ABOUTME: Checks how synchronizer events fold into a sync state
package protocol

import (
	"testing"
	"time"

	"github.com/syntalos/tsync-go/pkg/timesync"
)

func TestApplyDetailsThenOffset(t *testing.T) {
	var s SyncState
	now := time.UnixMilli(1700000000000)

	s.Apply(timesync.Event{
		Kind:       timesync.EventDetailsChanged,
		Module:     "camera",
		ID:         "x1y2",
		Strategies: timesync.NewStrategies(timesync.ShiftTimestampsFwd, timesync.ShiftTimestampsBwd),
		Tolerance:  1500 * time.Microsecond,
		Time:       now,
	})
	if s.Key() != "camera/x1y2" {
		t.Errorf("expected key camera/x1y2, got %s", s.Key())
	}
	if s.StrategiesText != "shift timestamps" {
		t.Errorf("expected collapsed strategy text, got %q", s.StrategiesText)
	}
	if len(s.Strategies) != 2 || s.Strategies[0] != "shift-fwd" {
		t.Errorf("expected strategy names, got %v", s.Strategies)
	}
	if s.Updated != now.UnixMilli() {
		t.Errorf("expected updated %d, got %d", now.UnixMilli(), s.Updated)
	}

	s.Apply(timesync.Event{Kind: timesync.EventOffsetChanged, Module: "camera", ID: "x1y2", Offset: -1500})
	if s.ToleranceUsec != 1500 {
		t.Errorf("expected tolerance to be kept, got %d", s.ToleranceUsec)
	}
	if !s.WithinTolerance() {
		t.Error("expected offset on the tolerance boundary to be within tolerance")
	}

	s.Apply(timesync.Event{Kind: timesync.EventOffsetChanged, Module: "camera", ID: "x1y2", Offset: 1501})
	if s.WithinTolerance() {
		t.Error("expected offset beyond tolerance to be reported")
	}
}
