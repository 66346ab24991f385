// ABOUTME: Tests for strategy flags and sets
// ABOUTME: Verifies set operations, descriptions and config name parsing
package timesync

import (
	"errors"
	"testing"
)

func TestStrategiesSetOperations(t *testing.T) {
	s := NewStrategies(ShiftTimestampsFwd, WriteTSyncFile)

	if !s.Has(ShiftTimestampsFwd) || !s.Has(WriteTSyncFile) {
		t.Error("expected fwd and tsync to be set")
	}
	if s.Has(ShiftTimestampsBwd) {
		t.Error("expected bwd to not be set")
	}
	if s.Has(StrategyNone) {
		t.Error("StrategyNone should never be contained")
	}

	s = s.Without(WriteTSyncFile).With(AdjustClock)
	if s.Has(WriteTSyncFile) || !s.Has(AdjustClock) {
		t.Errorf("unexpected set after With/Without: %v", s.List())
	}

	s = s.Set(ShiftTimestampsFwd, false)
	if s.Has(ShiftTimestampsFwd) {
		t.Error("expected fwd to be cleared")
	}

	if !NewStrategies().IsEmpty() {
		t.Error("expected empty set")
	}
}

func TestStrategiesString(t *testing.T) {
	tests := []struct {
		set  Strategies
		want string
	}{
		{NewStrategies(), "none"},
		{NewStrategies(ShiftTimestampsFwd), "shift timestamps (fwd)"},
		{NewStrategies(ShiftTimestampsBwd), "shift timestamps (bwd)"},
		{NewStrategies(ShiftTimestampsFwd, ShiftTimestampsBwd), "shift timestamps"},
		{NewStrategies(ShiftTimestampsFwd, WriteTSyncFile), "shift timestamps (fwd) and write time-sync file"},
		{NewStrategies(AdjustClock, WriteTSyncFile), "align secondary clock and write time-sync file"},
	}

	for _, tt := range tests {
		if got := tt.set.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestParseStrategies(t *testing.T) {
	s, err := ParseStrategies([]string{"shift-fwd", "SHIFT_TIMESTAMPS_BWD", "write_tsync"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Has(ShiftTimestampsFwd) || !s.Has(ShiftTimestampsBwd) || !s.Has(WriteTSyncFile) {
		t.Errorf("unexpected set %v", s.List())
	}

	if _, err := ParseStrategies([]string{"teleport"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStrategiesTextRoundTrip(t *testing.T) {
	in := NewStrategies(ShiftTimestampsBwd, AdjustClock)

	text, err := in.MarshalText()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(text) != "shift-bwd,adjust-clock" {
		t.Errorf("unexpected text %q", text)
	}

	var out Strategies
	if err := out.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Errorf("expected %v, got %v", in.List(), out.List())
	}
}
