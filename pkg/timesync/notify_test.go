// ABOUTME: Tests for the channel-based event notifier
// ABOUTME: Verifies tagging, non-blocking delivery and close behaviour
package timesync

import (
	"testing"
	"time"

	"github.com/syntalos/tsync-go/pkg/clock"
)

func TestEventNotifierDelivers(t *testing.T) {
	n := NewEventNotifier(8)
	details, offset := n.Bind("camera")

	details("ab12", NewStrategies(ShiftTimestampsFwd), 2*time.Millisecond)
	offset("ab12", -300)

	ev := <-n.Events()
	if ev.Kind != EventDetailsChanged || ev.Module != "camera" || ev.ID != "ab12" {
		t.Errorf("unexpected details event %+v", ev)
	}
	if ev.Tolerance != 2*time.Millisecond || !ev.Strategies.Has(ShiftTimestampsFwd) {
		t.Errorf("unexpected details payload %+v", ev)
	}

	ev = <-n.Events()
	if ev.Kind != EventOffsetChanged || ev.Offset != -300 {
		t.Errorf("unexpected offset event %+v", ev)
	}
}

func TestEventNotifierNeverBlocks(t *testing.T) {
	n := NewEventNotifier(2)
	_, offset := n.Bind("daq")

	for i := 0; i < 5; i++ {
		offset("x", int64(i))
	}

	if n.Dropped() != 3 {
		t.Errorf("expected 3 dropped events, got %d", n.Dropped())
	}
}

func TestEventNotifierClose(t *testing.T) {
	n := NewEventNotifier(2)
	_, offset := n.Bind("daq")

	n.Close()
	n.Close()
	offset("x", 1)

	if _, ok := <-n.Events(); ok {
		t.Error("expected closed channel")
	}
}

func TestEventNotifierAttach(t *testing.T) {
	n := NewEventNotifier(8)
	s := NewSecondaryClockSynchronizer(clock.NewManual(0), "camera", "cam1")

	n.Attach("camera", s)

	ev := <-n.Events()
	if ev.Kind != EventDetailsChanged || ev.ID != "cam1" {
		t.Errorf("expected details on attach, got %+v", ev)
	}
}
