// ABOUTME: Tests for the dashboard model
// ABOUTME: Tests state updates, key handling and rendering
package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/syntalos/tsync-go/internal/protocol"
)

func state(module string, tol, off int64) protocol.SyncState {
	return protocol.SyncState{
		Module:         module,
		ID:             "ab12",
		StrategiesText: "shift timestamps (fwd)",
		ToleranceUsec:  tol,
		OffsetUsec:     off,
	}
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestNewModel(t *testing.T) {
	model := NewModel("Timings", nil)

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if len(model.syncs) != 0 {
		t.Errorf("expected no synchronizers, got %d", len(model.syncs))
	}
	if model.showDebug {
		t.Error("expected showDebug to be false initially")
	}
}

func TestSyncMsgReplacesRow(t *testing.T) {
	model := NewModel("Timings", nil)

	model = update(model, SyncMsg(state("camera", 1000, 200)))
	model = update(model, SyncMsg(state("camera", 1000, 5000)))

	if len(model.syncs) != 1 {
		t.Fatalf("expected one row, got %d", len(model.syncs))
	}
	if model.syncs["camera/ab12"].OffsetUsec != 5000 {
		t.Errorf("expected offset 5000, got %d", model.syncs["camera/ab12"].OffsetUsec)
	}
	if model.OutOfTolerance() != 1 {
		t.Errorf("expected one synchronizer out of tolerance, got %d", model.OutOfTolerance())
	}
}

func TestSnapshotMsgReplacesAll(t *testing.T) {
	model := NewModel("Timings", nil)
	model = update(model, SyncMsg(state("old", 1000, 0)))

	model = update(model, SnapshotMsg(protocol.Snapshot{
		Name:  "lab",
		Syncs: []protocol.SyncState{state("camera", 1000, 0), state("daq", 500, 100)},
	}))

	if _, ok := model.syncs["old/ab12"]; ok {
		t.Error("expected snapshot to drop unknown rows")
	}
	rows := model.sortedSyncs()
	if len(rows) != 2 || rows[0].Module != "camera" || rows[1].Module != "daq" {
		t.Errorf("expected sorted rows camera, daq, got %+v", rows)
	}
	if model.source != "lab" {
		t.Errorf("expected source lab, got %q", model.source)
	}
}

func TestStatusMsg(t *testing.T) {
	model := NewModel("Timings", nil)

	connected := true
	model = update(model, StatusMsg{Connected: &connected, Source: "localhost:8928"})
	if !model.connected || model.source != "localhost:8928" {
		t.Errorf("expected connected to localhost:8928, got %v %q", model.connected, model.source)
	}

	disconnected := false
	model = update(model, StatusMsg{Connected: &disconnected})
	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
	if model.source != "localhost:8928" {
		t.Error("expected source to be kept")
	}
}

func TestModulesMsg(t *testing.T) {
	model := NewModel("Timings", nil)
	mods := []ModuleInfo{{Name: "camera", Kind: "clock", Samples: 10, Calibrated: true}}

	model = update(model, ModulesMsg(mods))
	mods[0].Samples = 99

	if model.modules[0].Samples != 10 {
		t.Error("expected model to keep its own copy of module stats")
	}
}

func TestKeyHandling(t *testing.T) {
	quit := make(chan struct{}, 1)
	model := NewModel("Timings", quit)

	model = update(model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	if !model.showDebug {
		t.Error("expected d to toggle details")
	}

	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Error("expected quit command")
	}
	if !next.(Model).quitting {
		t.Error("expected model to be quitting")
	}
	select {
	case <-quit:
	default:
		t.Error("expected quit signal")
	}
}

func TestView(t *testing.T) {
	model := NewModel("Timings", nil)
	if !strings.Contains(model.View(), "Waiting for synchronizers") {
		t.Error("expected placeholder without synchronizers")
	}

	model = update(model, SyncMsg(state("camera", 1000, 200)))
	model = update(model, SyncMsg(state("daq", 1000, -2500)))
	model = update(model, ModulesMsg{{Name: "camera", Kind: "clock", Samples: 42}})
	model = update(model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})

	view := model.View()
	for _, want := range []string{"camera", "daq", "200µs", "-2.50ms", "out of tolerance", "samples: 42", "shift timestamps (fwd)"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestFormatUsec(t *testing.T) {
	cases := map[int64]string{
		0:        "0µs",
		-999:     "-999µs",
		1500:     "1.50ms",
		2500000:  "2.500s",
		-1000000: "-1.000s",
	}
	for in, want := range cases {
		if got := formatUsec(in); got != want {
			t.Errorf("formatUsec(%d): expected %s, got %s", in, want, got)
		}
	}
}
