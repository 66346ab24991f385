// ABOUTME: Tests for the watch command
// ABOUTME: Follows an in-process monitor in plain mode
package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/syntalos/tsync-go/internal/monitor"
	"github.com/syntalos/tsync-go/internal/protocol"
	"github.com/syntalos/tsync-go/pkg/timesync"
)

type lineWriter struct {
	ch chan string
}

func (b *lineWriter) Write(p []byte) (int, error) {
	b.ch <- string(p)
	return len(p), nil
}

func TestWatchPlain(t *testing.T) {
	hub := monitor.New(monitor.Config{Name: "lab"}, logr.Discard())
	hub.Publish(timesync.Event{
		Kind:       timesync.EventDetailsChanged,
		Module:     "camera",
		ID:         "ab12",
		Strategies: timesync.NewStrategies(timesync.ShiftTimestampsFwd),
		Tolerance:  time.Millisecond,
	})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	out := &lineWriter{ch: make(chan string, 16)}
	app := newApp()
	app.Writer = out
	app.ErrWriter = out

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.RunContext(ctx, []string{"tsyncctl", "watch", "--plain", "--server", strings.TrimPrefix(srv.URL, "http://")})
	}()

	select {
	case line := <-out.ch:
		if !strings.Contains(line, "camera/ab12") || !strings.Contains(line, "tolerance=1000us") {
			t.Errorf("unexpected snapshot line %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot line")
	}

	hub.Publish(timesync.Event{Kind: timesync.EventOffsetChanged, Module: "camera", ID: "ab12", Offset: 3000})
	select {
	case line := <-out.ch:
		if !strings.Contains(line, "offset=3000us") || !strings.Contains(line, "OUT") {
			t.Errorf("unexpected update line %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update line")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean exit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestFormatState(t *testing.T) {
	line := formatState("offset", protocol.SyncState{Module: "daq", ID: "x", ToleranceUsec: 500, OffsetUsec: -200})
	if !strings.Contains(line, "daq/x") || !strings.Contains(line, " ok ") {
		t.Errorf("unexpected line %q", line)
	}
}
