// ABOUTME: Monitor protocol message type definitions
// ABOUTME: JSON messages exchanged between the sync monitor and its watchers
package protocol

import (
	"time"

	"github.com/syntalos/tsync-go/pkg/timesync"
)

// Version of the monitor protocol
const Version = 1

// WebSocket endpoint served by the monitor
const Path = "/tsync"

// Message types
const (
	TypeClientHello   = "client/hello"
	TypeServerHello   = "server/hello"
	TypeServerError   = "server/error"
	TypeSnapshot      = "sync/snapshot"
	TypeSyncDetails   = "sync/details"
	TypeSyncOffset    = "sync/offset"
	TypeClientRequest = "client/snapshot"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientHello is sent by watchers to initiate the handshake
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello is the monitor's response to client/hello
type ServerHello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Software string `json:"software"`
}

// ServerError reports why a connection is refused
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SyncState is the last known state of one synchronizer
type SyncState struct {
	Module         string   `json:"module"`
	ID             string   `json:"id"`
	Strategies     []string `json:"strategies"`
	StrategiesText string   `json:"strategies_text"`
	ToleranceUsec  int64    `json:"tolerance_usec"`
	OffsetUsec     int64    `json:"offset_usec"`
	Updated        int64    `json:"updated"` // unix milliseconds
}

// Key identifies the synchronizer a state belongs to
func (s SyncState) Key() string {
	return s.Module + "/" + s.ID
}

// WithinTolerance reports whether the last offset lies inside the tolerance window
func (s SyncState) WithinTolerance() bool {
	off := s.OffsetUsec
	if off < 0 {
		off = -off
	}
	return off <= s.ToleranceUsec
}

// Apply folds a synchronizer event into the state
func (s *SyncState) Apply(ev timesync.Event) {
	s.Module = ev.Module
	s.ID = ev.ID
	switch ev.Kind {
	case timesync.EventDetailsChanged:
		s.Strategies = ev.Strategies.Names()
		s.StrategiesText = ev.Strategies.String()
		s.ToleranceUsec = ev.Tolerance.Microseconds()
	case timesync.EventOffsetChanged:
		s.OffsetUsec = ev.Offset
	}
	t := ev.Time
	if t.IsZero() {
		t = time.Now()
	}
	s.Updated = t.UnixMilli()
}

// Snapshot carries every known synchronizer state
type Snapshot struct {
	Name  string      `json:"name"`
	Syncs []SyncState `json:"syncs"`
}
