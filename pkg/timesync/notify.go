// ABOUTME: Synchronizer notifications
// ABOUTME: Callback types and a channel-based notifier for cross-goroutine delivery
package timesync

import (
	"sync"
	"sync/atomic"
	"time"
)

// SyncDetailsChangeNotifyFn is called when strategies or tolerance change
type SyncDetailsChangeNotifyFn func(id string, strategies Strategies, tolerance time.Duration)

// OffsetChangeNotifyFn is called with the current deviation from the expected offset in µs
type OffsetChangeNotifyFn func(id string, currentOffset int64)

// EventKind distinguishes notification events
type EventKind int

const (
	// EventDetailsChanged carries new strategies and tolerance
	EventDetailsChanged EventKind = iota
	// EventOffsetChanged carries the current offset deviation
	EventOffsetChanged
)

func (k EventKind) String() string {
	switch k {
	case EventDetailsChanged:
		return "details"
	case EventOffsetChanged:
		return "offset"
	default:
		return "unknown"
	}
}

// Event is a notification handed off to another goroutine
type Event struct {
	Kind       EventKind
	Module     string
	ID         string
	Strategies Strategies
	Tolerance  time.Duration
	Offset     int64
	Time       time.Time
}

// EventNotifier forwards synchronizer callbacks onto a channel.
// Sends never block the capture goroutine; events are dropped when the
// channel is full.
type EventNotifier struct {
	events    chan Event
	dropped   atomic.Int64
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewEventNotifier creates a notifier with the given channel capacity
func NewEventNotifier(buffer int) *EventNotifier {
	if buffer < 1 {
		buffer = 64
	}
	return &EventNotifier{events: make(chan Event, buffer)}
}

// Events returns the channel events are delivered on
func (n *EventNotifier) Events() <-chan Event {
	return n.events
}

// Dropped returns how many events were discarded because the channel was full
func (n *EventNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Bind returns callbacks that tag events with the given module name
func (n *EventNotifier) Bind(module string) (SyncDetailsChangeNotifyFn, OffsetChangeNotifyFn) {
	details := func(id string, strategies Strategies, tolerance time.Duration) {
		n.send(Event{
			Kind:       EventDetailsChanged,
			Module:     module,
			ID:         id,
			Strategies: strategies,
			Tolerance:  tolerance,
			Time:       time.Now(),
		})
	}
	offset := func(id string, currentOffset int64) {
		n.send(Event{
			Kind:   EventOffsetChanged,
			Module: module,
			ID:     id,
			Offset: currentOffset,
			Time:   time.Now(),
		})
	}
	return details, offset
}

// Attach registers the notifier's callbacks on s
func (n *EventNotifier) Attach(module string, s interface {
	SetNotifyCallbacks(SyncDetailsChangeNotifyFn, OffsetChangeNotifyFn)
}) {
	s.SetNotifyCallbacks(n.Bind(module))
}

// Close closes the event channel. Later notifications are discarded.
func (n *EventNotifier) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.events)
		n.mu.Unlock()
	})
}

func (n *EventNotifier) send(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
		n.dropped.Add(1)
	}
}
