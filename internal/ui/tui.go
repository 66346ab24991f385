// ABOUTME: Dashboard program wrapper
// ABOUTME: Runs the bubbletea program and feeds it updates from other goroutines
package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard manages the TUI program
type Dashboard struct {
	program  *tea.Program
	updates  chan tea.Msg
	quitChan chan struct{}

	mu      sync.RWMutex
	stopped bool
}

// NewDashboard creates a dashboard with the given title
func NewDashboard(title string, opts ...tea.ProgramOption) *Dashboard {
	d := &Dashboard{
		updates:  make(chan tea.Msg, 64),
		quitChan: make(chan struct{}, 1),
	}
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	d.program = tea.NewProgram(NewModel(title, d.quitChan), opts...)

	go func() {
		for msg := range d.updates {
			d.program.Send(msg)
		}
	}()

	return d
}

// Run blocks until the dashboard exits
func (d *Dashboard) Run() error {
	_, err := d.program.Run()
	return err
}

// Send queues an update without blocking
func (d *Dashboard) Send(msg tea.Msg) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return
	}
	select {
	case d.updates <- msg:
	default:
	}
}

// Stop quits the program
func (d *Dashboard) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	d.program.Quit()
	close(d.updates)
}

// QuitChan signals when the user asked to quit
func (d *Dashboard) QuitChan() <-chan struct{} {
	return d.quitChan
}
