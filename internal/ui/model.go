// ABOUTME: Bubbletea model for the synchronizer dashboard
// ABOUTME: Keeps per-synchronizer tolerance and offset state plus module statistics
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/syntalos/tsync-go/internal/protocol"
)

// ModuleInfo is what the dashboard shows about one acquisition module
type ModuleInfo struct {
	Name           string
	Kind           string
	Samples        int64
	Backwards      int64
	Calibrated     bool
	ExpectedOffset int64
	IndexOffset    int64
	CorrectionUsec int64
}

// SyncMsg updates a single synchronizer row
type SyncMsg protocol.SyncState

// SnapshotMsg replaces all synchronizer rows
type SnapshotMsg protocol.Snapshot

// ModulesMsg replaces the module statistics
type ModulesMsg []ModuleInfo

// StatusMsg updates the connection line
type StatusMsg struct {
	Connected *bool
	Source    string
}

type tickMsg time.Time

// Model represents the dashboard state
type Model struct {
	title     string
	source    string
	connected bool

	syncs   map[string]protocol.SyncState
	modules []ModuleInfo

	startTime time.Time
	showDebug bool
	quitting  bool
	quitChan  chan struct{}

	width  int
	height int
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
)

// NewModel creates a dashboard model
func NewModel(title string, quitChan chan struct{}) Model {
	return Model{
		title:     title,
		syncs:     make(map[string]protocol.SyncState),
		startTime: time.Now(),
		quitChan:  quitChan,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tickEvery()
	case SyncMsg:
		m.applySync(protocol.SyncState(msg))
	case SnapshotMsg:
		m.applySnapshot(protocol.Snapshot(msg))
	case ModulesMsg:
		m.modules = append([]ModuleInfo(nil), msg...)
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		if m.quitChan != nil {
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}
	return m, nil
}

func (m *Model) applySync(s protocol.SyncState) {
	if m.syncs == nil {
		m.syncs = make(map[string]protocol.SyncState)
	}
	m.syncs[s.Key()] = s
}

func (m *Model) applySnapshot(snap protocol.Snapshot) {
	m.syncs = make(map[string]protocol.SyncState, len(snap.Syncs))
	for _, s := range snap.Syncs {
		m.syncs[s.Key()] = s
	}
	if snap.Name != "" && m.source == "" {
		m.source = snap.Name
	}
}

func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Source != "" {
		m.source = msg.Source
	}
}

// sortedSyncs returns the rows ordered by module and id
func (m Model) sortedSyncs() []protocol.SyncState {
	rows := make([]protocol.SyncState, 0, len(m.syncs))
	for _, s := range m.syncs {
		rows = append(rows, s)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key() < rows[j].Key()
	})
	return rows
}

// OutOfTolerance returns how many synchronizers currently exceed their tolerance
func (m Model) OutOfTolerance() int {
	n := 0
	for _, s := range m.syncs {
		if !s.WithinTolerance() {
			n++
		}
	}
	return n
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	if m.source != "" {
		status := "disconnected"
		if m.connected {
			status = "connected"
		}
		b.WriteString(headerStyle.Render("Source: "))
		b.WriteString(valueStyle.Render(fmt.Sprintf("%s (%s)", m.source, status)))
		b.WriteString("\n")
	}

	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n\n")

	b.WriteString(m.renderSyncs())
	if len(m.modules) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderModules())
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("d: details  q: quit"))
	return b.String()
}

func (m Model) renderSyncs() string {
	var b strings.Builder
	rows := m.sortedSyncs()

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Synchronizers (%d)", len(rows))))
	b.WriteString("\n\n")

	if len(rows) == 0 {
		b.WriteString(valueStyle.Render("  Waiting for synchronizers"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-16s %-6s %12s %12s  %s", "MODULE", "ID", "TOLERANCE", "OFFSET", "STATE")))
	b.WriteString("\n")
	for _, s := range rows {
		state := okStyle.Render("ok")
		if !s.WithinTolerance() {
			state = warnStyle.Render("out of tolerance")
		}
		b.WriteString(valueStyle.Render(fmt.Sprintf("  %-16s %-6s %12s %12s  ",
			truncate(s.Module, 16), s.ID, formatUsec(s.ToleranceUsec), formatUsec(s.OffsetUsec))))
		b.WriteString(state)
		b.WriteString("\n")
		if m.showDebug {
			b.WriteString(helpStyle.Render(fmt.Sprintf("      %s", s.StrategiesText)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) renderModules() string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Modules (%d)", len(m.modules))))
	b.WriteString("\n\n")
	for _, mod := range m.modules {
		calib := "calibrating"
		if mod.Calibrated {
			calib = "calibrated"
		}
		line := fmt.Sprintf("  • %s (%s, %s)  samples: %d  backwards: %d",
			mod.Name, mod.Kind, calib, mod.Samples, mod.Backwards)
		b.WriteString(valueStyle.Render(line))
		b.WriteString("\n")
		if m.showDebug {
			b.WriteString(helpStyle.Render(fmt.Sprintf("      expected offset: %s  index offset: %d  correction: %s",
				formatUsec(mod.ExpectedOffset), mod.IndexOffset, formatUsec(mod.CorrectionUsec))))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// formatUsec renders a microsecond value with a readable unit
func formatUsec(v int64) string {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1000000:
		return fmt.Sprintf("%.3fs", float64(v)/1e6)
	case abs >= 1000:
		return fmt.Sprintf("%.2fms", float64(v)/1e3)
	default:
		return fmt.Sprintf("%dµs", v)
	}
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
