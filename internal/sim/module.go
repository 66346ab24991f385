// ABOUTME: Acquisition modules wiring simulated devices to synchronizers
// ABOUTME: Each module owns one synchronizer and tracks what it emitted
package sim

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/syntalos/tsync-go/internal/config"
	"github.com/syntalos/tsync-go/pkg/clock"
	"github.com/syntalos/tsync-go/pkg/timesync"
)

// Stats is a snapshot of what a module has produced so far
type Stats struct {
	Name           string
	Kind           string
	Samples        int64
	LastMasterUsec int64
	Backwards      int64 // emitted timestamps smaller than their predecessor
	Calibrated     bool
	ExpectedOffset int64
	IndexOffset    int64
	CorrectionUsec int64
}

// Module is a simulated device plus the synchronizer mapping it onto the master clock
type Module interface {
	Name() string
	Start() error
	// NextDueUsec is the master time the next data arrives at
	NextDueUsec() int64
	// Step processes the next piece of data; the master clock must have reached NextDueUsec
	Step()
	Stop()
	Stats() Stats
}

// Options are shared by all modules of a run
type Options struct {
	DataDir      string
	CollectionID uuid.UUID
	Notifier     *timesync.EventNotifier
}

// NewModule builds the module described by dev
func NewModule(dev config.DeviceConfig, master clock.MasterClock, opts Options) (Module, error) {
	strategies, err := dev.ParsedStrategies()
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.Name, err)
	}

	var tsyncBase string
	if strategies.Has(timesync.WriteTSyncFile) {
		tsyncBase = filepath.Join(opts.DataDir, dev.Name+"-timesync")
	}

	switch dev.Kind {
	case config.KindClock:
		s := timesync.NewSecondaryClockSynchronizer(master, dev.Name, "")
		if err := configureSecondary(s, dev, strategies, tsyncBase, opts.CollectionID); err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Name, err)
		}
		if opts.Notifier != nil {
			opts.Notifier.Attach(dev.Name, s)
		}
		return &clockModule{
			name:   dev.Name,
			master: master,
			device: NewClockDevice(dev.FrequencyHz, dev.Sim),
			sync:   s,
		}, nil

	case config.KindCounter:
		s := timesync.NewFreqCounterSynchronizer(master, dev.Name, dev.FrequencyHz, "")
		if err := configureCounter(s, dev, strategies, tsyncBase, opts.CollectionID); err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Name, err)
		}
		if opts.Notifier != nil {
			opts.Notifier.Attach(dev.Name, s)
		}
		return &counterModule{
			name:   dev.Name,
			master: master,
			device: NewCounterDevice(dev.FrequencyHz, dev.BlockSize, dev.BlocksPerRead, dev.Sim),
			sync:   s,
		}, nil
	}

	return nil, fmt.Errorf("device %s: unknown kind %q", dev.Name, dev.Kind)
}

func configureSecondary(s *timesync.SecondaryClockSynchronizer, dev config.DeviceConfig, strategies timesync.Strategies, tsyncBase string, collectionID uuid.UUID) error {
	if err := s.SetExpectedClockFrequencyHz(dev.FrequencyHz); err != nil {
		return err
	}
	if dev.CalibrationCount > 0 {
		if err := s.SetCalibrationPointsCount(dev.CalibrationCount); err != nil {
			return err
		}
	}
	if dev.Tolerance > 0 {
		if err := s.SetTolerance(dev.Tolerance); err != nil {
			return err
		}
	}
	if err := s.SetStrategies(strategies); err != nil {
		return err
	}
	return s.SetTimeSyncBasename(tsyncBase, collectionID)
}

func configureCounter(s *timesync.FreqCounterSynchronizer, dev config.DeviceConfig, strategies timesync.Strategies, tsyncBase string, collectionID uuid.UUID) error {
	if err := s.SetCalibrationBlocksCount(dev.CalibrationCount); err != nil {
		return err
	}
	if dev.Tolerance > 0 {
		if err := s.SetTolerance(dev.Tolerance); err != nil {
			return err
		}
	}
	if err := s.SetStrategies(strategies); err != nil {
		return err
	}
	return s.SetTimeSyncBasename(tsyncBase, collectionID)
}

type clockModule struct {
	name   string
	master clock.MasterClock
	device *ClockDevice
	sync   *timesync.SecondaryClockSynchronizer

	mu    sync.Mutex
	stats Stats
}

func (m *clockModule) Name() string { return m.name }
func (m *clockModule) Start() error { return m.sync.Start() }
func (m *clockModule) NextDueUsec() int64 { return m.device.NextDueUsec() }
func (m *clockModule) Stop() { timesync.SafeStop(m.sync) }

func (m *clockModule) Step() {
	ev := m.device.Next()
	masterTS := m.master.SinceStartUsec() + ev.LatencyUsec
	m.sync.ProcessTimestamp(&masterTS, ev.DeviceUsec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.Samples > 0 && masterTS < m.stats.LastMasterUsec {
		m.stats.Backwards++
	}
	m.stats.Samples++
	m.stats.LastMasterUsec = masterTS
	m.stats.Calibrated = m.sync.IsCalibrated()
	m.stats.ExpectedOffset = m.sync.ExpectedOffsetToMaster()
	m.stats.CorrectionUsec = m.sync.ClockCorrectionOffset()
}

func (m *clockModule) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Name = m.name
	s.Kind = config.KindClock
	return s
}

type counterModule struct {
	name   string
	master clock.MasterClock
	device *CounterDevice
	sync   *timesync.FreqCounterSynchronizer
	ts     []int64

	mu    sync.Mutex
	stats Stats
}

func (m *counterModule) Name() string { return m.name }
func (m *counterModule) Start() error { return m.sync.Start() }
func (m *counterModule) NextDueUsec() int64 { return m.device.NextDueUsec() }

func (m *counterModule) Stop() {
	m.mu.Lock()
	last := m.stats.LastMasterUsec
	m.mu.Unlock()
	timesync.SafeStopWithLastValid(m.sync, last)
}

func (m *counterModule) Step() {
	read := m.device.Next()
	recv := m.master.SinceStartUsec() + read.LatencyUsec

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, block := range read.Blocks {
		m.sync.ProcessTimestamps(recv, i, len(read.Blocks), block)
		if !m.sync.IsCalibrated() {
			continue
		}

		m.ts = m.sync.MasterTimestamps(block, m.ts)
		for _, ts := range m.ts {
			if m.stats.Samples > 0 && ts < m.stats.LastMasterUsec {
				m.stats.Backwards++
			}
			m.stats.Samples++
			m.stats.LastMasterUsec = ts
		}
	}
	m.stats.Calibrated = m.sync.IsCalibrated()
	m.stats.ExpectedOffset = m.sync.ExpectedOffsetToMaster()
	m.stats.IndexOffset = m.sync.IndexOffset()
}

func (m *counterModule) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Name = m.name
	s.Kind = config.KindCounter
	return s
}
