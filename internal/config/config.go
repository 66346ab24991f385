// ABOUTME: Host configuration loaded from YAML
// ABOUTME: Run, monitor, logging and per-device synchronizer profiles with defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syntalos/tsync-go/pkg/timesync"
	"gopkg.in/yaml.v3"
)

// Device kinds
const (
	KindClock   = "clock"
	KindCounter = "counter"
)

// Config is the configuration of a synchronization run
type Config struct {
	Run     RunConfig      `yaml:"run"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Log     LogConfig      `yaml:"log"`
	Devices []DeviceConfig `yaml:"devices"`
}

// RunConfig describes the run as a whole
type RunConfig struct {
	Name string `yaml:"name"`
	// Duration of 0 runs until interrupted
	Duration     time.Duration `yaml:"duration"`
	DataDir      string        `yaml:"data_dir"`
	CollectionID string        `yaml:"collection_id"`
	// Realtime paces simulated devices against the system clock
	Realtime bool `yaml:"realtime"`
}

// MonitorConfig controls the websocket monitor
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Name    string `yaml:"name"`
	MDNS    bool   `yaml:"mdns"`
}

// LogConfig controls log output
type LogConfig struct {
	File       string `yaml:"file"`
	Debug      bool   `yaml:"debug"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DeviceConfig is one device and the synchronizer attached to it
type DeviceConfig struct {
	Name             string        `yaml:"name"`
	Kind             string        `yaml:"kind"`
	FrequencyHz      float64       `yaml:"frequency_hz"`
	Strategies       []string      `yaml:"strategies"`
	Tolerance        time.Duration `yaml:"tolerance"`
	CalibrationCount int           `yaml:"calibration_count"`
	BlockSize        int           `yaml:"block_size"`
	BlocksPerRead    int           `yaml:"blocks_per_read"`
	WriteTSync       bool          `yaml:"write_tsync"`
	Sim              SimConfig     `yaml:"sim"`
}

// SimConfig describes how a simulated device misbehaves
type SimConfig struct {
	OffsetUsec int64   `yaml:"offset_usec"`
	DriftPPM   float64 `yaml:"drift_ppm"`
	JitterUsec int64   `yaml:"jitter_usec"`
	Seed       int64   `yaml:"seed"`
}

// Default returns a run with one camera-like clock and one DAQ counter
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Name:     "tsync",
			Duration: time.Minute,
			DataDir:  "tsync-data",
			Realtime: true,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Port:    8928,
			Name:    "tsync-monitor",
			MDNS:    true,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 2,
		},
		Devices: []DeviceConfig{
			{
				Name:        "camera",
				Kind:        KindClock,
				FrequencyHz: 30,
				Strategies:  []string{"shift-fwd"},
				WriteTSync:  true,
				Sim: SimConfig{
					OffsetUsec: 2500,
					DriftPPM:   40,
					JitterUsec: 2000,
					Seed:       1,
				},
			},
			{
				Name:          "ephys",
				Kind:          KindCounter,
				FrequencyHz:   20000,
				BlockSize:     128,
				BlocksPerRead: 4,
				Strategies:    []string{"shift-fwd", "shift-bwd"},
				WriteTSync:    true,
				Sim: SimConfig{
					OffsetUsec: 1200,
					DriftPPM:   -25,
					JitterUsec: 300,
					Seed:       2,
				},
			},
		},
	}
}

// Load reads a YAML config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills in defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the config for values no synchronizer can work with
func (c *Config) Validate() error {
	var errs []error

	if c.Run.Duration < 0 {
		errs = append(errs, fmt.Errorf("run.duration must not be negative"))
	}
	if c.Run.CollectionID != "" {
		if _, err := uuid.Parse(c.Run.CollectionID); err != nil {
			errs = append(errs, fmt.Errorf("run.collection_id: %w", err))
		}
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		errs = append(errs, fmt.Errorf("monitor.port %d out of range", c.Monitor.Port))
	}
	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("no devices configured"))
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate device name %q", prefix, d.Name))
		}
		seen[d.Name] = true

		if d.Kind != KindClock && d.Kind != KindCounter {
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", prefix, d.Kind))
		}
		if d.FrequencyHz <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, timesync.ErrInvalidFrequency))
		}
		if d.Tolerance < 0 {
			errs = append(errs, fmt.Errorf("%s: tolerance must not be negative", prefix))
		}
		if d.Kind == KindCounter && (d.BlockSize < 1 || d.BlocksPerRead < 1) {
			errs = append(errs, fmt.Errorf("%s: block_size and blocks_per_read must be positive", prefix))
		}
		if _, err := d.ParsedStrategies(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

// CollectionUUID returns the configured collection id or a fresh one
func (c *Config) CollectionUUID() uuid.UUID {
	if id, err := uuid.Parse(c.Run.CollectionID); err == nil {
		return id
	}
	return uuid.New()
}

// ParsedStrategies returns the device strategies, adding tsync output if requested
func (d DeviceConfig) ParsedStrategies() (timesync.Strategies, error) {
	s, err := timesync.ParseStrategies(d.Strategies)
	if err != nil {
		return timesync.Strategies{}, err
	}
	return s.Set(timesync.WriteTSyncFile, d.WriteTSync || s.Has(timesync.WriteTSyncFile)), nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Run.Name == "" {
		c.Run.Name = d.Run.Name
	}
	if c.Run.DataDir == "" {
		c.Run.DataDir = d.Run.DataDir
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = d.Monitor.Port
	}
	if c.Monitor.Name == "" {
		c.Monitor.Name = d.Monitor.Name
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = d.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = d.Log.MaxBackups
	}
	for i := range c.Devices {
		dev := &c.Devices[i]
		dev.Kind = strings.ToLower(dev.Kind)
		if dev.Kind == "" {
			dev.Kind = KindClock
		}
		if dev.Kind == KindCounter && dev.BlockSize == 0 {
			dev.BlockSize = 128
		}
		if dev.BlocksPerRead == 0 {
			dev.BlocksPerRead = 1
		}
		if len(dev.Strategies) == 0 {
			dev.Strategies = []string{"shift-fwd", "shift-bwd"}
		}
	}
}
