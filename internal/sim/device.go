// ABOUTME: Simulated acquisition devices
// ABOUTME: A device with its own drifting clock and a sample counter delivering index blocks
package sim

import (
	"math"
	"math/rand"

	"github.com/syntalos/tsync-go/internal/config"
)

// Event is one frame of a clock device
type Event struct {
	// TrueUsec is when the frame happened, on the master time base
	TrueUsec int64
	// DeviceUsec is the device's own timestamp of the frame
	DeviceUsec int64
	// LatencyUsec is how long the frame takes to reach the host
	LatencyUsec int64
}

// ClockDevice produces frames stamped by a steady clock that drifts
// against the master clock
type ClockDevice struct {
	periodUsec float64
	offsetUsec int64
	driftPPM   float64
	jitterUsec int64
	rng        *rand.Rand
	n          int64
}

// NewClockDevice creates a device from its simulation settings
func NewClockDevice(frequencyHz float64, sim config.SimConfig) *ClockDevice {
	return &ClockDevice{
		periodUsec: 1e6 / frequencyHz,
		offsetUsec: sim.OffsetUsec,
		driftPPM:   sim.DriftPPM,
		jitterUsec: sim.JitterUsec,
		rng:        rand.New(rand.NewSource(sim.Seed)),
	}
}

// NextDueUsec returns the master time the next frame happens at
func (d *ClockDevice) NextDueUsec() int64 {
	return int64(math.Round(float64(d.n+1) * d.periodUsec))
}

// Next returns the next frame
func (d *ClockDevice) Next() Event {
	t := d.NextDueUsec()
	d.n++

	// the device clock started offsetUsec after the master and runs at its own rate
	dev := t - d.offsetUsec + int64(math.Round(float64(t)*d.driftPPM*1e-6))
	return Event{
		TrueUsec:    t,
		DeviceUsec:  dev,
		LatencyUsec: d.latency(),
	}
}

func (d *ClockDevice) latency() int64 {
	if d.jitterUsec <= 0 {
		return 0
	}
	return d.rng.Int63n(d.jitterUsec + 1)
}

// Read is a batch of blocks a counter device delivers at once
type Read struct {
	// TrueUsec is when the last sample of the batch was acquired
	TrueUsec    int64
	LatencyUsec int64
	Blocks      [][]int64
}

// CounterDevice produces blocks of sample indices at a nominal frequency.
// Its real sample rate deviates by driftPPM.
type CounterDevice struct {
	trueRateHz    float64
	blockSize     int
	blocksPerRead int
	offsetUsec    int64
	jitterUsec    int64
	rng           *rand.Rand
	next          int64
}

// NewCounterDevice creates a counter device from its simulation settings
func NewCounterDevice(frequencyHz float64, blockSize, blocksPerRead int, sim config.SimConfig) *CounterDevice {
	if blockSize < 1 {
		blockSize = 1
	}
	if blocksPerRead < 1 {
		blocksPerRead = 1
	}
	return &CounterDevice{
		trueRateHz:    frequencyHz * (1 + sim.DriftPPM*1e-6),
		blockSize:     blockSize,
		blocksPerRead: blocksPerRead,
		offsetUsec:    sim.OffsetUsec,
		jitterUsec:    sim.JitterUsec,
		rng:           rand.New(rand.NewSource(sim.Seed)),
	}
}

// NextDueUsec returns the master time the next read completes at
func (d *CounterDevice) NextDueUsec() int64 {
	last := d.next + int64(d.blockSize*d.blocksPerRead)
	return int64(math.Round(float64(last)/d.trueRateHz*1e6)) + d.offsetUsec
}

// Next returns the next batch of blocks
func (d *CounterDevice) Next() Read {
	r := Read{
		TrueUsec: d.NextDueUsec(),
		Blocks:   make([][]int64, d.blocksPerRead),
	}
	for b := range r.Blocks {
		block := make([]int64, d.blockSize)
		for i := range block {
			block[i] = d.next
			d.next++
		}
		r.Blocks[b] = block
	}
	if d.jitterUsec > 0 {
		r.LatencyUsec = d.rng.Int63n(d.jitterUsec + 1)
	}
	return r
}
