// ABOUTME: Time synchronization strategies
// ABOUTME: Typed strategy flags, strategy sets and their human-readable forms
package timesync

import (
	"fmt"
	"strings"
)

// Strategy is a single way of dealing with clock divergence
type Strategy uint8

// StrategyNone disables all corrections
const StrategyNone Strategy = 0

const (
	// ShiftTimestampsFwd moves master timestamps forward
	ShiftTimestampsFwd Strategy = 1 << iota
	// ShiftTimestampsBwd moves master timestamps backward
	ShiftTimestampsBwd
	// AdjustClock leaves timestamps alone and reports a correction for the device clock
	AdjustClock
	// WriteTSyncFile records sync points for correction in post-processing
	WriteTSyncFile
)

var allStrategies = []Strategy{ShiftTimestampsFwd, ShiftTimestampsBwd, AdjustClock, WriteTSyncFile}

// String returns the human-readable description of s
func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case ShiftTimestampsFwd:
		return "shift timestamps (fwd)"
	case ShiftTimestampsBwd:
		return "shift timestamps (bwd)"
	case AdjustClock:
		return "align secondary clock"
	case WriteTSyncFile:
		return "write time-sync file"
	default:
		return "invalid"
	}
}

// Name returns the configuration name of s
func (s Strategy) Name() string {
	switch s {
	case StrategyNone:
		return "none"
	case ShiftTimestampsFwd:
		return "shift-fwd"
	case ShiftTimestampsBwd:
		return "shift-bwd"
	case AdjustClock:
		return "adjust-clock"
	case WriteTSyncFile:
		return "write-tsync"
	default:
		return ""
	}
}

// ParseStrategy parses a configuration name such as "shift-fwd".
// Underscores, case and the long constant names are accepted as well.
func ParseStrategy(name string) (Strategy, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "-")

	switch n {
	case "none":
		return StrategyNone, nil
	case "shift-fwd", "shift-timestamps-fwd":
		return ShiftTimestampsFwd, nil
	case "shift-bwd", "shift-timestamps-bwd":
		return ShiftTimestampsBwd, nil
	case "adjust-clock":
		return AdjustClock, nil
	case "write-tsync", "write-tsyncfile", "write-tsync-file":
		return WriteTSyncFile, nil
	}
	return StrategyNone, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, name)
}

// Strategies is a set of strategies that are active at the same time
type Strategies struct {
	bits Strategy
}

// NewStrategies returns a set holding the given strategies
func NewStrategies(s ...Strategy) Strategies {
	return Strategies{}.With(s...)
}

// ParseStrategies builds a set from configuration names
func ParseStrategies(names []string) (Strategies, error) {
	var set Strategies
	for _, name := range names {
		s, err := ParseStrategy(name)
		if err != nil {
			return Strategies{}, err
		}
		set = set.With(s)
	}
	return set, nil
}

// Has reports whether s is in the set. StrategyNone is never contained.
func (ss Strategies) Has(s Strategy) bool {
	return s != StrategyNone && ss.bits&s == s
}

// With returns a copy of the set with s added
func (ss Strategies) With(s ...Strategy) Strategies {
	for _, v := range s {
		ss.bits |= v
	}
	return ss
}

// Without returns a copy of the set with s removed
func (ss Strategies) Without(s ...Strategy) Strategies {
	for _, v := range s {
		ss.bits &^= v
	}
	return ss
}

// Set returns a copy of the set with s added or removed
func (ss Strategies) Set(s Strategy, on bool) Strategies {
	if on {
		return ss.With(s)
	}
	return ss.Without(s)
}

// IsEmpty reports whether no strategy is active
func (ss Strategies) IsEmpty() bool {
	return ss.bits == StrategyNone
}

// List returns the active strategies in a stable order
func (ss Strategies) List() []Strategy {
	var out []Strategy
	for _, s := range allStrategies {
		if ss.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Names returns the configuration names of the active strategies
func (ss Strategies) Names() []string {
	list := ss.List()
	names := make([]string, 0, len(list))
	for _, s := range list {
		names = append(names, s.Name())
	}
	return names
}

// shifts reports whether timestamps may be moved in any direction
func (ss Strategies) shifts() bool {
	return ss.Has(ShiftTimestampsFwd) || ss.Has(ShiftTimestampsBwd)
}

// String joins the descriptions of all active strategies
func (ss Strategies) String() string {
	if ss.IsEmpty() {
		return StrategyNone.String()
	}

	var parts []string
	if ss.Has(ShiftTimestampsFwd) && ss.Has(ShiftTimestampsBwd) {
		parts = append(parts, "shift timestamps")
	} else if ss.Has(ShiftTimestampsFwd) {
		parts = append(parts, ShiftTimestampsFwd.String())
	} else if ss.Has(ShiftTimestampsBwd) {
		parts = append(parts, ShiftTimestampsBwd.String())
	}
	if ss.Has(AdjustClock) {
		parts = append(parts, AdjustClock.String())
	}
	if ss.Has(WriteTSyncFile) {
		parts = append(parts, WriteTSyncFile.String())
	}

	return strings.Join(parts, " and ")
}

// MarshalText encodes the set as comma separated configuration names
func (ss Strategies) MarshalText() ([]byte, error) {
	if ss.IsEmpty() {
		return []byte(StrategyNone.Name()), nil
	}
	return []byte(strings.Join(ss.Names(), ",")), nil
}

// UnmarshalText decodes comma separated configuration names
func (ss *Strategies) UnmarshalText(text []byte) error {
	var names []string
	for _, part := range strings.Split(string(text), ",") {
		if p := strings.TrimSpace(part); p != "" {
			names = append(names, p)
		}
	}
	set, err := ParseStrategies(names)
	if err != nil {
		return err
	}
	*ss = set
	return nil
}
