package telemetry

import (
	"fmt"
	"sync"
)

// Mode selects how samples are folded into the per-device aggregate.
// It is fixed for the lifetime of a Registry.
type Mode int

const (
	// ModeRunningMean keeps an O(1)-space incremental arithmetic mean.
	ModeRunningMean Mode = iota
	// ModeLastValue keeps only the most recent sample.
	ModeLastValue
)

// ParseMode converts the config spelling of an aggregation mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "mean":
		return ModeRunningMean, nil
	case "last":
		return ModeLastValue, nil
	default:
		return 0, fmt.Errorf("unknown aggregation mode %q", s)
	}
}

// String returns the config spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRunningMean:
		return "mean"
	case ModeLastValue:
		return "last"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DeviceStats is an independent copy of one device's aggregate state.
// Values is ordered to match Registry.MetricNames. Samples == 0 implies
// every value is zero.
type DeviceStats struct {
	Device  string
	Values  []float64
	Samples uint64
}

// deviceState is the live aggregate for one device. Mutated only under the
// registry lock.
type deviceState struct {
	values  []float64
	samples uint64
}

// Registry owns the per-device aggregates. One writer (the engine's read
// loop) applies samples; any number of readers take snapshots. All access
// to device state goes through one mutex held only for single-update or
// single-copy critical sections.
type Registry struct {
	mode  Mode
	names []string
	index map[string]int

	mu      sync.Mutex
	devices map[string]*deviceState
	order   []string // first-seen order
}

// NewRegistry creates a registry tracking the given metric names, in order.
func NewRegistry(mode Mode, metricNames []string) *Registry {
	names := append([]string(nil), metricNames...)
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	return &Registry{
		mode:    mode,
		names:   names,
		index:   index,
		devices: make(map[string]*deviceState),
	}
}

// Mode returns the aggregation mode fixed at construction.
func (r *Registry) Mode() Mode { return r.mode }

// MetricNames returns the tracked metric names in value order.
func (r *Registry) MetricNames() []string {
	return append([]string(nil), r.names...)
}

// MetricIndex returns the value index for a metric name.
func (r *Registry) MetricIndex(name string) (int, bool) {
	i, ok := r.index[name]
	return i, ok
}

// Apply folds one parsed sample into the named device's aggregate. The
// device is created on first sight. values must be ordered like MetricNames
// and match its length exactly; a mismatched sample is rejected whole.
func (r *Registry) Apply(device string, values []float64) error {
	if len(values) != len(r.names) {
		return fmt.Errorf("sample for %s has %d values, registry tracks %d",
			device, len(values), len(r.names))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.devices[device]
	if !ok {
		st = &deviceState{values: make([]float64, len(r.names))}
		r.devices[device] = st
		r.order = append(r.order, device)
	}

	st.samples++
	n := float64(st.samples)
	for i, v := range values {
		switch r.mode {
		case ModeRunningMean:
			m := st.values[i]
			st.values[i] = m - m/n + v/n
		case ModeLastValue:
			st.values[i] = v
		}
	}
	return nil
}

// Snapshot returns an independent copy of one device's aggregate, or
// ok == false if the device has never been seen. A device that was seen and
// then reset is still found, with zeroed values.
func (r *Registry) Snapshot(device string) (DeviceStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.devices[device]
	if !ok {
		return DeviceStats{}, false
	}
	return DeviceStats{
		Device:  device,
		Values:  append([]float64(nil), st.values...),
		Samples: st.samples,
	}, true
}

// Devices returns the known device tags in first-seen order.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Reset zeroes one device's aggregate and sample counter atomically.
// Returns false if the device has never been seen.
func (r *Registry) Reset(device string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.devices[device]
	if !ok {
		return false
	}
	st.reset()
	return true
}

// ResetAll zeroes every device's aggregate and counter in one critical
// section, so no reader can observe a half-reset registry.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.devices {
		st.reset()
	}
}

func (s *deviceState) reset() {
	for i := range s.values {
		s.values[i] = 0
	}
	s.samples = 0
}
