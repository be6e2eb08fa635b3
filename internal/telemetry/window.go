package telemetry

import "sync"

// Window keeps a fixed-capacity ring of the most recent sample rows per
// device, for plotting layers that want a short trace rather than an
// aggregate. Rows are copies; the window never aliases registry state.
type Window struct {
	capacity int

	mu      sync.Mutex
	devices map[string]*ring
}

type ring struct {
	rows  [][]float64
	idx   int
	count int
}

// NewWindow creates a window retaining capacity rows per device.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		devices:  make(map[string]*ring),
	}
}

// Capacity returns the per-device row capacity.
func (w *Window) Capacity() int { return w.capacity }

// Append records one sample row for a device, evicting the oldest row once
// the ring is full. The values slice is copied.
func (w *Window) Append(device string, values []float64) {
	row := append([]float64(nil), values...)

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.devices[device]
	if !ok {
		r = &ring{rows: make([][]float64, w.capacity)}
		w.devices[device] = r
	}
	r.rows[r.idx] = row
	r.idx = (r.idx + 1) % w.capacity
	if r.count < w.capacity {
		r.count++
	}
}

// Len returns the number of rows currently held for a device.
func (w *Window) Len(device string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.devices[device]; ok {
		return r.count
	}
	return 0
}

// Column returns the recent values of one metric for a device, oldest
// first, zero-padded at the front to the window capacity so plot widths
// stay constant while the ring fills. An unknown device or out-of-range
// metric index yields an all-zero column.
func (w *Window) Column(device string, metric int) []float64 {
	col := make([]float64, w.capacity)

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.devices[device]
	if !ok {
		return col
	}

	// Oldest row sits at idx when the ring is full, at 0 otherwise.
	start := 0
	if r.count == w.capacity {
		start = r.idx
	}
	pad := w.capacity - r.count
	for i := 0; i < r.count; i++ {
		row := r.rows[(start+i)%w.capacity]
		if metric >= 0 && metric < len(row) {
			col[pad+i] = row[metric]
		}
	}
	return col
}

// Reset drops all rows for every device.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.devices = make(map[string]*ring)
}
