// Package collector owns the wrapped dcgmi dmon process and streams its
// output into the telemetry registry. It is the single writer; any number
// of readers consume aggregates through the facade methods.
package collector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/dcgm-tools/dcgmtop/internal/catalog"
	"github.com/dcgm-tools/dcgmtop/internal/config"
	"github.com/dcgm-tools/dcgmtop/internal/telemetry"
)

// ErrInvalidState is returned when Start or Stop is called out of sequence.
var ErrInvalidState = errors.New("collector: invalid state transition")

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SampleHook is invoked for every applied sample. The engine calls it from
// the read loop, outside any lock; the values slice is owned by the callee.
type SampleHook func(device string, values []float64)

// Engine wraps one dcgmi dmon process: it resolves the metric catalog once
// at construction, launches the process in its own group on Start, pumps
// stdout line-by-line into the registry, and tears the whole group down on
// Stop. Lifecycle: idle -> running -> stopping -> idle.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	catalog  *catalog.Catalog
	parser   *telemetry.Parser
	stats    *telemetry.Registry
	window   *telemetry.Window
	onSample SampleHook

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	done    chan struct{}
	readErr error
}

// New resolves the metric catalog via the configured dcgmi binary and
// builds an engine. Fails if the catalog cannot be resolved or the
// configured aggregation mode is unknown.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	cat, err := catalog.Resolve(cfg.DCGM.Binary, cfg.Metrics.Names, logger)
	if err != nil {
		return nil, err
	}
	return NewWithCatalog(cfg, cat, logger)
}

// NewWithCatalog builds an engine around an already-resolved catalog.
func NewWithCatalog(cfg *config.Config, cat *catalog.Catalog, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, err := telemetry.ParseMode(cfg.Metrics.Mode)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		catalog: cat,
		parser:  telemetry.NewParser(cat.Len(), logger),
		stats:   telemetry.NewRegistry(mode, cat.Names()),
		window:  telemetry.NewWindow(cfg.History.Window),
	}, nil
}

// OnSample registers a hook called for every applied sample. Must be set
// before Start.
func (e *Engine) OnSample(fn SampleHook) { e.onSample = fn }

// Start launches the monitoring process in its own process group and the
// background read loop, then resets all aggregates so a late-starting
// reader never sees residue from a previous run. Valid only from idle.
func (e *Engine) Start() error {
	e.mu.Lock()

	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, state)
	}

	args := []string{"dmon",
		"-d", strconv.FormatInt(e.cfg.DCGM.Interval.Duration.Milliseconds(), 10),
		"-e", e.catalog.FieldIDs(),
	}
	if e.cfg.DCGM.GPUs != "" {
		args = append(args, "-i", e.cfg.DCGM.GPUs)
	}

	cmd := exec.Command(e.cfg.DCGM.Binary, args...)
	// Own process group so termination reaches any helpers dcgmi forks.
	cmd.SysProcAttr = groupAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("spawning %s dmon: %w", e.cfg.DCGM.Binary, err)
	}

	done := make(chan struct{})
	e.cmd = cmd
	e.done = done
	e.readErr = nil
	e.state = StateRunning
	e.mu.Unlock()

	go e.readLoop(stdout, done)

	// Clean baseline for this run.
	e.stats.ResetAll()
	e.window.Reset()

	e.logger.Info("Telemetry collection started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("interval", e.cfg.DCGM.Interval.Duration),
		zap.String("mode", e.stats.Mode().String()),
		zap.Strings("metrics", e.stats.MetricNames()))
	return nil
}

// readLoop pumps the subprocess stdout into the registry. It never aborts
// on malformed input; it exits on end-of-stream or an I/O error, recording
// the latter for Stop to surface. The registry lock is never held across
// the blocking read.
func (e *Engine) readLoop(r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		device, values, ok := e.parser.Parse(scanner.Text())
		if !ok {
			continue
		}
		if err := e.stats.Apply(device, values); err != nil {
			e.logger.Warn("Dropping sample", zap.Error(err))
			continue
		}
		e.window.Append(device, values)
		if e.onSample != nil {
			e.onSample(device, values)
		}
	}

	if err := scanner.Err(); err != nil {
		e.mu.Lock()
		e.readErr = err
		e.mu.Unlock()
		e.logger.Error("Telemetry stream read failed", zap.Error(err))
	}
}

// Stop terminates the entire process group, waits for the read loop to
// observe end-of-stream, and reaps the child. It returns any stream read
// error recorded by the loop. Valid only from running.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, state)
	}
	e.state = StateStopping
	cmd := e.cmd
	done := e.done
	e.mu.Unlock()

	// Signal the group, not just the child. ESRCH means the process
	// already exited on its own, which is fine — the loop has seen EOF.
	if err := terminateGroup(cmd.Process.Pid); err != nil && !isNoSuchProcess(err) {
		e.logger.Warn("Signalling process group failed", zap.Error(err))
	}

	<-done

	// A SIGTERM death is the expected exit here, not a failure.
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			e.logger.Warn("Reaping monitoring process failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	readErr := e.readErr
	e.cmd = nil
	e.done = nil
	e.state = StateIdle
	e.mu.Unlock()

	e.logger.Info("Telemetry collection stopped")

	if readErr != nil {
		return fmt.Errorf("telemetry stream: %w", readErr)
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Devices returns the device tags observed so far, in first-seen order.
func (e *Engine) Devices() []string { return e.stats.Devices() }

// Stats returns an independent copy of one device's aggregate, or
// ok == false for a device that has never been seen.
func (e *Engine) Stats(device string) (telemetry.DeviceStats, bool) {
	return e.stats.Snapshot(device)
}

// Reset zeroes one device's aggregate. Returns false for unknown devices.
func (e *Engine) Reset(device string) bool { return e.stats.Reset(device) }

// ResetAll zeroes every device's aggregate atomically.
func (e *Engine) ResetAll() { e.stats.ResetAll() }

// MetricNames returns the tracked metric long names in value order.
func (e *Engine) MetricNames() []string { return e.stats.MetricNames() }

// ShortName returns the display abbreviation for a tracked metric.
func (e *Engine) ShortName(metric string) (string, bool) {
	return e.catalog.ShortName(metric)
}

// Mode returns the aggregation mode fixed at construction.
func (e *Engine) Mode() telemetry.Mode { return e.stats.Mode() }

// Recent returns the last-window values of one metric for a device, oldest
// first and zero-padded to the window capacity. ok == false for a metric
// the engine does not track.
func (e *Engine) Recent(device, metric string) ([]float64, bool) {
	idx, ok := e.stats.MetricIndex(metric)
	if !ok {
		return nil, false
	}
	return e.window.Column(device, idx), true
}
