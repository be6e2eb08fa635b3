//go:build linux || darwin

package collector

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dcgm-tools/dcgmtop/internal/catalog"
	"github.com/dcgm-tools/dcgmtop/internal/config"
)

const testListing = `_____
Long Name    Short Name    Field Id
_____
gpu_utilization        GPUTL    203
power_usage            POWER    155
`

// writeFakeDmon writes a shell script that ignores its arguments and plays
// back canned dmon output. tail runs after the canned lines. The leading
// sleep mimics the real tool's first sampling delay and keeps the canned
// lines from racing Start's baseline reset.
func writeFakeDmon(t *testing.T, lines []string, tail string) string {
	t.Helper()
	script := "#!/bin/sh\nsleep 0.2\n"
	for _, l := range lines {
		script += "echo '" + l + "'\n"
	}
	script += tail + "\n"

	path := filepath.Join(t.TempDir(), "fake-dcgmi")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T, binary string) *Engine {
	t.Helper()

	cat, err := catalog.ResolveWith(
		func(string, ...string) ([]byte, error) { return []byte(testListing), nil },
		binary, []string{"gpu_utilization", "power_usage"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.DCGM.Binary = binary
	cfg.DCGM.Interval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.History.Window = 8

	eng, err := NewWithCatalog(cfg, cat, nil)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngine_StartCollectStop(t *testing.T) {
	binary := writeFakeDmon(t, []string{
		"#Entity    GPUTL    POWER",
		"ID         %        W",
		"GPU 0    10    20",
		"GPU 0    30    40",
		"GPU 1    N/A    15",
	}, "sleep 30")
	eng := newTestEngine(t, binary)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	if got := eng.State(); got != StateRunning {
		t.Errorf("State = %v, want running", got)
	}

	waitFor(t, func() bool {
		st, ok := eng.Stats("GPU 0")
		return ok && st.Samples == 2 && len(eng.Devices()) == 2
	}, "both devices sampled")

	st, _ := eng.Stats("GPU 0")
	if math.Abs(st.Values[0]-20.0) > 1e-9 || math.Abs(st.Values[1]-30.0) > 1e-9 {
		t.Errorf("GPU 0 means = %v, want [20 30]", st.Values)
	}

	// Unparseable first token applies as zero, not a dropped line.
	other, ok := eng.Stats("GPU 1")
	if !ok || other.Samples != 1 {
		t.Fatalf("GPU 1 snapshot = %+v, %v", other, ok)
	}
	if other.Values[0] != 0 || other.Values[1] != 15 {
		t.Errorf("GPU 1 values = %v, want [0 15]", other.Values)
	}

	devices := eng.Devices()
	if devices[0] != "GPU 0" || devices[1] != "GPU 1" {
		t.Errorf("Devices = %v, want first-seen order", devices)
	}

	col, ok := eng.Recent("GPU 0", "power_usage")
	if !ok {
		t.Fatal("power_usage should be tracked")
	}
	if len(col) != 8 || col[6] != 20 || col[7] != 40 {
		t.Errorf("Recent column = %v, want zero-padded [.. 20 40]", col)
	}

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if got := eng.State(); got != StateIdle {
		t.Errorf("State after Stop = %v, want idle", got)
	}
}

func TestEngine_DoubleStartAndDoubleStop(t *testing.T) {
	binary := writeFakeDmon(t, nil, "sleep 30")
	eng := newTestEngine(t, binary)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start = %v, want ErrInvalidState", err)
	}

	if err := eng.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Stop = %v, want ErrInvalidState", err)
	}
}

func TestEngine_StopWhenIdle(t *testing.T) {
	eng := newTestEngine(t, "/bin/true")
	if err := eng.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop while idle = %v, want ErrInvalidState", err)
	}
}

func TestEngine_SpawnFailure(t *testing.T) {
	eng := newTestEngine(t, "/nonexistent/fake-dcgmi")

	if err := eng.Start(); err == nil {
		t.Fatal("Start with a missing binary must fail")
	}
	if got := eng.State(); got != StateIdle {
		t.Errorf("State after failed Start = %v, want idle", got)
	}
}

func TestEngine_StopAfterChildExit(t *testing.T) {
	// Child prints and exits on its own; Stop must still join cleanly.
	binary := writeFakeDmon(t, []string{"GPU 0    1    2"}, "exit 0")
	eng := newTestEngine(t, binary)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, ok := eng.Stats("GPU 0")
		return ok && st.Samples == 1
	}, "sample from short-lived child")

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestEngine_RestartGetsCleanBaseline(t *testing.T) {
	binary := writeFakeDmon(t, []string{"GPU 0    50    60"}, "sleep 30")
	eng := newTestEngine(t, binary)

	samples := 0
	eng.OnSample(func(string, []float64) { samples++ })

	for cycle := 0; cycle < 2; cycle++ {
		if err := eng.Start(); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool {
			st, ok := eng.Stats("GPU 0")
			return ok && st.Samples >= 1
		}, "sample in cycle")

		st, _ := eng.Stats("GPU 0")
		if st.Samples != 1 {
			t.Errorf("cycle %d: Samples = %d, want fresh count 1", cycle, st.Samples)
		}
		if err := eng.Stop(); err != nil {
			t.Fatal(err)
		}
	}

	if samples != 2 {
		t.Errorf("sample hook fired %d times, want 2", samples)
	}
}
