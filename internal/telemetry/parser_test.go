package telemetry

import (
	"math"
	"reflect"
	"testing"
)

func TestSplitColumns(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"plain row", "GPU 0    95.0    42.5", []string{"GPU 0", "95.0", "42.5"}},
		{"leading and trailing space", "  GPU 1   1.0   2.0  ", []string{"GPU 1", "1.0", "2.0"}},
		{"tabs count as gaps", "GPU 0\t\t1.5\t\t2.5", []string{"GPU 0", "1.5", "2.5"}},
		{"empty line", "", nil},
		{"single-space tag survives", "GPU 0  N/A  15", []string{"GPU 0", "N/A", "15"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitColumns(tt.line)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitColumns(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParse_HeadersAndComments(t *testing.T) {
	p := NewParser(2, nil)

	for _, line := range []string{
		"#Entity   GPUTL   POWER",
		"ID        %       W",
	} {
		if _, _, ok := p.Parse(line); ok {
			t.Errorf("Parse(%q) ok = true, want header skipped", line)
		}
	}
}

func TestParse_DataLine(t *testing.T) {
	p := NewParser(2, nil)

	device, values, ok := p.Parse("GPU 0    95.0    42.5")
	if !ok {
		t.Fatal("expected data line to parse")
	}
	if device != "GPU 0" {
		t.Errorf("device = %q, want \"GPU 0\"", device)
	}
	if !reflect.DeepEqual(values, []float64{95.0, 42.5}) {
		t.Errorf("values = %v, want [95 42.5]", values)
	}
}

func TestParse_PlaceholderCoercedToZero(t *testing.T) {
	p := NewParser(2, nil)

	device, values, ok := p.Parse("GPU1  N/A  15")
	if !ok {
		t.Fatal("line with one bad token must still parse")
	}
	if device != "GPU1" {
		t.Errorf("device = %q, want GPU1", device)
	}
	if values[0] != 0.0 || values[1] != 15.0 {
		t.Errorf("values = %v, want [0 15]", values)
	}
}

func TestParse_TruncatedLineDropped(t *testing.T) {
	p := NewParser(3, nil)

	if _, _, ok := p.Parse("GPU 0    95.0"); ok {
		t.Error("line with fewer values than tracked metrics must be dropped")
	}
}

func TestParse_ExtraColumnsIgnored(t *testing.T) {
	p := NewParser(1, nil)

	_, values, ok := p.Parse("GPU 0    1.0    2.0    3.0")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if len(values) != 1 || values[0] != 1.0 {
		t.Errorf("values = %v, want [1]", values)
	}
}

func TestParse_NaNToken(t *testing.T) {
	// strconv accepts "nan"; the parser passes it through rather than
	// second-guessing the tool.
	p := NewParser(1, nil)
	_, values, ok := p.Parse("GPU 0    nan")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if !math.IsNaN(values[0]) {
		t.Errorf("values[0] = %v, want NaN", values[0])
	}
}
