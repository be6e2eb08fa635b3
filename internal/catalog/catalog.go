// Package catalog resolves dcgmi metric long names to the numeric field ids
// and short display names that dmon understands. The catalog is built once
// from a single `dcgmi dmon -l` invocation and is immutable afterwards.
package catalog

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/dcgm-tools/dcgmtop/internal/telemetry"
)

// ErrUnavailable indicates the external tool's metric listing could not be
// executed at all. This is fatal at construction time.
var ErrUnavailable = errors.New("metric catalog unavailable")

// headerLines is the fixed number of header rows before the field table in
// `dcgmi dmon -l` output.
const headerLines = 3

// Field describes one dcgmi counter.
type Field struct {
	LongName  string
	ShortName string
	ID        string
}

// Catalog is the immutable mapping between metric long names, short display
// names, and dcgmi field ids, restricted to the metrics requested at
// construction. Fields keep the order in which they were requested.
type Catalog struct {
	fields []Field
	byLong map[string]Field
}

// Runner executes the external tool and returns its stdout. Tests inject a
// canned runner; production code uses the default exec-based one.
type Runner func(binary string, args ...string) ([]byte, error)

func execRunner(binary string, args ...string) ([]byte, error) {
	return exec.Command(binary, args...).Output()
}

// Resolve invokes `<binary> dmon -l` and builds a catalog restricted to the
// requested long names. Names with no matching table row are logged and
// skipped; the caller proceeds with the subset that resolved.
func Resolve(binary string, names []string, logger *zap.Logger) (*Catalog, error) {
	return ResolveWith(execRunner, binary, names, logger)
}

// ResolveWith is Resolve with an injectable command runner.
func ResolveWith(run Runner, binary string, names []string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	out, err := run(binary, "dmon", "-l")
	if err != nil {
		return nil, fmt.Errorf("%w: running %s dmon -l: %v", ErrUnavailable, binary, err)
	}

	table := parseFieldTable(string(out))
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: %s dmon -l produced no field table", ErrUnavailable, binary)
	}

	c := &Catalog{byLong: make(map[string]Field)}
	for _, name := range names {
		field, ok := table[name]
		if !ok {
			logger.Warn("Requested metric not in catalog, skipping",
				zap.String("metric", name))
			continue
		}
		c.fields = append(c.fields, field)
		c.byLong[name] = field
	}

	if len(c.fields) == 0 {
		return nil, fmt.Errorf("none of the %d requested metrics resolved; available: %s",
			len(names), strings.Join(availableNames(table), ", "))
	}

	return c, nil
}

// parseFieldTable converts the `dmon -l` output into long name -> Field.
// The table starts after a fixed-size header and ends at the first blank or
// short row.
func parseFieldTable(out string) map[string]Field {
	table := make(map[string]Field)
	lines := strings.Split(out, "\n")
	if len(lines) <= headerLines {
		return table
	}

	for _, line := range lines[headerLines:] {
		cols := telemetry.SplitColumns(line)
		if len(cols) < 3 {
			continue
		}
		table[cols[0]] = Field{
			LongName:  cols[0],
			ShortName: cols[1],
			ID:        cols[2],
		}
	}
	return table
}

func availableNames(table map[string]Field) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	return names
}

// Names returns the resolved metric long names in requested order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.fields))
	for i, f := range c.fields {
		names[i] = f.LongName
	}
	return names
}

// FieldIDs returns the comma-joined field ids, in the same order as Names.
// This is the value passed to dmon's -e flag.
func (c *Catalog) FieldIDs() string {
	ids := make([]string, len(c.fields))
	for i, f := range c.fields {
		ids[i] = f.ID
	}
	return strings.Join(ids, ",")
}

// ShortName returns the display abbreviation for a metric long name.
func (c *Catalog) ShortName(longName string) (string, bool) {
	f, ok := c.byLong[longName]
	return f.ShortName, ok
}

// FieldID returns the dcgmi field id for a metric long name.
func (c *Catalog) FieldID(longName string) (string, bool) {
	f, ok := c.byLong[longName]
	return f.ID, ok
}

// Len returns the number of resolved metrics.
func (c *Catalog) Len() int { return len(c.fields) }
