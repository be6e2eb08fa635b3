// Package telemetry parses dcgmi dmon output lines and maintains the
// per-device running statistics they feed.
package telemetry

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// columnGap matches the multi-space padding dcgmi uses between columns.
// Device tags like "GPU 0" contain single spaces, so a single space is not
// a separator.
var columnGap = regexp.MustCompile(`\s{2,}`)

// SplitColumns splits a dcgmi output line on runs of two or more whitespace
// characters, trims each column, and drops empty ones.
func SplitColumns(line string) []string {
	var cols []string
	for _, col := range columnGap.Split(line, -1) {
		col = strings.TrimSpace(col)
		if col != "" {
			cols = append(cols, col)
		}
	}
	return cols
}

// Parser converts raw dmon lines into device tags plus ordered metric values.
// It is stateless apart from the expected metric count and safe to reuse.
type Parser struct {
	metricCount int
	logger      *zap.Logger
}

// NewParser creates a parser expecting metricCount values per data line.
func NewParser(metricCount int, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{metricCount: metricCount, logger: logger}
}

// Parse converts one raw line into a device tag and its ordered values.
//
// Header and comment lines (prefixed "#" or "ID") and malformed lines yield
// ok == false; malformed lines are logged, headers are not. A value token
// that does not parse as a number is coerced to 0.0 — dcgmi emits "N/A"
// placeholders for counters a device does not support, and dropping the
// whole line for those would starve the device of updates.
func (p *Parser) Parse(raw string) (device string, values []float64, ok bool) {
	if strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "ID") {
		return "", nil, false
	}

	cols := SplitColumns(raw)
	if len(cols) == 0 {
		return "", nil, false
	}

	if len(cols)-1 < p.metricCount {
		p.logger.Warn("Dropping malformed telemetry line",
			zap.Int("values", len(cols)-1),
			zap.Int("expected", p.metricCount),
			zap.String("line", strings.TrimSpace(raw)))
		return "", nil, false
	}

	device = cols[0]
	values = make([]float64, p.metricCount)
	for i, token := range cols[1 : 1+p.metricCount] {
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			// Placeholder text ("N/A") for an unsupported counter.
			v = 0
		}
		values[i] = v
	}
	return device, values, true
}
