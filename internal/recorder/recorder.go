// Package recorder persists telemetry samples to a local SQLite database.
// Samples are batched in memory and flushed on an interval; row-count
// pruning keeps only a bounded recent window. A recorder failure is logged,
// never propagated into the collection path.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Sample is one persisted metric reading.
type Sample struct {
	Timestamp time.Time
	Device    string
	Metric    string
	Value     float64
}

// Recorder buffers samples and writes them to SQLite in transactions.
type Recorder struct {
	db            *sql.DB
	logger        *zap.Logger
	flushInterval time.Duration
	retentionRows int

	mu    sync.Mutex
	batch []Sample
}

// New opens (or creates) the SQLite file at dbPath and runs the migration.
// The caller must call Close() on shutdown. The modernc.org driver is
// pure Go and works without CGO.
func New(dbPath string, flushInterval time.Duration, retentionRows int, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_fk=1", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	r := &Recorder{
		db:            db,
		logger:        logger,
		flushInterval: flushInterval,
		retentionRows: retentionRows,
	}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return r, nil
}

func (r *Recorder) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS samples (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    ts     DATETIME NOT NULL,
    device TEXT NOT NULL,
    metric TEXT NOT NULL,
    value  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_device_metric_ts ON samples(device, metric, ts);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("create samples table: %w", err)
	}
	return nil
}

// Record buffers one parsed sample. metrics and values are parallel; extra
// entries on either side are ignored. Safe to call from the engine's
// sample hook.
func (r *Recorder) Record(device string, metrics []string, values []float64) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, name := range metrics {
		if i >= len(values) {
			break
		}
		r.batch = append(r.batch, Sample{
			Timestamp: now,
			Device:    device,
			Metric:    name,
			Value:     values[i],
		})
	}
}

// Run flushes the batch on the configured interval until the context is
// cancelled, then performs a final flush.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Flush writes the pending batch in one transaction and prunes rows beyond
// the retention bound. Errors are logged; the batch is dropped either way
// so a broken database cannot grow the buffer without bound.
func (r *Recorder) Flush() {
	r.mu.Lock()
	batch := r.batch
	r.batch = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := r.write(batch); err != nil {
		r.logger.Error("Persisting samples failed",
			zap.Int("samples", len(batch)), zap.Error(err))
		return
	}

	if err := r.prune(); err != nil {
		r.logger.Warn("Pruning samples failed", zap.Error(err))
	}

	r.logger.Debug("Samples persisted", zap.Int("count", len(batch)))
}

func (r *Recorder) write(batch []Sample) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO samples (ts, device, metric, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range batch {
		if _, err := stmt.Exec(s.Timestamp, s.Device, s.Metric, s.Value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert sample for %s/%s: %w", s.Device, s.Metric, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *Recorder) prune() error {
	_, err := r.db.Exec(
		`DELETE FROM samples WHERE id NOT IN (SELECT id FROM samples ORDER BY id DESC LIMIT ?)`,
		r.retentionRows)
	return err
}

// Recent returns up to limit most recent samples for one device/metric
// pair, newest first.
func (r *Recorder) Recent(device, metric string, limit int) ([]Sample, error) {
	rows, err := r.db.Query(
		`SELECT ts, device, metric, value FROM samples
		 WHERE device = ? AND metric = ? ORDER BY id DESC LIMIT ?`,
		device, metric, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.Timestamp, &s.Device, &s.Metric, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of persisted rows.
func (r *Recorder) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n)
	return n, err
}

// Close flushes pending samples and shuts down the database connection.
func (r *Recorder) Close() error {
	r.Flush()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
