// Package store is the historical-latency store (spec.md §6): an
// append-only probe_samples table queried by the Control API's
// graph/summary/export surface. It is not part of the daemon's decision
// loop — the Health State Machine never reads from it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/errkind"
)

// activeClock is read by the registered SQL time functions below so
// datetime('now')/date('now')/etc. resolve against the daemon's
// injected clock.Clock instead of wall time, the way the teacher's state
// store anchors SQLite's time functions to clock.Now() (grounded on
// internal/state/store.go's datetimeFunc family). Swapped atomically by
// Open so tests using a MockClock see SQL-side "now" move with Advance.
var (
	activeClockMu sync.RWMutex
	activeClock   clock.Clock = &clock.RealClock{}
)

func setActiveClock(c clock.Clock) {
	activeClockMu.Lock()
	defer activeClockMu.Unlock()
	activeClock = c
}

func nowFromActiveClock() time.Time {
	activeClockMu.RLock()
	defer activeClockMu.RUnlock()
	return activeClock.Now()
}

const schema = `
CREATE TABLE IF NOT EXISTS probe_samples (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	uplink        TEXT NOT NULL,
	ts            TEXT NOT NULL,
	latency_ms    REAL NOT NULL,
	loss_fraction REAL NOT NULL,
	verdict       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_probe_samples_uplink_ts ON probe_samples(uplink, ts);
`

// Store wraps a *sql.DB open against a modernc.org/sqlite file in WAL mode.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if needed) the SQLite database at path, applies
// the schema, and anchors its time functions to clk.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	setActiveClock(clk)

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errkind.New(errkind.Host, fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is a single-writer driver

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errkind.New(errkind.Host, fmt.Errorf("apply schema: %w", err))
	}

	return &Store{db: db, clock: clk}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSample appends one ProbeSample to the historical store. Failures
// are returned as host errors (spec.md §7); the Health SM's recorder logs
// them without retrying the insert, and they are never fatal to the
// decision loop.
func (s *Store) RecordSample(ctx context.Context, sample domain.ProbeSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO probe_samples (uplink, ts, latency_ms, loss_fraction, verdict) VALUES (?, ?, ?, ?, ?)`,
		sample.Uplink, sample.Timestamp.UTC().Format(time.RFC3339Nano), sample.LatencyMs, sample.LossFraction, string(sample.Verdict))
	if err != nil {
		return errkind.New(errkind.Host, fmt.Errorf("insert probe sample: %w", err))
	}
	return nil
}

// GraphPoint is one sample returned by the historical-latency graph query.
type GraphPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	LatencyMs    float64   `json:"latency_ms"`
	LossFraction float64   `json:"loss_fraction"`
	Verdict      string    `json:"verdict"`
}

// Graph returns every sample for uplink within [since, now], ascending by
// time, for the Control API's historical-latency graph surface.
func (s *Store) Graph(ctx context.Context, uplink string, since time.Duration) ([]GraphPoint, error) {
	cutoff := nowFromActiveClock().Add(-since).UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, latency_ms, loss_fraction, verdict FROM probe_samples WHERE uplink = ? AND ts >= ? ORDER BY ts ASC`,
		uplink, cutoff)
	if err != nil {
		return nil, errkind.New(errkind.Host, fmt.Errorf("query graph: %w", err))
	}
	defer rows.Close()

	var out []GraphPoint
	for rows.Next() {
		var tsStr, verdict string
		var latency, loss float64
		if err := rows.Scan(&tsStr, &latency, &loss, &verdict); err != nil {
			return nil, errkind.New(errkind.Host, fmt.Errorf("scan graph row: %w", err))
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			continue
		}
		out = append(out, GraphPoint{Timestamp: ts, LatencyMs: latency, LossFraction: loss, Verdict: verdict})
	}
	return out, rows.Err()
}

// Summary is the aggregate statistics returned for an uplink over a window.
type Summary struct {
	Uplink        string  `json:"uplink"`
	SampleCount   int     `json:"sample_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	AvgLoss       float64 `json:"avg_loss_fraction"`
	UptimeRatio   float64 `json:"uptime_ratio"`
}

// Summarize aggregates uplink's samples over [since, now).
func (s *Store) Summarize(ctx context.Context, uplink string, since time.Duration) (Summary, error) {
	cutoff := nowFromActiveClock().Add(-since).UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(MAX(latency_ms), 0),
			COALESCE(AVG(loss_fraction), 0),
			COALESCE(AVG(CASE WHEN verdict = 'reachable' THEN 1.0 ELSE 0.0 END), 1.0)
		FROM probe_samples WHERE uplink = ? AND ts >= ?`, uplink, cutoff)

	var sum Summary
	sum.Uplink = uplink
	if err := row.Scan(&sum.SampleCount, &sum.AvgLatencyMs, &sum.MaxLatencyMs, &sum.AvgLoss, &sum.UptimeRatio); err != nil {
		return Summary{}, errkind.New(errkind.Host, fmt.Errorf("summarize: %w", err))
	}
	return sum, nil
}

// Export returns every sample for uplink within [since, now], for the
// Control API's raw-export surface (e.g. CSV rendering happens at the
// ctlplane layer; this just hands back the rows).
func (s *Store) Export(ctx context.Context, uplink string, since time.Duration) ([]GraphPoint, error) {
	return s.Graph(ctx, uplink, since)
}

// Prune deletes samples older than maxAge, keeping the table bounded.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := nowFromActiveClock().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM probe_samples WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, errkind.New(errkind.Host, fmt.Errorf("prune: %w", err))
	}
	return res.RowsAffected()
}
