// Package storage defines the time-series store contract for the
// candle pipeline and provides two backends: a durable DuckDB store
// and an in-memory store for tests.
//
// A store holds exactly one logical stream: the candles relation is
// keyed by open_time alone, mirroring the one-database-per-stream
// layout of the persisted schema. Fetch run metadata rides alongside
// in a fetch_runs relation.
package storage

import (
	"context"
	"fmt"

	"github.com/klinesync/klinesync/internal/models"
)

// Store is the complete storage contract used by the orchestrator
// (write path) and the verifier (read-only audit path).
type Store interface {
	CandleWriter
	CandleReader
	RunRecorder
	Manager
}

// CandleWriter is the idempotent write path.
type CandleWriter interface {
	// UpsertBatch persists a batch of candles as a single atomic unit
	// and returns the number actually inserted. Re-inserting a present
	// open_time is a no-op for that record, never an error. A failed
	// batch has no partial effect: LatestOpenTime is unchanged.
	UpsertBatch(ctx context.Context, candles []models.Candle) (int64, error)
}

// CandleReader is the read/audit path.
type CandleReader interface {
	// LatestOpenTime returns the maximum stored open_time, or ok=false
	// for an empty store. Drives the resume cursor.
	LatestOpenTime(ctx context.Context) (ts int64, ok bool, err error)

	// EarliestOpenTime returns the minimum stored open_time, or
	// ok=false for an empty store.
	EarliestOpenTime(ctx context.Context) (ts int64, ok bool, err error)

	// QueryRange returns candles with from <= open_time <= to in
	// ascending order. No result-size cap; callers chunk if needed.
	QueryRange(ctx context.Context, from, to int64) ([]models.Candle, error)

	// CountRange returns the number of candles with
	// from <= open_time <= to.
	CountRange(ctx context.Context, from, to int64) (int64, error)

	// ScanGaps returns the maximal missing ranges in [from, to] for
	// the expected progression from, from+step, ... It scans present
	// timestamps in order, O(rows present), never probing each
	// expected timestamp individually.
	ScanGaps(ctx context.Context, from, to, stepMs int64) ([]models.Gap, error)
}

// RunRecorder persists fetch run metadata. Observability only; never
// consulted for correctness.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.FetchRun) error
	FinishRun(ctx context.Context, run *models.FetchRun) error
	LastRun(ctx context.Context, streamID string) (*models.FetchRun, error)
}

// Manager covers lifecycle and monitoring.
type Manager interface {
	// Initialize creates tables and indexes. Idempotent.
	Initialize(ctx context.Context) error

	// Stats returns data-volume statistics for the stored stream.
	Stats(ctx context.Context) (*Stats, error)

	// HealthCheck verifies the backend is operational.
	HealthCheck(ctx context.Context) error

	// Close releases the backend. The store must not be used after.
	Close() error
}

// Stats summarizes the stored series.
type Stats struct {
	TotalCandles int64 `json:"total_candles"`
	EarliestOpen int64 `json:"earliest_open_time"`
	LatestOpen   int64 `json:"latest_open_time"`
	TotalRuns    int64 `json:"total_runs"`
}

// StoreError carries operation context for storage failures.
type StoreError struct {
	Operation string
	Table     string
	Err       error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError with the provided context.
func NewStoreError(operation, table string, err error) *StoreError {
	return &StoreError{Operation: operation, Table: table, Err: err}
}

// gapScanner accumulates maximal missing ranges while consuming
// present timestamps in ascending order. Timestamps are expected on
// the grid from, from+step, ...; off-grid values are ignored for gap
// purposes (the verifier reports them as ordering problems).
type gapScanner struct {
	from   int64
	to     int64
	step   int64
	expect int64
	gaps   []models.Gap
}

func newGapScanner(from, to, step int64) *gapScanner {
	return &gapScanner{from: from, to: to, step: step, expect: from}
}

// observe consumes the next present timestamp.
func (g *gapScanner) observe(ts int64) {
	if ts < g.from || ts > g.to {
		return
	}
	if off := (ts - g.from) % g.step; off != 0 {
		return
	}
	if ts > g.expect {
		g.gaps = append(g.gaps, models.Gap{Start: g.expect, End: ts - g.step})
	}
	if ts >= g.expect {
		g.expect = ts + g.step
	}
}

// finish closes the trailing gap, if any, and returns the result.
func (g *gapScanner) finish() []models.Gap {
	lastExpected := g.from + ((g.to-g.from)/g.step)*g.step
	if g.expect <= lastExpected {
		g.gaps = append(g.gaps, models.Gap{Start: g.expect, End: lastExpected})
	}
	return g.gaps
}
