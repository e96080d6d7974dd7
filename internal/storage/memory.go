package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/klinesync/klinesync/internal/models"
)

// MemoryStore is a thread-safe in-memory Store implementation used by
// tests and as a reference for the contract semantics. Batches commit
// atomically under the write lock, so readers never observe a torn
// batch.
type MemoryStore struct {
	mu sync.RWMutex

	candles map[int64]models.Candle
	runs    []*models.FetchRun

	initialized bool
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[int64]models.Candle),
	}
}

// Initialize implements Manager.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewStoreError("initialize", "", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// UpsertBatch implements CandleWriter. The whole batch is validated
// before any mutation so a bad candle leaves the store untouched.
func (m *MemoryStore) UpsertBatch(ctx context.Context, candles []models.Candle) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStoreError("upsert_batch", "candles", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewStoreError("upsert_batch", "candles", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewStoreError("upsert_batch", "candles", errors.New("store is closed"))
	}

	var inserted int64
	for _, c := range candles {
		if _, exists := m.candles[c.OpenTime]; exists {
			continue
		}
		m.candles[c.OpenTime] = c
		inserted++
	}
	return inserted, nil
}

// LatestOpenTime implements CandleReader.
func (m *MemoryStore) LatestOpenTime(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, NewStoreError("latest_open_time", "candles", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest int64
	found := false
	for ts := range m.candles {
		if !found || ts > latest {
			latest = ts
			found = true
		}
	}
	return latest, found, nil
}

// EarliestOpenTime implements CandleReader.
func (m *MemoryStore) EarliestOpenTime(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, NewStoreError("earliest_open_time", "candles", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var earliest int64
	found := false
	for ts := range m.candles {
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	return earliest, found, nil
}

// QueryRange implements CandleReader.
func (m *MemoryStore) QueryRange(ctx context.Context, from, to int64) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("query_range", "candles", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Candle, 0)
	for ts, c := range m.candles {
		if ts >= from && ts <= to {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenTime < result[j].OpenTime })
	return result, nil
}

// CountRange implements CandleReader.
func (m *MemoryStore) CountRange(ctx context.Context, from, to int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStoreError("count_range", "candles", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for ts := range m.candles {
		if ts >= from && ts <= to {
			count++
		}
	}
	return count, nil
}

// ScanGaps implements CandleReader.
func (m *MemoryStore) ScanGaps(ctx context.Context, from, to, stepMs int64) ([]models.Gap, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("scan_gaps", "candles", err)
	}
	if stepMs <= 0 || to < from {
		return nil, nil
	}

	m.mu.RLock()
	present := make([]int64, 0, len(m.candles))
	for ts := range m.candles {
		if ts >= from && ts <= to {
			present = append(present, ts)
		}
	}
	m.mu.RUnlock()

	sort.Slice(present, func(i, j int) bool { return present[i] < present[j] })

	scanner := newGapScanner(from, to, stepMs)
	for _, ts := range present {
		scanner.observe(ts)
	}
	return scanner.finish(), nil
}

// RecordRun implements RunRecorder.
func (m *MemoryStore) RecordRun(ctx context.Context, run *models.FetchRun) error {
	if err := ctx.Err(); err != nil {
		return NewStoreError("record_run", "fetch_runs", err)
	}
	if err := run.Validate(); err != nil {
		return NewStoreError("record_run", "fetch_runs", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

// FinishRun implements RunRecorder.
func (m *MemoryStore) FinishRun(ctx context.Context, run *models.FetchRun) error {
	if err := ctx.Err(); err != nil {
		return NewStoreError("finish_run", "fetch_runs", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == run.ID {
			cp := *run
			m.runs[i] = &cp
			return nil
		}
	}
	return NewStoreError("finish_run", "fetch_runs", errors.New("run not found: "+run.ID))
}

// LastRun implements RunRecorder.
func (m *MemoryStore) LastRun(ctx context.Context, streamID string) (*models.FetchRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("last_run", "fetch_runs", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].StreamID == streamID {
			cp := *m.runs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// Stats implements Manager.
func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("stats", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TotalCandles: int64(len(m.candles)),
		TotalRuns:    int64(len(m.runs)),
	}
	first := true
	for ts := range m.candles {
		if first {
			stats.EarliestOpen, stats.LatestOpen = ts, ts
			first = false
			continue
		}
		if ts < stats.EarliestOpen {
			stats.EarliestOpen = ts
		}
		if ts > stats.LatestOpen {
			stats.LatestOpen = ts
		}
	}
	return stats, nil
}

// HealthCheck implements Manager.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Close implements Manager.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
