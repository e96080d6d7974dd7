package storage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/models"
)

const stepMs = int64(60000)

func testCandle(openTime int64) models.Candle {
	return models.Candle{
		OpenTime:      openTime,
		Open:          decimal.NewFromFloat(100.0),
		High:          decimal.NewFromFloat(105.0),
		Low:           decimal.NewFromFloat(99.0),
		Close:         decimal.NewFromFloat(102.0),
		Volume:        decimal.NewFromFloat(10.0),
		QuoteVolume:   decimal.NewFromFloat(1010.0),
		TradeCount:    42,
		TakerBuyBase:  decimal.NewFromFloat(6.0),
		TakerBuyQuote: decimal.NewFromFloat(606.0),
	}
}

func candlesAt(times ...int64) []models.Candle {
	out := make([]models.Candle, 0, len(times))
	for _, ts := range times {
		out = append(out, testCandle(ts))
	}
	return out
}

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestUpsertBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	batch := candlesAt(60000, 120000, 180000)

	inserted, err := store.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	// Replaying the identical batch inserts nothing and is not an error.
	inserted, err = store.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	count, err := store.CountRange(ctx, 0, 200000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestUpsertBatchPartialOverlap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000))
	require.NoError(t, err)

	inserted, err := store.UpsertBatch(ctx, candlesAt(120000, 180000, 240000))
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)
}

func TestUpsertBatchAtomicOnInvalidCandle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	batch := candlesAt(60000, 120000)
	batch = append(batch, models.Candle{OpenTime: -1})

	_, err := store.UpsertBatch(ctx, batch)
	require.Error(t, err)

	// The failed batch left no partial state behind.
	_, found, err := store.LatestOpenTime(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertBatchEmpty(t *testing.T) {
	inserted, err := newTestStore(t).UpsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)
}

func TestLatestAndEarliestOpenTime(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, found, err := store.LatestOpenTime(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.UpsertBatch(ctx, candlesAt(180000, 60000, 120000))
	require.NoError(t, err)

	latest, found, err := store.LatestOpenTime(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(180000), latest)

	earliest, found, err := store.EarliestOpenTime(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(60000), earliest)
}

func TestQueryRangeOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(300000, 60000, 180000, 120000))
	require.NoError(t, err)

	got, err := store.QueryRange(ctx, 60000, 180000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(60000), got[0].OpenTime)
	assert.Equal(t, int64(120000), got[1].OpenTime)
	assert.Equal(t, int64(180000), got[2].OpenTime)
}

func TestScanGaps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Expected grid 60000..660000; 240000 and 300000 are absent.
	var present []int64
	for ts := int64(60000); ts <= 660000; ts += stepMs {
		if ts == 240000 || ts == 300000 {
			continue
		}
		present = append(present, ts)
	}
	_, err := store.UpsertBatch(ctx, candlesAt(present...))
	require.NoError(t, err)

	gaps, err := store.ScanGaps(ctx, 60000, 660000, stepMs)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, models.Gap{Start: 240000, End: 300000}, gaps[0])
	assert.Equal(t, int64(2), gaps[0].MissingCount(stepMs))
}

func TestScanGapsCompleteRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000, 180000))
	require.NoError(t, err)

	gaps, err := store.ScanGaps(ctx, 60000, 180000, stepMs)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestScanGapsEmptyStore(t *testing.T) {
	gaps, err := newTestStore(t).ScanGaps(context.Background(), 60000, 180000, stepMs)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, models.Gap{Start: 60000, End: 180000}, gaps[0])
}

func TestRunRecorder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run := models.NewFetchRun("BTCUSDT:1m", 60000, 660000)
	require.NoError(t, store.RecordRun(ctx, run))

	run.Complete(10)
	require.NoError(t, store.FinishRun(ctx, run))

	got, err := store.LastRun(ctx, "BTCUSDT:1m")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	missing, err := store.LastRun(ctx, "ETHUSDT:1m")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFinishUnknownRun(t *testing.T) {
	store := newTestStore(t)
	run := models.NewFetchRun("BTCUSDT:1m", 1, 2)
	assert.Error(t, store.FinishRun(context.Background(), run))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000, 300000))
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(ctx, models.NewFetchRun("BTCUSDT:1m", 60000, 300000)))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCandles)
	assert.Equal(t, int64(60000), stats.EarliestOpen)
	assert.Equal(t, int64(300000), stats.LatestOpen)
	assert.Equal(t, int64(1), stats.TotalRuns)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.UpsertBatch(ctx, candlesAt(60000))
	assert.Error(t, err)
	assert.Error(t, store.HealthCheck(ctx))
}

func TestCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.UpsertBatch(ctx, candlesAt(60000))
	assert.Error(t, err)
	_, err = store.QueryRange(ctx, 0, 100)
	assert.Error(t, err)
}
