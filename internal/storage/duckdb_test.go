package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/models"
)

func newDuckDBTestStore(t *testing.T) *DuckDBStore {
	t.Helper()
	store, err := NewDuckDBStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestDuckDBInitializeIdempotent(t *testing.T) {
	store := newDuckDBTestStore(t)
	require.NoError(t, store.Initialize(context.Background()))
}

func TestDuckDBUpsertBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	batch := candlesAt(60000, 120000, 180000)

	inserted, err := store.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	// INSERT OR IGNORE makes the replay a per-row no-op.
	inserted, err = store.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	count, err := store.CountRange(ctx, 0, 200000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestDuckDBUpsertBatchPartialOverlap(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000))
	require.NoError(t, err)

	inserted, err := store.UpsertBatch(ctx, candlesAt(120000, 180000, 240000))
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)
}

func TestDuckDBUpsertBatchAtomicOnInvalidCandle(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000, 180000))
	require.NoError(t, err)

	batch := candlesAt(240000, 300000)
	batch = append(batch, models.Candle{OpenTime: -1})

	_, err = store.UpsertBatch(ctx, batch)
	require.Error(t, err)

	// The failed batch committed nothing; the cursor is unmoved.
	latest, found, err := store.LatestOpenTime(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(180000), latest)

	count, err := store.CountRange(ctx, 0, 400000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestDuckDBLatestAndEarliestOpenTime(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

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

func TestDuckDBQueryRangeRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(300000, 60000, 180000, 120000))
	require.NoError(t, err)

	got, err := store.QueryRange(ctx, 60000, 180000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(60000), got[0].OpenTime)
	assert.Equal(t, int64(120000), got[1].OpenTime)
	assert.Equal(t, int64(180000), got[2].OpenTime)

	want := testCandle(60000)
	assert.True(t, got[0].Open.Equal(want.Open), "open: got %s want %s", got[0].Open, want.Open)
	assert.True(t, got[0].High.Equal(want.High))
	assert.True(t, got[0].Low.Equal(want.Low))
	assert.True(t, got[0].Close.Equal(want.Close))
	assert.True(t, got[0].Volume.Equal(want.Volume))
	assert.True(t, got[0].QuoteVolume.Equal(want.QuoteVolume))
	assert.Equal(t, want.TradeCount, got[0].TradeCount)
	assert.True(t, got[0].TakerBuyBase.Equal(want.TakerBuyBase))
	assert.True(t, got[0].TakerBuyQuote.Equal(want.TakerBuyQuote))
}

func TestDuckDBScanGaps(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

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
}

func TestDuckDBScanGapsTrailing(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000, 180000))
	require.NoError(t, err)

	gaps, err := store.ScanGaps(ctx, 60000, 300000, stepMs)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, models.Gap{Start: 240000, End: 300000}, gaps[0])
}

func TestDuckDBScanGapsCompleteRange(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	_, err := store.UpsertBatch(ctx, candlesAt(60000, 120000, 180000))
	require.NoError(t, err)

	gaps, err := store.ScanGaps(ctx, 60000, 180000, stepMs)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDuckDBRunRecorder(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

	run := models.NewFetchRun("BTCUSDT:1m", 60000, 660000)
	require.NoError(t, store.RecordRun(ctx, run))

	run.Complete(10)
	require.NoError(t, store.FinishRun(ctx, run))

	got, err := store.LastRun(ctx, "BTCUSDT:1m")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(10), got.RecordsFetched)
	assert.False(t, got.FinishedAt.IsZero())

	missing, err := store.LastRun(ctx, "ETHUSDT:1m")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDuckDBFinishUnknownRun(t *testing.T) {
	store := newDuckDBTestStore(t)
	run := models.NewFetchRun("BTCUSDT:1m", 1, 2)
	run.Complete(0)
	assert.Error(t, store.FinishRun(context.Background(), run))
}

func TestDuckDBStats(t *testing.T) {
	ctx := context.Background()
	store := newDuckDBTestStore(t)

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

func TestDuckDBHealthCheck(t *testing.T) {
	store := newDuckDBTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
