package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/klinesync/klinesync/internal/models"
)

// DuckDBStore implements Store on an embedded DuckDB database. Writes
// go through a single connection (single-writer pattern) and each
// batch executes inside one transaction, so a batch either commits
// fully or leaves the store untouched and concurrent readers never
// observe a torn batch. DuckDB's own write-ahead log makes a committed
// batch survive process crash.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStore opens (or creates) the database at dbPath. Use
// ":memory:" for an ephemeral store.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStoreError("open", "", fmt.Errorf("failed to open database: %w", err))
	}

	// Single writer: concurrent ingestors are unsupported and must
	// fail loudly at the connection level rather than interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_store"),
	}, nil
}

// Initialize implements Manager. Creates the candles and fetch_runs
// relations plus the indexes backing hot range queries. Idempotent.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.logger.Info("initializing store", "db_path", d.dbPath)

	statements := []struct {
		table string
		query string
	}{
		{"candles", `
			CREATE TABLE IF NOT EXISTS candles (
				open_time BIGINT PRIMARY KEY,
				open DOUBLE NOT NULL,
				high DOUBLE NOT NULL,
				low DOUBLE NOT NULL,
				close DOUBLE NOT NULL,
				volume DOUBLE NOT NULL,
				quote_volume DOUBLE NOT NULL,
				trade_count BIGINT NOT NULL,
				taker_buy_base DOUBLE NOT NULL,
				taker_buy_quote DOUBLE NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				CONSTRAINT candles_ohlc_valid CHECK (high >= low),
				CONSTRAINT candles_volume_non_negative CHECK (volume >= 0 AND quote_volume >= 0),
				CONSTRAINT candles_trades_non_negative CHECK (trade_count >= 0)
			)`},
		{"fetch_runs", `
			CREATE TABLE IF NOT EXISTS fetch_runs (
				id VARCHAR PRIMARY KEY,
				stream_id VARCHAR NOT NULL,
				requested_start BIGINT NOT NULL,
				requested_end BIGINT NOT NULL,
				records_fetched BIGINT NOT NULL DEFAULT 0,
				status VARCHAR NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'interrupted')),
				error VARCHAR,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ
			)`},
		// Covering index for range queries that read the close price.
		{"candles", `CREATE INDEX IF NOT EXISTS idx_candles_open_time_close ON candles (open_time, close)`},
		{"fetch_runs", `CREATE INDEX IF NOT EXISTS idx_runs_stream_started ON fetch_runs (stream_id, started_at)`},
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt.query); err != nil {
			return NewStoreError("initialize", stmt.table, err)
		}
	}

	return nil
}

// UpsertBatch implements CandleWriter. The batch runs as one
// transaction with INSERT OR IGNORE per row: duplicates are no-ops,
// any failure rolls the whole batch back.
func (d *DuckDBStore) UpsertBatch(ctx context.Context, candles []models.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	start := time.Now()

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewStoreError("upsert_batch", "candles", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStoreError("upsert_batch", "candles", fmt.Errorf("failed to begin transaction: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles
			(open_time, open, high, low, close, volume, quote_volume,
			 trade_count, taker_buy_base, taker_buy_quote)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, NewStoreError("upsert_batch", "candles", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	var inserted int64
	for i := range candles {
		c := &candles[i]
		res, err := stmt.ExecContext(ctx,
			c.OpenTime,
			c.Open.InexactFloat64(),
			c.High.InexactFloat64(),
			c.Low.InexactFloat64(),
			c.Close.InexactFloat64(),
			c.Volume.InexactFloat64(),
			c.QuoteVolume.InexactFloat64(),
			c.TradeCount,
			c.TakerBuyBase.InexactFloat64(),
			c.TakerBuyQuote.InexactFloat64(),
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, NewStoreError("upsert_batch", "candles", fmt.Errorf("failed to insert candle %s: %w", c.String(), err))
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, NewStoreError("upsert_batch", "candles", fmt.Errorf("failed to commit batch: %w", err))
	}

	d.logger.Debug("committed candle batch",
		"count", len(candles),
		"inserted", inserted,
		"duration", time.Since(start))

	return inserted, nil
}

// LatestOpenTime implements CandleReader.
func (d *DuckDBStore) LatestOpenTime(ctx context.Context) (int64, bool, error) {
	var ts sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(open_time) FROM candles").Scan(&ts); err != nil {
		return 0, false, NewStoreError("latest_open_time", "candles", err)
	}
	return ts.Int64, ts.Valid, nil
}

// EarliestOpenTime implements CandleReader.
func (d *DuckDBStore) EarliestOpenTime(ctx context.Context) (int64, bool, error) {
	var ts sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT MIN(open_time) FROM candles").Scan(&ts); err != nil {
		return 0, false, NewStoreError("earliest_open_time", "candles", err)
	}
	return ts.Int64, ts.Valid, nil
}

// QueryRange implements CandleReader.
func (d *DuckDBStore) QueryRange(ctx context.Context, from, to int64) ([]models.Candle, error) {
	query := `
		SELECT open_time, open, high, low, close, volume, quote_volume,
		       trade_count, taker_buy_base, taker_buy_quote
		FROM candles
		WHERE open_time >= $1 AND open_time <= $2
		ORDER BY open_time ASC`

	rows, err := d.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, NewStoreError("query_range", "candles", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, NewStoreError("query_range", "candles", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("query_range", "candles", err)
	}
	return candles, nil
}

// CountRange implements CandleReader.
func (d *DuckDBStore) CountRange(ctx context.Context, from, to int64) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM candles WHERE open_time >= $1 AND open_time <= $2",
		from, to).Scan(&count)
	if err != nil {
		return 0, NewStoreError("count_range", "candles", err)
	}
	return count, nil
}

// ScanGaps implements CandleReader. Streams present open times in
// ascending order through the gap scanner, so cost is proportional to
// rows present, not to the width of the range.
func (d *DuckDBStore) ScanGaps(ctx context.Context, from, to, stepMs int64) ([]models.Gap, error) {
	if stepMs <= 0 || to < from {
		return nil, nil
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT open_time FROM candles WHERE open_time >= $1 AND open_time <= $2 ORDER BY open_time ASC",
		from, to)
	if err != nil {
		return nil, NewStoreError("scan_gaps", "candles", err)
	}
	defer rows.Close()

	scanner := newGapScanner(from, to, stepMs)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, NewStoreError("scan_gaps", "candles", err)
		}
		scanner.observe(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("scan_gaps", "candles", err)
	}
	return scanner.finish(), nil
}

// RecordRun implements RunRecorder.
func (d *DuckDBStore) RecordRun(ctx context.Context, run *models.FetchRun) error {
	if err := run.Validate(); err != nil {
		return NewStoreError("record_run", "fetch_runs", err)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO fetch_runs
			(id, stream_id, requested_start, requested_end, records_fetched, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID,
		run.StreamID,
		run.RequestedStart,
		run.RequestedEnd,
		run.RecordsFetched,
		string(run.Status),
		run.Error,
		run.StartedAt,
		nullableTime(run.FinishedAt),
	)
	if err != nil {
		return NewStoreError("record_run", "fetch_runs", err)
	}
	return nil
}

// FinishRun implements RunRecorder.
func (d *DuckDBStore) FinishRun(ctx context.Context, run *models.FetchRun) error {
	if err := run.Validate(); err != nil {
		return NewStoreError("finish_run", "fetch_runs", err)
	}

	res, err := d.db.ExecContext(ctx, `
		UPDATE fetch_runs
		SET records_fetched = $2, status = $3, error = $4, finished_at = $5
		WHERE id = $1`,
		run.ID,
		run.RecordsFetched,
		string(run.Status),
		run.Error,
		nullableTime(run.FinishedAt),
	)
	if err != nil {
		return NewStoreError("finish_run", "fetch_runs", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewStoreError("finish_run", "fetch_runs", fmt.Errorf("run %s not found", run.ID))
	}
	return nil
}

// LastRun implements RunRecorder.
func (d *DuckDBStore) LastRun(ctx context.Context, streamID string) (*models.FetchRun, error) {
	query := `
		SELECT id, stream_id, requested_start, requested_end, records_fetched, status, error, started_at, finished_at
		FROM fetch_runs
		WHERE stream_id = $1
		ORDER BY started_at DESC
		LIMIT 1`

	var run models.FetchRun
	var status string
	var errMsg sql.NullString
	var finishedAt sql.NullTime

	err := d.db.QueryRowContext(ctx, query, streamID).Scan(
		&run.ID,
		&run.StreamID,
		&run.RequestedStart,
		&run.RequestedEnd,
		&run.RecordsFetched,
		&status,
		&errMsg,
		&run.StartedAt,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("last_run", "fetch_runs", err)
	}

	run.Status = models.RunStatus(status)
	run.Error = errMsg.String
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return &run, nil
}

// Stats implements Manager.
func (d *DuckDBStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM candles").Scan(&stats.TotalCandles); err != nil {
		return nil, NewStoreError("stats", "candles", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fetch_runs").Scan(&stats.TotalRuns); err != nil {
		return nil, NewStoreError("stats", "fetch_runs", err)
	}

	if stats.TotalCandles > 0 {
		var earliest, latest sql.NullInt64
		if err := d.db.QueryRowContext(ctx, "SELECT MIN(open_time), MAX(open_time) FROM candles").Scan(&earliest, &latest); err != nil {
			return nil, NewStoreError("stats", "candles", err)
		}
		stats.EarliestOpen = earliest.Int64
		stats.LatestOpen = latest.Int64
	}

	return stats, nil
}

// HealthCheck implements Manager.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	var result int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStoreError("health_check", "", err)
	}
	return nil
}

// Close implements Manager.
func (d *DuckDBStore) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Info("closing store", "db_path", d.dbPath)
	if err := d.db.Close(); err != nil {
		return NewStoreError("close", "", err)
	}
	d.db = nil
	return nil
}

// scanCandle reads one candle row. DuckDB returns DOUBLE columns as
// float64; prices convert back to decimals at read time.
func scanCandle(rows *sql.Rows) (models.Candle, error) {
	var c models.Candle
	var open, high, low, closePx, volume, quoteVolume, takerBase, takerQuote float64

	if err := rows.Scan(
		&c.OpenTime,
		&open,
		&high,
		&low,
		&closePx,
		&volume,
		&quoteVolume,
		&c.TradeCount,
		&takerBase,
		&takerQuote,
	); err != nil {
		return c, fmt.Errorf("failed to scan candle row: %w", err)
	}

	c.Open = decimal.NewFromFloat(open)
	c.High = decimal.NewFromFloat(high)
	c.Low = decimal.NewFromFloat(low)
	c.Close = decimal.NewFromFloat(closePx)
	c.Volume = decimal.NewFromFloat(volume)
	c.QuoteVolume = decimal.NewFromFloat(quoteVolume)
	c.TakerBuyBase = decimal.NewFromFloat(takerBase)
	c.TakerBuyQuote = decimal.NewFromFloat(takerQuote)
	return c, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Compile-time interface compliance check
var _ Store = (*DuckDBStore)(nil)
