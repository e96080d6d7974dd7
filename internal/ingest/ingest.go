// Package ingest runs the sequential fetch loop for one stream: derive
// the resume point from the store, pull pages from the source, validate
// them, and commit each accepted batch atomically before advancing the
// cursor. The store's latest timestamp is the only resume state, so an
// interrupted or failed run resumes correctly by construction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klinesync/klinesync/internal/errs"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
	"github.com/klinesync/klinesync/internal/validator"
)

// DefaultBatchSize is the page size requested from the source per
// fetch.
const DefaultBatchSize = 1000

// pageRejectRetries is how many times a cursor position is re-fetched
// after its page crosses the rejection threshold before the run aborts.
const pageRejectRetries = 2

// ErrInterrupted is returned when an external interrupt stopped the
// run. The in-flight batch has fully committed and the run is
// resumable.
var ErrInterrupted = errors.New("ingest interrupted")

// PageFetcher pulls one page of raw klines from the source.
type PageFetcher interface {
	FetchPage(ctx context.Context, from, end int64, limit int) ([]models.RawKline, error)
}

// RunStats summarizes one orchestrator invocation.
type RunStats struct {
	StreamID        string        `json:"stream_id"`
	Start           int64         `json:"start"`
	End             int64         `json:"end"`
	Requests        int64         `json:"requests"`
	RecordsFetched  int64         `json:"records_fetched"`
	RecordsInserted int64         `json:"records_inserted"`
	Duplicates      int64         `json:"duplicates"`
	RecordsRejected int64         `json:"records_rejected"`
	Elapsed         time.Duration `json:"elapsed"`
}

// ProgressEvent is emitted after each committed page.
type ProgressEvent struct {
	Cursor   int64
	End      int64
	Fetched  int64
	Inserted int64
}

// ProgressFunc receives progress events. May be nil.
type ProgressFunc func(ProgressEvent)

// Orchestrator drives the fetch loop for a single stream.
type Orchestrator struct {
	stream    models.Stream
	store     storage.Store
	fetcher   PageFetcher
	validator *validator.Validator
	batchSize int
	logger    *slog.Logger
	progress  ProgressFunc
}

// Options configures an Orchestrator.
type Options struct {
	BatchSize int
	Logger    *slog.Logger
	Progress  ProgressFunc
}

// New creates an orchestrator for the given stream.
func New(stream models.Stream, store storage.Store, fetcher PageFetcher, v *validator.Validator, opts Options) (*Orchestrator, error) {
	if err := stream.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if v == nil {
		v = validator.New(0, opts.Logger)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		stream:    stream,
		store:     store,
		fetcher:   fetcher,
		validator: v,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With("component", "ingest", "stream", stream.ID()),
		progress:  opts.Progress,
	}, nil
}

// ResumePoint returns the open time the next run should start from:
// one step past the latest stored candle, or the configured origin for
// an empty store.
func (o *Orchestrator) ResumePoint(ctx context.Context, origin int64) (int64, error) {
	latest, found, err := o.store.LatestOpenTime(ctx)
	if err != nil {
		return 0, err
	}
	stepMs, err := o.stream.StepMillis()
	if err != nil {
		return 0, err
	}
	if !found {
		if origin <= 0 {
			origin = models.DefaultOriginTime
		}
		return models.TruncateToStep(origin, stepMs), nil
	}
	return latest + stepMs, nil
}

// Run executes the fetch loop over [start, end]. A start of 0 resumes
// from the store; an end of 0 targets the most recent closed candle.
// Returns ErrInterrupted when stopped by context cancellation; any
// batch committed before the stop remains committed.
func (o *Orchestrator) Run(ctx context.Context, start, end int64) (*RunStats, error) {
	began := time.Now()

	stepMs, err := o.stream.StepMillis()
	if err != nil {
		return nil, err
	}

	if start <= 0 {
		start, err = o.ResumePoint(ctx, 0)
		if err != nil {
			return nil, err
		}
	} else {
		start = models.TruncateToStep(start, stepMs)
	}
	if end <= 0 {
		// The candle opening at the current boundary is still forming.
		end = models.TruncateToStep(time.Now().UnixMilli(), stepMs) - stepMs
	} else {
		end = models.TruncateToStep(end, stepMs)
	}

	stats := &RunStats{StreamID: o.stream.ID(), Start: start, End: end}

	if start > end {
		o.logger.Info("nothing to fetch, store is up to date",
			"start", start, "end", end)
		stats.Elapsed = time.Since(began)
		return stats, nil
	}

	run := models.NewFetchRun(o.stream.ID(), start, end)
	if err := o.store.RecordRun(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Info("ingest run started",
		"run_id", run.ID,
		"start", start,
		"end", end,
		"batch_size", o.batchSize)

	runErr := o.loop(ctx, stats, stepMs, start, end)

	switch {
	case runErr == nil:
		run.Complete(stats.RecordsFetched)
	case errors.Is(runErr, ErrInterrupted):
		run.Interrupt(stats.RecordsFetched)
	default:
		run.Fail(stats.RecordsFetched, runErr)
	}

	// Finalize the run record even when the context is already gone.
	if err := o.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("failed to finalize run record", "run_id", run.ID, "error", err)
	}

	stats.Elapsed = time.Since(began)
	o.logger.Info("ingest run finished",
		"run_id", run.ID,
		"status", run.Status,
		"requests", stats.Requests,
		"fetched", stats.RecordsFetched,
		"inserted", stats.RecordsInserted,
		"duplicates", stats.Duplicates,
		"rejected", stats.RecordsRejected,
		"elapsed", stats.Elapsed)

	return stats, runErr
}

func (o *Orchestrator) loop(ctx context.Context, stats *RunStats, stepMs, start, end int64) error {
	next := start
	pageSpan := int64(o.batchSize) * stepMs
	rejectRetries := 0

	for next <= end {
		if err := ctx.Err(); err != nil {
			return ErrInterrupted
		}

		page, err := o.fetcher.FetchPage(ctx, next, end, o.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			return err
		}
		stats.Requests++

		if len(page) == 0 {
			// The source has nothing in this window. Skip one page
			// span; the verifier will report the hole if candles were
			// expected there.
			o.logger.Warn("empty page mid-range, skipping window",
				"from", next, "to", min64(next+pageSpan-stepMs, end))
			next += pageSpan
			continue
		}

		result, err := o.validator.ValidatePage(page, stepMs)
		if err != nil {
			var pageRejected *errs.PageRejectedError
			if errors.As(err, &pageRejected) {
				rejectRetries++
				if rejectRetries > pageRejectRetries {
					return &errs.FetchFailedError{Attempts: rejectRetries, Err: err}
				}
				o.logger.Warn("page crossed rejection threshold, re-fetching",
					"from", next,
					"rejected", pageRejected.Rejected,
					"total", pageRejected.Total,
					"attempt", rejectRetries)
				continue
			}
			return err
		}
		rejectRetries = 0

		stats.RecordsFetched += int64(len(page))
		stats.RecordsRejected += int64(len(result.Rejected))

		if len(result.Accepted) == 0 {
			// Every record in the page was rejected but under the
			// threshold (only possible with a threshold of 1).
			next += pageSpan
			continue
		}

		// Commit under a detached context so an interrupt arriving
		// mid-write cannot tear the batch.
		inserted, err := o.store.UpsertBatch(context.WithoutCancel(ctx), result.Accepted)
		if err != nil {
			return &errs.StoreWriteError{Op: "upsert_batch", Err: err}
		}
		stats.RecordsInserted += inserted
		stats.Duplicates += int64(len(result.Accepted)) - inserted

		last := result.Accepted[len(result.Accepted)-1].OpenTime
		next = last + stepMs

		if o.progress != nil {
			o.progress(ProgressEvent{
				Cursor:   next,
				End:      end,
				Fetched:  stats.RecordsFetched,
				Inserted: stats.RecordsInserted,
			})
		}

		// A short page means the source has no more data in range.
		if len(page) < o.batchSize {
			break
		}
	}

	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
