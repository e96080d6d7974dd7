// Package verify audits a stored candle range against the expected
// arithmetic progression of open times. It is strictly read-only:
// findings are reported to the operator, never repaired.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klinesync/klinesync/internal/errs"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

// Report is the outcome of one verification pass over [From, To].
type Report struct {
	StreamID        string        `json:"stream_id"`
	From            int64         `json:"from"`
	To              int64         `json:"to"`
	StepMillis      int64         `json:"step_ms"`
	TotalExpected   int64         `json:"total_expected"`
	TotalPresent    int64         `json:"total_present"`
	CompletenessPct float64       `json:"completeness_pct"`
	Gaps            []models.Gap  `json:"gaps"`
	MissingCandles  int64         `json:"missing_candles"`
	DuplicateCount  int64         `json:"duplicate_count"`
	OrderingErrors  int64         `json:"ordering_errors"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Complete reports whether the range has every expected candle and no
// corruption findings.
func (r *Report) Complete() bool {
	return r.TotalPresent == r.TotalExpected && r.DuplicateCount == 0 && r.OrderingErrors == 0
}

// Corruption returns a CorruptionError if the report contains findings
// that a healthy store can never produce, nil otherwise. Gaps are not
// corruption; duplicates and ordering violations are.
func (r *Report) Corruption() error {
	if r.DuplicateCount == 0 && r.OrderingErrors == 0 {
		return nil
	}
	return &errs.CorruptionError{
		Detail: fmt.Sprintf("%d duplicate timestamps, %d ordering violations in [%d, %d]",
			r.DuplicateCount, r.OrderingErrors, r.From, r.To),
	}
}

// Verifier audits stored candle ranges.
type Verifier struct {
	stream models.Stream
	store  storage.CandleReader
	logger *slog.Logger
}

// New creates a verifier over the given store.
func New(stream models.Stream, store storage.CandleReader, logger *slog.Logger) (*Verifier, error) {
	if err := stream.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		stream: stream,
		store:  store,
		logger: logger.With("component", "verify", "stream", stream.ID()),
	}, nil
}

// Verify audits [from, to]. A from of 0 starts at the earliest stored
// candle; a to of 0 ends at the latest. Both bounds are truncated to
// the interval grid. Cancellable between store reads.
func (v *Verifier) Verify(ctx context.Context, from, to int64) (*Report, error) {
	began := time.Now()

	stepMs, err := v.stream.StepMillis()
	if err != nil {
		return nil, err
	}

	if from <= 0 {
		earliest, found, err := v.store.EarliestOpenTime(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return &Report{
				StreamID:   v.stream.ID(),
				StepMillis: stepMs,
				Elapsed:    time.Since(began),
			}, nil
		}
		from = earliest
	}
	if to <= 0 {
		latest, found, err := v.store.LatestOpenTime(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			to = from
		} else {
			to = latest
		}
	}
	from = models.TruncateToStep(from, stepMs)
	to = models.TruncateToStep(to, stepMs)
	if to < from {
		return nil, fmt.Errorf("verification range end %d precedes start %d", to, from)
	}

	report := &Report{
		StreamID:      v.stream.ID(),
		From:          from,
		To:            to,
		StepMillis:    stepMs,
		TotalExpected: (to-from)/stepMs + 1,
	}

	present, err := v.store.CountRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report.TotalPresent = present
	if report.TotalExpected > 0 {
		report.CompletenessPct = float64(present) / float64(report.TotalExpected) * 100
	}

	gaps, err := v.store.ScanGaps(ctx, from, to, stepMs)
	if err != nil {
		return nil, err
	}
	report.Gaps = gaps
	for _, g := range gaps {
		report.MissingCandles += g.MissingCount(stepMs)
	}

	if err := v.auditOrdering(ctx, report); err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(began)

	v.logger.Info("verification finished",
		"from", from,
		"to", to,
		"expected", report.TotalExpected,
		"present", report.TotalPresent,
		"completeness_pct", report.CompletenessPct,
		"gaps", len(report.Gaps),
		"duplicates", report.DuplicateCount,
		"ordering_errors", report.OrderingErrors,
		"elapsed", report.Elapsed)

	if err := report.Corruption(); err != nil {
		v.logger.Error("corruption detected", "error", err)
	}

	return report, nil
}

// auditOrdering walks the stored range looking for duplicate open
// times and ordering violations. Either finding means the storage
// invariants were broken outside this pipeline.
func (v *Verifier) auditOrdering(ctx context.Context, report *Report) error {
	candles, err := v.store.QueryRange(ctx, report.From, report.To)
	if err != nil {
		return err
	}

	seen := make(map[int64]int, len(candles))
	var prev int64
	for i, c := range candles {
		seen[c.OpenTime]++
		if seen[c.OpenTime] == 2 {
			report.DuplicateCount++
			v.logger.Error("duplicate open time", "open_time", c.OpenTime)
		}
		if i > 0 && c.OpenTime < prev {
			report.OrderingErrors++
			v.logger.Error("ordering violation",
				"index", i, "prev", prev, "open_time", c.OpenTime)
		}
		prev = c.OpenTime
	}
	return nil
}
