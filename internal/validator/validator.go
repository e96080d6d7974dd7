// Package validator translates raw positional kline records into
// validated candles. Checks short-circuit on the first failure:
// field parseability, OHLC ordering, non-negative volumes, and taker
// buy volume bounds. Rejected records are reported with their reason
// and raw payload, never raised as fatal errors; a page whose
// rejection rate crosses the configured threshold escalates to the
// retry path.
package validator

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/klinesync/klinesync/internal/errs"
	"github.com/klinesync/klinesync/internal/models"
)

// Raw kline field positions, per the source wire contract. The
// response tuple carries close_time at index 6 and an unused field at
// index 11; both are ignored.
const (
	fieldOpenTime = iota
	fieldOpen
	fieldHigh
	fieldLow
	fieldClose
	fieldVolume
	fieldCloseTime
	fieldQuoteVolume
	fieldTradeCount
	fieldTakerBuyBase
	fieldTakerBuyQuote

	minRawFields = 11
)

// DefaultRejectThreshold is the page rejection rate above which the
// whole page is treated as a page-level failure.
const DefaultRejectThreshold = 0.5

// Result is the tagged outcome of validating a single raw record:
// either an accepted candle or a rejection carrying the reason and the
// raw payload.
type Result struct {
	Accepted bool
	Candle   models.Candle
	Reason   string
	Raw      models.RawKline
}

// PageResult partitions one page into accepted candles and rejections.
type PageResult struct {
	Accepted []models.Candle
	Rejected []Result
	Warnings []string
}

// RejectionRate returns the fraction of the page that failed
// validation.
func (p *PageResult) RejectionRate() float64 {
	total := len(p.Accepted) + len(p.Rejected)
	if total == 0 {
		return 0
	}
	return float64(len(p.Rejected)) / float64(total)
}

// Validator validates raw kline pages.
type Validator struct {
	rejectThreshold float64
	logger          *slog.Logger
}

// New creates a validator with the given page rejection threshold.
// A threshold <= 0 falls back to DefaultRejectThreshold.
func New(rejectThreshold float64, logger *slog.Logger) *Validator {
	if rejectThreshold <= 0 {
		rejectThreshold = DefaultRejectThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		rejectThreshold: rejectThreshold,
		logger:          logger.With("component", "validator"),
	}
}

// Validate checks a single raw record and returns the tagged result.
func (v *Validator) Validate(raw models.RawKline) Result {
	candle, err := Parse(raw)
	if err != nil {
		return Result{Reason: err.Error(), Raw: raw}
	}
	if err := candle.Validate(); err != nil {
		return Result{Reason: err.Error(), Raw: raw}
	}
	return Result{Accepted: true, Candle: candle}
}

// ValidatePage validates every record of a page, partitioning it into
// accepted and rejected. Rejections are logged with reason and raw
// payload. If the rejection rate exceeds the threshold the page is
// returned together with a PageRejectedError so the caller can
// escalate to the retry path instead of committing a mostly-bad page.
func (v *Validator) ValidatePage(records []models.RawKline, stepMs int64) (*PageResult, error) {
	page := &PageResult{
		Accepted: make([]models.Candle, 0, len(records)),
	}

	for i, raw := range records {
		res := v.Validate(raw)
		if !res.Accepted {
			v.logger.Warn("record rejected",
				"index", i,
				"reason", res.Reason,
				"raw", []string(raw))
			page.Rejected = append(page.Rejected, res)
			continue
		}
		page.Accepted = append(page.Accepted, res.Candle)
	}

	page.Warnings = checkContinuity(page.Accepted, stepMs)
	for _, w := range page.Warnings {
		v.logger.Warn("page continuity", "warning", w)
	}

	if len(records) > 0 && page.RejectionRate() > v.rejectThreshold {
		return page, &errs.PageRejectedError{
			Rejected: len(page.Rejected),
			Total:    len(records),
		}
	}

	return page, nil
}

// Parse translates a positional raw record into a Candle. It fails on
// missing fields or unparseable numbers; semantic checks live in
// Candle.Validate.
func Parse(raw models.RawKline) (models.Candle, error) {
	var c models.Candle

	if len(raw) < minRawFields {
		return c, fmt.Errorf("expected at least %d fields, got %d", minRawFields, len(raw))
	}

	openTime, err := strconv.ParseInt(raw[fieldOpenTime], 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid open time %q: %w", raw[fieldOpenTime], err)
	}
	c.OpenTime = openTime

	for _, f := range []struct {
		index int
		name  string
		dst   *decimal.Decimal
	}{
		{fieldOpen, "open", &c.Open},
		{fieldHigh, "high", &c.High},
		{fieldLow, "low", &c.Low},
		{fieldClose, "close", &c.Close},
		{fieldVolume, "volume", &c.Volume},
		{fieldQuoteVolume, "quote_volume", &c.QuoteVolume},
		{fieldTakerBuyBase, "taker_buy_base", &c.TakerBuyBase},
		{fieldTakerBuyQuote, "taker_buy_quote", &c.TakerBuyQuote},
	} {
		d, err := decimal.NewFromString(raw[f.index])
		if err != nil {
			return c, fmt.Errorf("invalid %s %q: %w", f.name, raw[f.index], err)
		}
		*f.dst = d
	}

	trades, err := strconv.ParseInt(raw[fieldTradeCount], 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid trade count %q: %w", raw[fieldTradeCount], err)
	}
	c.TradeCount = trades

	return c, nil
}

// checkContinuity reports in-page ordering and spacing anomalies as
// warnings. Gaps inside a page are legitimate (source outage windows)
// and only worth a log line; the verifier owns authoritative gap
// reporting.
func checkContinuity(candles []models.Candle, stepMs int64) []string {
	if len(candles) < 2 || stepMs <= 0 {
		return nil
	}

	var warnings []string
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].OpenTime, candles[i].OpenTime
		switch {
		case cur <= prev:
			warnings = append(warnings,
				fmt.Sprintf("timestamp out of order at index %d: prev=%d current=%d", i, prev, cur))
		case cur-prev != stepMs:
			warnings = append(warnings,
				fmt.Sprintf("gap inside page at index %d: expected step %dms, got %dms", i, stepMs, cur-prev))
		}
	}
	return warnings
}
