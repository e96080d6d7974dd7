// Package models provides the core data structures for the kline
// ingestion pipeline: candles, streams, fetch runs, and gaps.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TakerVolumeEpsilon absorbs floating-point rounding in source payloads
// when comparing taker buy volumes against their totals.
var TakerVolumeEpsilon = decimal.New(1, -8)

// Candle represents one fixed-interval OHLCV observation. OpenTime is
// milliseconds since epoch (UTC) and uniquely identifies the candle
// within its stream.
type Candle struct {
	OpenTime      int64           `json:"open_time" db:"open_time"`
	Open          decimal.Decimal `json:"open" db:"open"`
	High          decimal.Decimal `json:"high" db:"high"`
	Low           decimal.Decimal `json:"low" db:"low"`
	Close         decimal.Decimal `json:"close" db:"close"`
	Volume        decimal.Decimal `json:"volume" db:"volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume" db:"quote_volume"`
	TradeCount    int64           `json:"trade_count" db:"trade_count"`
	TakerBuyBase  decimal.Decimal `json:"taker_buy_base" db:"taker_buy_base"`
	TakerBuyQuote decimal.Decimal `json:"taker_buy_quote" db:"taker_buy_quote"`
}

// ValidationError reports which candle field violated an invariant.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the structural and semantic invariants of a single
// candle: positive open time, OHLC ordering relationships, non-negative
// volumes and trade count, and taker buy volumes bounded by their
// corresponding totals (within TakerVolumeEpsilon).
func (c *Candle) Validate() error {
	if c.OpenTime <= 0 {
		return &ValidationError{Field: "open_time", Message: fmt.Sprintf("open time must be positive, got %d", c.OpenTime)}
	}

	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	} {
		if p.value.IsNegative() {
			return &ValidationError{Field: p.name, Message: fmt.Sprintf("%s price must be non-negative, got %s", p.name, p.value)}
		}
	}

	maxOCL := decimal.Max(c.Open, c.Close, c.Low)
	if c.High.LessThan(maxOCL) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be >= max(open, close, low) (%s)", c.High, maxOCL),
		}
	}

	minOCH := decimal.Min(c.Open, c.Close, c.High)
	if c.Low.GreaterThan(minOCH) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be <= min(open, close, high) (%s)", c.Low, minOCH),
		}
	}

	if c.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("volume must be non-negative, got %s", c.Volume)}
	}
	if c.QuoteVolume.IsNegative() {
		return &ValidationError{Field: "quote_volume", Message: fmt.Sprintf("quote volume must be non-negative, got %s", c.QuoteVolume)}
	}
	if c.TradeCount < 0 {
		return &ValidationError{Field: "trade_count", Message: fmt.Sprintf("trade count must be non-negative, got %d", c.TradeCount)}
	}

	if c.TakerBuyBase.IsNegative() {
		return &ValidationError{Field: "taker_buy_base", Message: fmt.Sprintf("taker buy base must be non-negative, got %s", c.TakerBuyBase)}
	}
	if c.TakerBuyQuote.IsNegative() {
		return &ValidationError{Field: "taker_buy_quote", Message: fmt.Sprintf("taker buy quote must be non-negative, got %s", c.TakerBuyQuote)}
	}
	if c.TakerBuyBase.GreaterThan(c.Volume.Add(TakerVolumeEpsilon)) {
		return &ValidationError{
			Field:   "taker_buy_base",
			Message: fmt.Sprintf("taker buy base (%s) exceeds volume (%s)", c.TakerBuyBase, c.Volume),
		}
	}
	if c.TakerBuyQuote.GreaterThan(c.QuoteVolume.Add(TakerVolumeEpsilon)) {
		return &ValidationError{
			Field:   "taker_buy_quote",
			Message: fmt.Sprintf("taker buy quote (%s) exceeds quote volume (%s)", c.TakerBuyQuote, c.QuoteVolume),
		}
	}

	return nil
}

// OpenTimeUTC returns the candle open time as a time.Time in UTC.
func (c *Candle) OpenTimeUTC() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// String implements fmt.Stringer.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{T: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.OpenTimeUTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}
