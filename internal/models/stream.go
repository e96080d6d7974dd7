package models

import (
	"fmt"
	"strings"
	"time"
)

// DefaultOriginTime is the first BTCUSDT minute candle available on
// Binance (2017-08-17 04:00 UTC). Used as the resume point for an empty
// store when no explicit start is given.
const DefaultOriginTime int64 = 1502942400000

// Stream identifies one logical candle series: a trading symbol at a
// fixed interval. The pipeline ingests exactly one stream per run.
type Stream struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// ID returns the canonical stream identifier, e.g. "BTCUSDT:1m".
func (s Stream) ID() string {
	return s.Symbol + ":" + s.Interval
}

// Step returns the candle interval duration Δ.
func (s Stream) Step() (time.Duration, error) {
	return ParseInterval(s.Interval)
}

// StepMillis returns Δ in milliseconds.
func (s Stream) StepMillis() (int64, error) {
	d, err := s.Step()
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// Validate checks that the stream identifies a well-formed series.
func (s Stream) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := ParseInterval(s.Interval); err != nil {
		return err
	}
	return nil
}

// ParseInterval converts an exchange interval token to a duration.
// Supported tokens match the Binance kline intervals used by the
// source endpoint.
func ParseInterval(interval string) (time.Duration, error) {
	switch strings.ToLower(interval) {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "8h":
		return 8 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported interval: %q", interval)
	}
}

// TruncateToStep rounds a millisecond timestamp down to the nearest
// interval boundary.
func TruncateToStep(ts int64, stepMs int64) int64 {
	if stepMs <= 0 {
		return ts
	}
	return ts - ts%stepMs
}
