package models

import (
	"fmt"
	"time"
)

// Gap is a maximal contiguous range of missing expected open times,
// inclusive on both ends. Gaps are derived by scanning stored
// timestamps; they are never persisted.
type Gap struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// MissingCount returns the number of expected candles absent from the
// gap for step Δ (in milliseconds).
func (g Gap) MissingCount(stepMs int64) int64 {
	if stepMs <= 0 || g.End < g.Start {
		return 0
	}
	return (g.End-g.Start)/stepMs + 1
}

// Duration returns the wall-clock span covered by the gap, one step
// per missing candle.
func (g Gap) Duration(stepMs int64) time.Duration {
	return time.Duration(g.MissingCount(stepMs)*stepMs) * time.Millisecond
}

// String implements fmt.Stringer.
func (g Gap) String() string {
	return fmt.Sprintf("[%s, %s]",
		time.UnixMilli(g.Start).UTC().Format(time.RFC3339),
		time.UnixMilli(g.End).UTC().Format(time.RFC3339))
}
