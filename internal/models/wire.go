package models

// RawKline is one positional kline tuple exactly as sliced from the
// source response, every field still in wire string form. The
// validator owns translating positions to the Candle schema.
type RawKline []string
