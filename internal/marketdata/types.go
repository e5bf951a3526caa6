// Package marketdata standardizes payloads shared between the feed layers and downstream consumers.
package marketdata

import (
	"math"
	"time"
)

// Granularity selects the bar bucket size a feed emits or fetches.
type Granularity string

const (
	// GranularitySecond buckets trades into one-second bars.
	GranularitySecond Granularity = "second"
	// GranularityMinute buckets trades into one-minute bars.
	GranularityMinute Granularity = "minute"
)

// OptionType distinguishes the sign convention applied to a delta estimate.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Trade models a single print from the streaming feed. Ephemeral; retained
// only long enough to compare against the last recorded price.
type Trade struct {
	Symbol     string
	Price      float64
	Size       float64
	Timestamp  time.Time
	Conditions []int
	Exchange   int
}

// TradeMeta carries the per-trade detail handed to listeners alongside symbol and price.
type TradeMeta struct {
	Size       float64
	Timestamp  time.Time
	Latency    time.Duration
	Conditions []int
	Exchange   int
}

// Bar is an OHLCV aggregate for one time bucket. StartTime is the bucket's
// start, already boundary-aligned by the provider. A later bar with the same
// StartTime replaces this one; consumers must treat it as authoritative.
type Bar struct {
	Symbol     string
	StartTime  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	VWAP       float64
	TradeCount int64
}

// Valid reports whether all four OHLC fields are finite. Bars failing this
// are dropped before reaching any listener.
func (b Bar) Valid() bool {
	for _, v := range [4]float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
