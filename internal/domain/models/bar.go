package models

import "time"

// Message types carried on the event bus and the live stream.
const (
	EventBarsAppended      = "bars_appended"
	EventIndicatorsUpdated = "indicators_updated"
	EventWatchlistChanged  = "watchlist_changed"
	EventLogDigest         = "log_digest"
)

// Bar is one OHLCV record of a symbol on a timeframe. Timestamp is the bar's open time in UTC.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// UpsertResult reports how a batch was absorbed by a bar store.
type UpsertResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// BarsAppendedEvent is emitted after new bars for (symbol, timeframe) were persisted.
type BarsAppendedEvent struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Count     int       `json:"count"`
	CycleID   string    `json:"cycle_id,omitempty"`
	At        time.Time `json:"at"`
}

// IndicatorsUpdatedEvent is pushed to dashboard clients after a TA pass wrote snapshots.
type IndicatorsUpdatedEvent struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Written   int       `json:"written"`
	Latest    time.Time `json:"latest"`
}

func (e BarsAppendedEvent) GetSymbol() string { return e.Symbol }

func (e IndicatorsUpdatedEvent) GetSymbol() string { return e.Symbol }

// Closes extracts close prices in bar order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes in bar order.
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}
