package models

import "time"

// GainerRow is one entry of the gainers and small-cap gainers views.
type GainerRow struct {
	Symbol        string             `json:"symbol"`
	Name          string             `json:"name,omitempty"`
	Price         float64            `json:"price"`
	PrevClose     float64            `json:"prev_close"`
	PercentChange float64            `json:"percent_change"`
	Volume        float64            `json:"volume"`
	MarketCap     float64            `json:"market_cap,omitempty"`
	Indicators    map[string]float64 `json:"indicators,omitempty"`
	AsOf          time.Time          `json:"as_of"`
}

// ActiveRow is one entry of the most-active view.
type ActiveRow struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	PercentChange float64   `json:"percent_change"`
	Volume        float64   `json:"volume"`
	AverageVolume float64   `json:"average_volume,omitempty"`
	AsOf          time.Time `json:"as_of"`
}

// WatchlistEntry is the dashboard view of a single requested symbol.
type WatchlistEntry struct {
	Symbol     string             `json:"symbol"`
	Bar        *Bar               `json:"bar,omitempty"`
	PrevClose  float64            `json:"prev_close,omitempty"`
	Change     float64            `json:"percent_change"`
	Info       *InstrumentInfo    `json:"info,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// DayBars is the intraday bar series of a watchlist symbol.
type DayBars struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// ScannerType names a scanner strategy.
type ScannerType string

const (
	ScannerEMACrossover     ScannerType = "ema_crossover"
	ScannerRelativeVolume   ScannerType = "relative_volume"
	ScannerMACDCrossover    ScannerType = "macd_crossover"
	ScannerBollingerSqueeze ScannerType = "bollinger_squeeze"
	ScannerRSIDivergence    ScannerType = "rsi_divergence"
	ScannerVolumeSpike      ScannerType = "volume_spike"
	ScannerMomentumBreakout ScannerType = "momentum_breakout"
)

// ScannerTypes lists every supported scanner in display order.
func ScannerTypes() []ScannerType {
	return []ScannerType{
		ScannerEMACrossover,
		ScannerRelativeVolume,
		ScannerMACDCrossover,
		ScannerBollingerSqueeze,
		ScannerRSIDivergence,
		ScannerVolumeSpike,
		ScannerMomentumBreakout,
	}
}

// ScannerHit is one symbol matched by a scanner.
type ScannerHit struct {
	Symbol        string             `json:"symbol"`
	Scanner       ScannerType        `json:"scanner"`
	Price         float64            `json:"price"`
	PercentChange float64            `json:"percent_change"`
	Volume        float64            `json:"volume"`
	Score         float64            `json:"score"`
	Values        map[string]float64 `json:"values,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}
