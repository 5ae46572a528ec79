package models

import "time"

// InstrumentInfo is the slowly-changing reference data of a symbol.
// Zero numeric fields mean the provider did not report the value.
type InstrumentInfo struct {
	Symbol            string    `json:"symbol"`
	Name              string    `json:"name,omitempty"`
	Exchange          string    `json:"exchange,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	Sector            string    `json:"sector,omitempty"`
	Industry          string    `json:"industry,omitempty"`
	MarketCap         float64   `json:"market_cap"`
	SharesOutstanding float64   `json:"shares_outstanding"`
	FloatShares       float64   `json:"float_shares,omitempty"`
	AverageVolume     float64   `json:"average_volume"`
	Price             float64   `json:"price,omitempty"`
	PERatio           float64   `json:"pe_ratio"`
	EPS               float64   `json:"eps"`
	DividendYield     float64   `json:"dividend_yield"`
	FiftyTwoWeekHigh  float64   `json:"fifty_two_week_high"`
	FiftyTwoWeekLow   float64   `json:"fifty_two_week_low"`
	FiftyDayAverage   float64   `json:"fifty_day_average,omitempty"`
	TwoHundredDayAvg  float64   `json:"two_hundred_day_average,omitempty"`
	PriceTarget       float64   `json:"price_target,omitempty"`
	Source            string    `json:"source"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IndicatorSnapshot is the value of one indicator at one bar timestamp.
// Multi-output indicators carry their named outputs in Components.
type IndicatorSnapshot struct {
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Indicator  string             `json:"indicator"`
	Timestamp  time.Time          `json:"timestamp"`
	Value      float64            `json:"value"`
	Components map[string]float64 `json:"components,omitempty"`
}

// FillDerived computes fields a provider may leave empty. P/E falls back to price over EPS.
func (i *InstrumentInfo) FillDerived() {
	if i.PERatio == 0 && i.Price > 0 && i.EPS > 0 {
		i.PERatio = i.Price / i.EPS
	}
	if i.MarketCap == 0 && i.Price > 0 && i.SharesOutstanding > 0 {
		i.MarketCap = i.Price * i.SharesOutstanding
	}
}
