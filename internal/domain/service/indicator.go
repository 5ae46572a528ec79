package service

import "TradeDash/internal/domain/models"

// Indicator derives a value from the bar window ending at the bar being evaluated.
// Compute must be a pure function of the last Lookback() bars of window so that
// recomputation over the same bars yields the same value.
type Indicator interface {
	Name() string
	Lookback() int
	Compute(window []models.Bar) (value float64, components map[string]float64, err error)
}
