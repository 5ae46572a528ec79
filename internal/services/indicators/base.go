// Package indicators implements the technical indicators computed by the TA processor.
//
// Every indicator evaluates only the trailing Lookback() bars of the window it is
// given. Recursive indicators (EMA, RSI, MACD) are warmed up over a fixed multiple
// of their period, so a value depends on a bounded, reproducible set of bars.
package indicators

import (
	"fmt"

	"TradeDash/internal/domain/models"
)

// warmupFactor is the number of periods a recursive indicator replays before its value is used.
const warmupFactor = 3

// tail returns the last n bars of window, or ErrInsufficientHistory.
func tail(window []models.Bar, n int) ([]models.Bar, error) {
	if n <= 0 || len(window) < n {
		return nil, fmt.Errorf("%w: have %d bars, need %d", models.ErrInsufficientHistory, len(window), n)
	}
	return window[len(window)-n:], nil
}

// emaSeries seeds with the SMA of the first period values and smooths the rest.
// out[0] corresponds to values[period-1]. Returns nil if len(values) < period.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	prev := seed / float64(period)
	out = append(out, prev)

	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out = append(out, prev)
	}
	return out
}
