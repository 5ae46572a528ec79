package indicators

import (
	"fmt"

	"TradeDash/internal/domain/models"
)

// EMA is the exponential moving average of closes, seeded with an SMA.
type EMA struct {
	period int
}

func NewEMA(period int) *EMA { return &EMA{period: period} }

func (e *EMA) Name() string  { return fmt.Sprintf("ema_%d", e.period) }
func (e *EMA) Lookback() int { return e.period * warmupFactor }

func (e *EMA) Compute(window []models.Bar) (float64, map[string]float64, error) {
	bars, err := tail(window, e.Lookback())
	if err != nil {
		return 0, nil, err
	}
	series := emaSeries(models.Closes(bars), e.period)
	return series[len(series)-1], nil, nil
}
