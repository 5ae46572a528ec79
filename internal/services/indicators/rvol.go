package indicators

import (
	"fmt"

	"TradeDash/internal/domain/models"
	"TradeDash/internal/services/features"
)

// RelativeVolume compares the last bar's volume with the mean of the preceding period bars.
type RelativeVolume struct {
	period int
}

func NewRelativeVolume(period int) *RelativeVolume { return &RelativeVolume{period: period} }

func (r *RelativeVolume) Name() string  { return fmt.Sprintf("rvol_%d", r.period) }
func (r *RelativeVolume) Lookback() int { return r.period + 1 }

func (r *RelativeVolume) Compute(window []models.Bar) (float64, map[string]float64, error) {
	bars, err := tail(window, r.Lookback())
	if err != nil {
		return 0, nil, err
	}
	avg := features.Mean(models.Volumes(bars[:r.period]))
	last := bars[len(bars)-1].Volume
	comps := map[string]float64{"average_volume": avg, "volume": last}
	if avg <= 0 {
		return 0, comps, nil
	}
	return last / avg, comps, nil
}
