package indicators

import (
	"fmt"

	"TradeDash/internal/domain/models"
	"TradeDash/internal/services/features"
)

// SMA is the simple moving average of closes.
type SMA struct {
	period int
}

func NewSMA(period int) *SMA { return &SMA{period: period} }

func (s *SMA) Name() string  { return fmt.Sprintf("sma_%d", s.period) }
func (s *SMA) Lookback() int { return s.period }

func (s *SMA) Compute(window []models.Bar) (float64, map[string]float64, error) {
	bars, err := tail(window, s.period)
	if err != nil {
		return 0, nil, err
	}
	return features.Mean(models.Closes(bars)), nil, nil
}
