package indicators

import (
	"fmt"

	"TradeDash/internal/domain/models"
)

// RSI is Wilder's relative strength index.
type RSI struct {
	period int
}

func NewRSI(period int) *RSI { return &RSI{period: period} }

func (r *RSI) Name() string  { return fmt.Sprintf("rsi_%d", r.period) }
func (r *RSI) Lookback() int { return r.period*warmupFactor + 1 }

func (r *RSI) Compute(window []models.Bar) (float64, map[string]float64, error) {
	bars, err := tail(window, r.Lookback())
	if err != nil {
		return 0, nil, err
	}

	closes := models.Closes(bars)
	var avgGain, avgLoss float64
	for i := 1; i <= r.period; i++ {
		gain, loss := change(closes[i-1], closes[i])
		avgGain += gain
		avgLoss += loss
	}
	p := float64(r.period)
	avgGain /= p
	avgLoss /= p

	for i := r.period + 1; i < len(closes); i++ {
		gain, loss := change(closes[i-1], closes[i])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	comps := map[string]float64{"avg_gain": avgGain, "avg_loss": avgLoss}
	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50, comps, nil
	case avgLoss == 0:
		return 100, comps, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), comps, nil
}

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}
