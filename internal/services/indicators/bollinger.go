package indicators

import (
	"fmt"
	"strconv"

	"TradeDash/internal/domain/models"
	"TradeDash/internal/services/features"
)

// Bollinger bands around an SMA of closes. Value is the band width relative to the middle band.
type Bollinger struct {
	period int
	k      float64
}

func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{period: period, k: k}
}

func (b *Bollinger) Name() string {
	return fmt.Sprintf("bollinger_%d_%s", b.period, strconv.FormatFloat(b.k, 'f', -1, 64))
}

func (b *Bollinger) Lookback() int { return b.period }

func (b *Bollinger) Compute(window []models.Bar) (float64, map[string]float64, error) {
	bars, err := tail(window, b.period)
	if err != nil {
		return 0, nil, err
	}
	closes := models.Closes(bars)
	middle := features.Mean(closes)
	sd := features.StdDev(closes)
	upper := middle + b.k*sd
	lower := middle - b.k*sd

	bandwidth := 0.0
	if middle != 0 {
		bandwidth = (upper - lower) / middle
	}
	percentB := 0.5
	if upper != lower {
		percentB = (closes[len(closes)-1] - lower) / (upper - lower)
	}

	return bandwidth, map[string]float64{
		"upper":     upper,
		"middle":    middle,
		"lower":     lower,
		"bandwidth": bandwidth,
		"percent_b": percentB,
	}, nil
}
