package indicators

import (
	"fmt"
	"strings"

	"TradeDash/internal/domain/service"
)

// Spec describes one configured indicator.
type Spec struct {
	Type   string
	Period int
	Fast   int
	Slow   int
	Signal int
	StdDev float64
}

// DefaultSpecs is the indicator set computed when none is configured.
func DefaultSpecs() []Spec {
	return []Spec{
		{Type: "sma", Period: 20},
		{Type: "ema", Period: 9},
		{Type: "ema", Period: 26},
		{Type: "rsi", Period: 14},
		{Type: "macd", Fast: 12, Slow: 26, Signal: 9},
		{Type: "bollinger", Period: 20, StdDev: 2},
		{Type: "rvol", Period: 20},
	}
}

// Build instantiates the configured indicators. Duplicate names are rejected.
func Build(specs []Spec) ([]service.Indicator, error) {
	out := make([]service.Indicator, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		ind, err := build(s)
		if err != nil {
			return nil, err
		}
		if seen[ind.Name()] {
			return nil, fmt.Errorf("duplicate indicator %s", ind.Name())
		}
		seen[ind.Name()] = true
		out = append(out, ind)
	}
	return out, nil
}

func build(s Spec) (service.Indicator, error) {
	switch strings.ToLower(s.Type) {
	case "sma":
		if s.Period <= 0 {
			return nil, fmt.Errorf("sma: period must be > 0")
		}
		return NewSMA(s.Period), nil
	case "ema":
		if s.Period <= 0 {
			return nil, fmt.Errorf("ema: period must be > 0")
		}
		return NewEMA(s.Period), nil
	case "rsi":
		if s.Period <= 0 {
			return nil, fmt.Errorf("rsi: period must be > 0")
		}
		return NewRSI(s.Period), nil
	case "macd":
		if s.Fast <= 0 || s.Slow <= s.Fast || s.Signal <= 0 {
			return nil, fmt.Errorf("macd: need 0 < fast < slow and signal > 0")
		}
		return NewMACD(s.Fast, s.Slow, s.Signal), nil
	case "bollinger":
		if s.Period <= 1 || s.StdDev <= 0 {
			return nil, fmt.Errorf("bollinger: need period > 1 and stddev > 0")
		}
		return NewBollinger(s.Period, s.StdDev), nil
	case "rvol":
		if s.Period <= 0 {
			return nil, fmt.Errorf("rvol: period must be > 0")
		}
		return NewRelativeVolume(s.Period), nil
	default:
		return nil, fmt.Errorf("unknown indicator type %q", s.Type)
	}
}

// MaxLookback is the longest lookback across inds.
func MaxLookback(inds []service.Indicator) int {
	max := 0
	for _, ind := range inds {
		if ind.Lookback() > max {
			max = ind.Lookback()
		}
	}
	return max
}
