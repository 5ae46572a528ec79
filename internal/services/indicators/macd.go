package indicators

import (
	"fmt"

	"TradeDash/internal/domain/models"
)

// MACD is the fast/slow EMA spread with its signal line. Value is the MACD line.
type MACD struct {
	fast, slow, signal int
}

func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{fast: fast, slow: slow, signal: signal}
}

func (m *MACD) Name() string  { return fmt.Sprintf("macd_%d_%d_%d", m.fast, m.slow, m.signal) }
func (m *MACD) Lookback() int { return m.slow*warmupFactor + m.signal }

func (m *MACD) Compute(window []models.Bar) (float64, map[string]float64, error) {
	bars, err := tail(window, m.Lookback())
	if err != nil {
		return 0, nil, err
	}
	closes := models.Closes(bars)

	fast := emaSeries(closes, m.fast)
	slow := emaSeries(closes, m.slow)

	// slow[j] corresponds to closes[j+slow-1]; fast[j] to closes[j+fast-1].
	offset := m.slow - m.fast
	line := make([]float64, len(slow))
	for j := range slow {
		line[j] = fast[j+offset] - slow[j]
	}

	sig := emaSeries(line, m.signal)
	if sig == nil {
		return 0, nil, fmt.Errorf("%w: macd line too short", models.ErrInsufficientHistory)
	}

	macd := line[len(line)-1]
	signal := sig[len(sig)-1]
	return macd, map[string]float64{
		"macd":      macd,
		"signal":    signal,
		"histogram": macd - signal,
	}, nil
}
