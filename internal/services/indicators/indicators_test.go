package indicators

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
)

func barsFromCloses(closes []float64) []models.Bar {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func trend(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name     string
		closes   []float64
		period   int
		expected float64
	}{
		{name: "three bars", closes: []float64{9, 10, 11}, period: 3, expected: 10.0},
		{name: "uses trailing window", closes: []float64{9, 10, 11, 14}, period: 3, expected: 11.6667},
		{name: "five bars", closes: []float64{10, 20, 30, 40, 50}, period: 5, expected: 30.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, err := NewSMA(tt.period).Compute(barsFromCloses(tt.closes))
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, v, 0.001)
		})
	}
}

func TestInsufficientHistory(t *testing.T) {
	inds := []interface {
		Compute([]models.Bar) (float64, map[string]float64, error)
		Lookback() int
	}{
		NewSMA(5), NewEMA(9), NewRSI(14), NewMACD(12, 26, 9), NewBollinger(20, 2), NewRelativeVolume(20),
	}
	for _, ind := range inds {
		bars := barsFromCloses(trend(ind.Lookback()-1, 10, 0.1))
		_, _, err := ind.Compute(bars)
		assert.True(t, errors.Is(err, models.ErrInsufficientHistory))
	}
}

func TestEMAConstantSeries(t *testing.T) {
	ema := NewEMA(9)
	v, _, err := ema.Compute(barsFromCloses(trend(ema.Lookback(), 42, 0)))
	require.NoError(t, err)
	assert.InDelta(t, 42.0, v, 1e-9)
}

func TestEMAFollowsTrend(t *testing.T) {
	ema := NewEMA(9)
	bars := barsFromCloses(trend(60, 100, 1))
	v, _, err := ema.Compute(bars)
	require.NoError(t, err)
	last := bars[len(bars)-1].Close
	assert.Less(t, v, last)
	assert.Greater(t, v, last-9)
}

func TestIndicatorsAreDeterministic(t *testing.T) {
	closes := []float64{}
	for i := 0; i < 200; i++ {
		closes = append(closes, 100+float64(i%7)-float64(i%3)*1.5)
	}
	bars := barsFromCloses(closes)
	inds, err := Build(DefaultSpecs())
	require.NoError(t, err)

	for _, ind := range inds {
		t.Run(ind.Name(), func(t *testing.T) {
			v1, c1, err := ind.Compute(bars)
			require.NoError(t, err)
			// Extra history in front of the lookback window must not change the value.
			v2, c2, err := ind.Compute(bars[len(bars)-ind.Lookback():])
			require.NoError(t, err)
			assert.Equal(t, v1, v2)
			assert.Equal(t, c1, c2)
		})
	}
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		minRSI float64
		maxRSI float64
	}{
		{name: "uptrend", closes: trend(60, 50, 1), minRSI: 99, maxRSI: 100},
		{name: "downtrend", closes: trend(60, 100, -1), minRSI: 0, maxRSI: 1},
		{name: "flat", closes: trend(60, 50, 0), minRSI: 50, maxRSI: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, err := NewRSI(14).Compute(barsFromCloses(tt.closes))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, v, tt.minRSI)
			assert.LessOrEqual(t, v, tt.maxRSI)
		})
	}
}

func TestMACDComponents(t *testing.T) {
	m := NewMACD(12, 26, 9)
	v, comps, err := m.Compute(barsFromCloses(trend(m.Lookback(), 100, 0.5)))
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)
	assert.Equal(t, v, comps["macd"])
	assert.InDelta(t, comps["macd"]-comps["signal"], comps["histogram"], 1e-12)
}

func TestBollingerFlatSeries(t *testing.T) {
	v, comps, err := NewBollinger(20, 2).Compute(barsFromCloses(trend(20, 10, 0)))
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
	assert.Equal(t, 10.0, comps["upper"])
	assert.Equal(t, 10.0, comps["lower"])
	assert.Equal(t, 0.5, comps["percent_b"])
}

func TestRelativeVolume(t *testing.T) {
	bars := barsFromCloses(trend(21, 10, 0))
	bars[20].Volume = 3000
	v, comps, err := NewRelativeVolume(20).Compute(bars)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-9)
	assert.Equal(t, 1000.0, comps["average_volume"])
}

func TestBuild(t *testing.T) {
	inds, err := Build(DefaultSpecs())
	require.NoError(t, err)
	names := make([]string, 0, len(inds))
	for _, ind := range inds {
		names = append(names, ind.Name())
	}
	assert.Equal(t, []string{"sma_20", "ema_9", "ema_26", "rsi_14", "macd_12_26_9", "bollinger_20_2", "rvol_20"}, names)
	assert.Equal(t, 26*3+9, MaxLookback(inds))

	_, err = Build([]Spec{{Type: "sma", Period: 3}, {Type: "sma", Period: 3}})
	assert.Error(t, err)
	_, err = Build([]Spec{{Type: "vwap", Period: 3}})
	assert.Error(t, err)
}
