package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/repository"
)

var day0 = t0.AddDate(0, 0, -30)

func snapSeries(name string, values ...float64) []models.IndicatorSnapshot {
	out := make([]models.IndicatorSnapshot, len(values))
	for i, v := range values {
		out[i] = models.IndicatorSnapshot{Indicator: name, Timestamp: day0.AddDate(0, 0, i), Value: v}
	}
	return out
}

func macdSeries(pairs ...[2]float64) []models.IndicatorSnapshot {
	out := make([]models.IndicatorSnapshot, len(pairs))
	for i, p := range pairs {
		out[i] = models.IndicatorSnapshot{
			Indicator: "macd_12_26_9", Timestamp: day0.AddDate(0, 0, i), Value: p[0],
			Components: map[string]float64{"macd": p[0], "signal": p[1]},
		}
	}
	return out
}

func TestScannerMatchers(t *testing.T) {
	cfg := DefaultScannerConfig()

	withVolume := func(bars []models.Bar, v float64) []models.Bar {
		bars[len(bars)-1].Volume = v
		return bars
	}

	tests := []struct {
		name  string
		typ   models.ScannerType
		in    scanInput
		match bool
	}{
		{
			name: "ema fast crosses above slow",
			typ:  models.ScannerEMACrossover,
			in: scanInput{bars: dayBars(day0, 5, 5.2), snaps: map[string][]models.IndicatorSnapshot{
				"ema_9": snapSeries("ema_9", 1, 3), "ema_26": snapSeries("ema_26", 2, 2),
			}},
			match: true,
		},
		{
			name: "ema already above is no cross",
			typ:  models.ScannerEMACrossover,
			in: scanInput{bars: dayBars(day0, 5, 5.2), snaps: map[string][]models.IndicatorSnapshot{
				"ema_9": snapSeries("ema_9", 3, 4), "ema_26": snapSeries("ema_26", 2, 2),
			}},
		},
		{
			name: "ema cross outside price band",
			typ:  models.ScannerEMACrossover,
			in: scanInput{bars: dayBars(day0, 50, 52), snaps: map[string][]models.IndicatorSnapshot{
				"ema_9": snapSeries("ema_9", 1, 3), "ema_26": snapSeries("ema_26", 2, 2),
			}},
		},
		{
			name: "ema cross with small change",
			typ:  models.ScannerEMACrossover,
			in: scanInput{bars: dayBars(day0, 5, 5.1), snaps: map[string][]models.IndicatorSnapshot{
				"ema_9": snapSeries("ema_9", 1, 3), "ema_26": snapSeries("ema_26", 2, 2),
			}},
		},
		{
			name: "relative volume in band",
			typ:  models.ScannerRelativeVolume,
			in: scanInput{bars: withVolume(dayBars(day0, 4, 5), 250000), snaps: map[string][]models.IndicatorSnapshot{
				"rvol_20": snapSeries("rvol_20", 1, 2.5),
			}},
			match: true,
		},
		{
			name: "relative volume too thin",
			typ:  models.ScannerRelativeVolume,
			in: scanInput{bars: withVolume(dayBars(day0, 4, 5), 5000), snaps: map[string][]models.IndicatorSnapshot{
				"rvol_20": snapSeries("rvol_20", 1, 2.5),
			}},
		},
		{
			name:  "macd crosses signal",
			typ:   models.ScannerMACDCrossover,
			in:    scanInput{bars: dayBars(day0, 5, 6), snaps: map[string][]models.IndicatorSnapshot{"macd_12_26_9": macdSeries([2]float64{-1, 0}, [2]float64{0.5, 0.1})}},
			match: true,
		},
		{
			name: "macd stays below",
			typ:  models.ScannerMACDCrossover,
			in:   scanInput{bars: dayBars(day0, 5, 6), snaps: map[string][]models.IndicatorSnapshot{"macd_12_26_9": macdSeries([2]float64{-1, 0}, [2]float64{-0.5, 0.1})}},
		},
		{
			name: "tight bands squeeze",
			typ:  models.ScannerBollingerSqueeze,
			in: scanInput{bars: dayBars(day0, 5), snaps: map[string][]models.IndicatorSnapshot{
				"bollinger_20_2": {{Timestamp: day0, Value: 0.03, Components: map[string]float64{"bandwidth": 0.03}}},
			}},
			match: true,
		},
		{
			name: "wide bands",
			typ:  models.ScannerBollingerSqueeze,
			in: scanInput{bars: dayBars(day0, 5), snaps: map[string][]models.IndicatorSnapshot{
				"bollinger_20_2": {{Timestamp: day0, Value: 0.2, Components: map[string]float64{"bandwidth": 0.2}}},
			}},
		},
		{
			name:  "volume spike",
			typ:   models.ScannerVolumeSpike,
			in:    scanInput{bars: dayBars(day0, 5, 5), snaps: map[string][]models.IndicatorSnapshot{"rvol_20": snapSeries("rvol_20", 1, 3.5)}},
			match: true,
		},
		{
			name: "stale rvol is ignored",
			typ:  models.ScannerVolumeSpike,
			in:   scanInput{bars: dayBars(day0, 5, 5, 5), snaps: map[string][]models.IndicatorSnapshot{"rvol_20": snapSeries("rvol_20", 1, 3.5)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := scanners[tt.typ].match(cfg, tt.in)
			assert.Equal(t, tt.match, ok)
		})
	}
}

func TestMomentumBreakout(t *testing.T) {
	cfg := DefaultScannerConfig()
	cfg.BreakoutBars = 3

	_, values, ok := matchMomentumBreakout(cfg, scanInput{bars: dayBars(day0, 10, 11, 10.5, 12)})
	require.True(t, ok)
	assert.Equal(t, 11.0, values["prior_high"])

	_, _, ok = matchMomentumBreakout(cfg, scanInput{bars: dayBars(day0, 10, 13, 10.5, 12)})
	assert.False(t, ok, "below the prior high")

	_, _, ok = matchMomentumBreakout(cfg, scanInput{bars: dayBars(day0, 11, 12)})
	assert.False(t, ok, "not enough history")
}

func TestRSIDivergence(t *testing.T) {
	cfg := DefaultScannerConfig()
	cfg.DivergenceLookback = 6
	bars := dayBars(day0, 10, 8, 9, 9.5, 7.5, 9)
	for i := range bars {
		bars[i].Low = bars[i].Close
	}
	rsi := snapSeries("rsi_14", 40, 25, 35, 38, 30, 36)

	score, values, ok := matchRSIDivergence(cfg, scanInput{bars: bars, snaps: map[string][]models.IndicatorSnapshot{"rsi_14": rsi}})
	require.True(t, ok)
	assert.Equal(t, 5.0, score)
	assert.Equal(t, 8.0, values["price_low_prev"])
	assert.Equal(t, 7.5, values["price_low"])

	rsi[4].Value = 20
	_, _, ok = matchRSIDivergence(cfg, scanInput{bars: bars, snaps: map[string][]models.IndicatorSnapshot{"rsi_14": rsi}})
	assert.False(t, ok, "rsi confirms the lower low")
}

func TestScannerUseCase_ScanOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()

	for sym, bw := range map[string]float64{"AAA": 0.04, "BBB": 0.01, "CCC": 0.3, "DDD": 0.01} {
		series := dayBars(day0, 5, 5)
		_, err := bars.UpsertBars(ctx, sym, domrepo.TF1d, series)
		require.NoError(t, err)
		require.NoError(t, snaps.UpsertSnapshots(ctx, []models.IndicatorSnapshot{{
			Symbol: sym, Timeframe: "1d", Indicator: "bollinger_20_2", Timestamp: series[1].Timestamp,
			Value: bw, Components: map[string]float64{"bandwidth": bw},
		}}))
	}

	uc := NewScannerUseCase(DefaultScannerConfig(), bars, snaps, staticLister{"AAA", "BBB", "CCC", "DDD", "EEE"}, nil)
	hits, err := uc.Scan(ctx, models.ScannerBollingerSqueeze, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "BBB", hits[0].Symbol, "tightest first, ties by symbol")
	assert.Equal(t, "DDD", hits[1].Symbol)
	assert.Equal(t, models.ScannerBollingerSqueeze, hits[0].Scanner)
	assert.Equal(t, day0.AddDate(0, 0, 1), hits[0].Timestamp)

	hits, err = uc.Scan(ctx, models.ScannerBollingerSqueeze, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	_, err = uc.Scan(ctx, "nope", 5)
	assert.Error(t, err)
}
