package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/repository"
)

func TestCandlesUseCase(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()
	series := minuteBars(t0.Add(-10*time.Minute), 1, 2, 3, 4, 5)
	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1m, series)
	require.NoError(t, err)
	uc := NewCandlesUseCase(bars, snaps)

	t.Run("latest", func(t *testing.T) {
		res, err := uc.GetCandles(ctx, GetCandlesParams{Symbol: "acme", Timeframe: domrepo.TF1m, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, "ACME", res.Symbol)
		require.Equal(t, 2, res.Count)
		assert.Equal(t, 4.0, res.Bars[0].Close)
		assert.Equal(t, 5.0, res.Bars[1].Close)
	})

	t.Run("range keeps newest", func(t *testing.T) {
		res, err := uc.GetCandles(ctx, GetCandlesParams{
			Symbol: "ACME", Timeframe: domrepo.TF1m,
			From: series[0].Timestamp, To: series[3].Timestamp, Limit: 3,
		})
		require.NoError(t, err)
		require.Len(t, res.Bars, 3)
		assert.Equal(t, 2.0, res.Bars[0].Close)
		assert.Equal(t, 4.0, res.Bars[2].Close)
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := uc.GetCandles(ctx, GetCandlesParams{Symbol: "", Timeframe: domrepo.TF1m})
		assert.ErrorIs(t, err, models.ErrInvalidSymbol)
		_, err = uc.GetCandles(ctx, GetCandlesParams{Symbol: "ACME", From: t0, To: t0.Add(-time.Hour)})
		assert.Error(t, err)
	})

	t.Run("unknown series is empty", func(t *testing.T) {
		res, err := uc.GetCandles(ctx, GetCandlesParams{Symbol: "ZED", Timeframe: domrepo.TF1m})
		require.NoError(t, err)
		assert.NotNil(t, res.Bars)
		assert.Zero(t, res.Count)
	})

	t.Run("indicators", func(t *testing.T) {
		require.NoError(t, snaps.UpsertSnapshots(ctx, []models.IndicatorSnapshot{
			{Symbol: "ACME", Timeframe: "1m", Indicator: "sma_2", Timestamp: series[3].Timestamp, Value: 3.5},
			{Symbol: "ACME", Timeframe: "1m", Indicator: "sma_2", Timestamp: series[4].Timestamp, Value: 4.5},
		}))
		res, err := uc.GetIndicators(ctx, GetIndicatorsParams{Symbol: "ACME", Timeframe: domrepo.TF1m, Indicator: "sma_2", Limit: 1})
		require.NoError(t, err)
		require.Len(t, res.Snapshots, 1)
		assert.Equal(t, 4.5, res.Snapshots[0].Value)

		_, err = uc.GetIndicators(ctx, GetIndicatorsParams{Symbol: "ACME", Timeframe: domrepo.TF1m})
		assert.Error(t, err)
	})
}
