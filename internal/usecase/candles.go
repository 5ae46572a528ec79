package usecase

import (
	"context"
	"fmt"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/pkg/util"
)

// CandlesUseCase serves raw bars and indicator snapshots for charting.
type CandlesUseCase struct {
	bars  domrepo.BarStore
	snaps domrepo.IndicatorStore
}

func NewCandlesUseCase(bars domrepo.BarStore, snaps domrepo.IndicatorStore) *CandlesUseCase {
	return &CandlesUseCase{bars: bars, snaps: snaps}
}

type GetCandlesParams struct {
	Symbol    string
	From      time.Time
	To        time.Time
	Timeframe domrepo.Timeframe
	Limit     int
}

type GetCandlesResult struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	From      time.Time    `json:"from,omitempty"`
	To        time.Time    `json:"to,omitempty"`
	Count     int          `json:"count"`
	Bars      []models.Bar `json:"bars"`
}

// GetCandles returns bars in ascending order. Without a range it returns the newest
// Limit bars; with a range it keeps the newest Limit bars inside it.
func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	sym, ok := util.NormalizeSymbol(p.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidSymbol, p.Symbol)
	}
	if !p.From.IsZero() && !p.To.IsZero() && p.From.After(p.To) {
		return nil, fmt.Errorf("from must be <= to")
	}
	if p.Limit <= 0 {
		p.Limit = 500
	}
	if p.Limit > 5000 {
		p.Limit = 5000
	}

	var (
		bars []models.Bar
		err  error
	)
	if p.From.IsZero() && p.To.IsZero() {
		bars, err = uc.bars.QueryLatest(ctx, sym, p.Timeframe, p.Limit)
	} else {
		if p.To.IsZero() {
			p.To = time.Now().UTC()
		}
		bars, err = uc.bars.QueryRange(ctx, sym, p.Timeframe, p.From, p.To)
		if len(bars) > p.Limit {
			bars = bars[len(bars)-p.Limit:]
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	if bars == nil {
		bars = []models.Bar{}
	}

	return &GetCandlesResult{
		Symbol:    sym,
		Timeframe: string(p.Timeframe),
		From:      p.From,
		To:        p.To,
		Count:     len(bars),
		Bars:      bars,
	}, nil
}

type GetIndicatorsParams struct {
	Symbol    string
	Timeframe domrepo.Timeframe
	Indicator string
	Limit     int
}

type GetIndicatorsResult struct {
	Symbol    string                     `json:"symbol"`
	Timeframe string                     `json:"timeframe"`
	Indicator string                     `json:"indicator"`
	Count     int                        `json:"count"`
	Snapshots []models.IndicatorSnapshot `json:"snapshots"`
}

// GetIndicators returns the newest snapshots of one indicator, ascending.
func (uc *CandlesUseCase) GetIndicators(ctx context.Context, p GetIndicatorsParams) (*GetIndicatorsResult, error) {
	sym, ok := util.NormalizeSymbol(p.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidSymbol, p.Symbol)
	}
	if p.Indicator == "" {
		return nil, fmt.Errorf("indicator required")
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	snaps, err := uc.snaps.QuerySnapshots(ctx, sym, p.Timeframe, p.Indicator, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	if snaps == nil {
		snaps = []models.IndicatorSnapshot{}
	}
	return &GetIndicatorsResult{
		Symbol:    sym,
		Timeframe: string(p.Timeframe),
		Indicator: p.Indicator,
		Count:     len(snaps),
		Snapshots: snaps,
	}, nil
}
