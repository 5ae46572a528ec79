package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
	"TradeDash/pkg/util"
)

// SymbolLister yields the symbols ranked views are computed over.
type SymbolLister interface {
	ActiveSymbols(ctx context.Context) []string
}

type RankingsConfig struct {
	Timeframe         domrepo.Timeframe
	SmallCapThreshold float64
	DefaultLimit      int
	MaxLimit          int
	Concurrency       int
	// Indicators are attached to watchlist entries.
	Indicators []string
}

// RankingsUseCase derives ranked views from store contents on every request.
type RankingsUseCase struct {
	cfg      RankingsConfig
	bars     domrepo.BarStore
	snaps    domrepo.IndicatorStore
	infos    domrepo.InfoStore
	universe SymbolLister
	l        *applogger.Logger
}

func NewRankingsUseCase(cfg RankingsConfig, bars domrepo.BarStore, snaps domrepo.IndicatorStore,
	infos domrepo.InfoStore, universe SymbolLister, l *applogger.Logger) *RankingsUseCase {
	if cfg.Timeframe == "" {
		cfg.Timeframe = domrepo.TF1d
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.SmallCapThreshold <= 0 {
		cfg.SmallCapThreshold = 2e9
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &RankingsUseCase{cfg: cfg, bars: bars, snaps: snaps, infos: infos, universe: universe, l: l}
}

// Limit applies the default and the ceiling.
func (uc *RankingsUseCase) Limit(limit int) int {
	if limit <= 0 {
		return uc.cfg.DefaultLimit
	}
	if limit > uc.cfg.MaxLimit {
		return uc.cfg.MaxLimit
	}
	return limit
}

// seriesTail is the newest bars of one symbol, ascending.
type seriesTail struct {
	symbol string
	bars   []models.Bar
}

func (t seriesTail) last() models.Bar { return t.bars[len(t.bars)-1] }

// tails loads the newest n bars of every symbol. Per-symbol failures are
// skipped; the call fails only if every lookup failed.
func (uc *RankingsUseCase) tails(ctx context.Context, symbols []string, n int) ([]seriesTail, error) {
	var (
		mu       sync.Mutex
		out      = make([]seriesTail, 0, len(symbols))
		failures int
		firstErr error
	)
	runPool(ctx, uc.cfg.Concurrency, symbols, uc.l, func(ctx context.Context, sym string) {
		bars, err := uc.bars.QueryLatest(ctx, sym, uc.cfg.Timeframe, n)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if len(bars) > 0 {
			out = append(out, seriesTail{symbol: sym, bars: bars})
		}
	})
	if len(symbols) > 0 && failures == len(symbols) {
		return nil, fmt.Errorf("query latest bars: %w", firstErr)
	}
	if failures > 0 {
		uc.l.Warn("ranked view missing symbols", applogger.Int("failures", failures), applogger.Error(firstErr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out, nil
}

// percentChange is (last-prev)/prev in percent, rounded to 2 places. ok is false for a non-positive prev.
func percentChange(prev, last float64) (float64, bool) {
	if prev <= 0 {
		return 0, false
	}
	p := decimal.NewFromFloat(last).Sub(decimal.NewFromFloat(prev)).
		Div(decimal.NewFromFloat(prev)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	f, _ := p.Float64()
	return f, true
}

// gainerRows builds unsorted gainer rows, skipping series with fewer than two bars.
func gainerRows(tails []seriesTail) []models.GainerRow {
	rows := make([]models.GainerRow, 0, len(tails))
	for _, t := range tails {
		if len(t.bars) < 2 {
			continue
		}
		prev, last := t.bars[len(t.bars)-2], t.last()
		pct, ok := percentChange(prev.Close, last.Close)
		if !ok {
			continue
		}
		rows = append(rows, models.GainerRow{
			Symbol:        t.symbol,
			Price:         last.Close,
			PrevClose:     prev.Close,
			PercentChange: pct,
			Volume:        last.Volume,
			AsOf:          last.Timestamp,
		})
	}
	return rows
}

// sortGainers orders by percent change descending, ties by symbol ascending.
func sortGainers(rows []models.GainerRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].PercentChange != rows[j].PercentChange {
			return rows[i].PercentChange > rows[j].PercentChange
		}
		return rows[i].Symbol < rows[j].Symbol
	})
}

func activeRows(tails []seriesTail) []models.ActiveRow {
	rows := make([]models.ActiveRow, 0, len(tails))
	for _, t := range tails {
		last := t.last()
		row := models.ActiveRow{Symbol: t.symbol, Price: last.Close, Volume: last.Volume, AsOf: last.Timestamp}
		if len(t.bars) >= 2 {
			row.PercentChange, _ = percentChange(t.bars[len(t.bars)-2].Close, last.Close)
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Volume != rows[j].Volume {
			return rows[i].Volume > rows[j].Volume
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	return rows
}

func truncate[T any](rows []T, limit int) []T {
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// infosFor fetches info for symbols; a failure only costs the enrichment.
func (uc *RankingsUseCase) infosFor(ctx context.Context, symbols []string) map[string]models.InstrumentInfo {
	if uc.infos == nil || len(symbols) == 0 {
		return nil
	}
	infos, err := uc.infos.GetInfos(ctx, symbols)
	if err != nil {
		uc.l.Warn("instrument info unavailable", applogger.Error(err))
		return nil
	}
	return infos
}

// RankedGainers ranks the universe by percent change over the two most recent bars.
func (uc *RankingsUseCase) RankedGainers(ctx context.Context, limit int) ([]models.GainerRow, error) {
	tails, err := uc.tails(ctx, uc.universe.ActiveSymbols(ctx), 2)
	if err != nil {
		return nil, err
	}
	rows := gainerRows(tails)
	sortGainers(rows)
	rows = truncate(rows, uc.Limit(limit))

	infos := uc.infosFor(ctx, gainerSymbols(rows))
	for i := range rows {
		if info, ok := infos[rows[i].Symbol]; ok {
			rows[i].Name = info.Name
			rows[i].MarketCap = info.MarketCap
		}
	}
	return rows, nil
}

// SmallCapGainers keeps gainers whose market cap is known and below the threshold.
func (uc *RankingsUseCase) SmallCapGainers(ctx context.Context, limit int) ([]models.GainerRow, error) {
	tails, err := uc.tails(ctx, uc.universe.ActiveSymbols(ctx), 2)
	if err != nil {
		return nil, err
	}
	rows := gainerRows(tails)
	infos := uc.infosFor(ctx, gainerSymbols(rows))

	small := rows[:0]
	for _, r := range rows {
		info, ok := infos[r.Symbol]
		if !ok || info.MarketCap <= 0 || info.MarketCap >= uc.cfg.SmallCapThreshold {
			continue
		}
		r.Name = info.Name
		r.MarketCap = info.MarketCap
		small = append(small, r)
	}
	sortGainers(small)
	return truncate(small, uc.Limit(limit)), nil
}

// MostActive ranks the universe by the latest bar's volume.
func (uc *RankingsUseCase) MostActive(ctx context.Context, limit int) ([]models.ActiveRow, error) {
	tails, err := uc.tails(ctx, uc.universe.ActiveSymbols(ctx), 2)
	if err != nil {
		return nil, err
	}
	rows := truncate(activeRows(tails), uc.Limit(limit))

	syms := make([]string, len(rows))
	for i, r := range rows {
		syms[i] = r.Symbol
	}
	infos := uc.infosFor(ctx, syms)
	for i := range rows {
		if info, ok := infos[rows[i].Symbol]; ok {
			rows[i].Name = info.Name
			rows[i].AverageVolume = info.AverageVolume
		}
	}
	return rows, nil
}

// Watchlist returns the latest bar, indicator values and info of each requested symbol
// in request order. Invalid symbols and symbols without bars are omitted.
func (uc *RankingsUseCase) Watchlist(ctx context.Context, symbols []string) ([]models.WatchlistEntry, error) {
	syms := util.UniqueSymbols(symbols)
	tails, err := uc.tails(ctx, syms, 2)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]seriesTail, len(tails))
	for _, t := range tails {
		byID[t.symbol] = t
	}
	infos := uc.infosFor(ctx, syms)

	out := make([]models.WatchlistEntry, 0, len(tails))
	for _, sym := range syms {
		t, ok := byID[sym]
		if !ok {
			continue
		}
		last := t.last()
		e := models.WatchlistEntry{Symbol: sym, Bar: &last}
		if len(t.bars) >= 2 {
			e.PrevClose = t.bars[len(t.bars)-2].Close
			e.Change, _ = percentChange(e.PrevClose, last.Close)
		}
		if info, ok := infos[sym]; ok {
			info := info
			e.Info = &info
		}
		e.Indicators = uc.latestIndicators(ctx, sym)
		out = append(out, e)
	}
	return out, nil
}

func (uc *RankingsUseCase) latestIndicators(ctx context.Context, symbol string) map[string]float64 {
	if uc.snaps == nil || len(uc.cfg.Indicators) == 0 {
		return nil
	}
	out := make(map[string]float64, len(uc.cfg.Indicators))
	for _, name := range uc.cfg.Indicators {
		snap, ok, err := uc.snaps.LatestSnapshot(ctx, symbol, uc.cfg.Timeframe, name)
		if err != nil {
			uc.l.Debug("snapshot lookup failed", applogger.String("symbol", symbol), applogger.String("indicator", name), applogger.Error(err))
			continue
		}
		if ok {
			out[name] = snap.Value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func gainerSymbols(rows []models.GainerRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Symbol
	}
	return out
}
