package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
)

type ScannerConfig struct {
	Timeframe    domrepo.Timeframe
	Concurrency  int
	DefaultLimit int
	MaxLimit     int

	EMAFast   string
	EMASlow   string
	RSI       string
	MACD      string
	Bollinger string
	RelVolume string

	CrossMinPrice  float64
	CrossMaxPrice  float64
	CrossMinChange float64

	RVolMin       float64
	RVolMinVolume float64
	RVolMinPrice  float64
	RVolMaxPrice  float64

	SqueezeMaxBandwidth float64
	DivergenceLookback  int
	SpikeMinRVol        float64
	BreakoutBars        int
	BreakoutMinChange   float64
}

// DefaultScannerConfig mirrors the dashboard's stock screens.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Timeframe:           domrepo.TF1d,
		Concurrency:         8,
		DefaultLimit:        10,
		MaxLimit:            100,
		EMAFast:             "ema_9",
		EMASlow:             "ema_26",
		RSI:                 "rsi_14",
		MACD:                "macd_12_26_9",
		Bollinger:           "bollinger_20_2",
		RelVolume:           "rvol_20",
		CrossMinPrice:       3,
		CrossMaxPrice:       8,
		CrossMinChange:      3,
		RVolMin:             2,
		RVolMinVolume:       100000,
		RVolMinPrice:        2,
		RVolMaxPrice:        9,
		SqueezeMaxBandwidth: 0.05,
		DivergenceLookback:  14,
		SpikeMinRVol:        3,
		BreakoutBars:        20,
		BreakoutMinChange:   2,
	}
}

// scanInput is everything a scanner may look at for one symbol. Series are ascending.
type scanInput struct {
	symbol string
	bars   []models.Bar
	snaps  map[string][]models.IndicatorSnapshot
}

func (in scanInput) last() models.Bar { return in.bars[len(in.bars)-1] }

// change is the percent change of the last bar over the previous close.
func (in scanInput) change() (float64, bool) {
	if len(in.bars) < 2 {
		return 0, false
	}
	return percentChange(in.bars[len(in.bars)-2].Close, in.last().Close)
}

// lastTwo returns the two newest snapshots of name if both exist.
func (in scanInput) lastTwo(name string) (prev, cur models.IndicatorSnapshot, ok bool) {
	s := in.snaps[name]
	if len(s) < 2 {
		return prev, cur, false
	}
	return s[len(s)-2], s[len(s)-1], true
}

func (in scanInput) latest(name string) (models.IndicatorSnapshot, bool) {
	s := in.snaps[name]
	if len(s) == 0 {
		return models.IndicatorSnapshot{}, false
	}
	return s[len(s)-1], true
}

// scanner is one screen: the indicators it needs and a pure match function.
type scanner struct {
	indicators func(ScannerConfig) []string
	match      func(ScannerConfig, scanInput) (score float64, values map[string]float64, ok bool)
	// ascending orders lower scores first
	ascending bool
}

var scanners = map[models.ScannerType]scanner{
	models.ScannerEMACrossover: {
		indicators: func(c ScannerConfig) []string { return []string{c.EMAFast, c.EMASlow} },
		match:      matchEMACrossover,
	},
	models.ScannerRelativeVolume: {
		indicators: func(c ScannerConfig) []string { return []string{c.RelVolume} },
		match:      matchRelativeVolume,
	},
	models.ScannerMACDCrossover: {
		indicators: func(c ScannerConfig) []string { return []string{c.MACD} },
		match:      matchMACDCrossover,
	},
	models.ScannerBollingerSqueeze: {
		indicators: func(c ScannerConfig) []string { return []string{c.Bollinger} },
		match:      matchBollingerSqueeze,
		ascending:  true,
	},
	models.ScannerRSIDivergence: {
		indicators: func(c ScannerConfig) []string { return []string{c.RSI} },
		match:      matchRSIDivergence,
	},
	models.ScannerVolumeSpike: {
		indicators: func(c ScannerConfig) []string { return []string{c.RelVolume} },
		match:      matchVolumeSpike,
	},
	models.ScannerMomentumBreakout: {
		indicators: func(ScannerConfig) []string { return nil },
		match:      matchMomentumBreakout,
	},
}

func inRange(v, lo, hi float64) bool { return v >= lo && v <= hi }

func matchEMACrossover(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	fp, fc, ok1 := in.lastTwo(c.EMAFast)
	sp, sc, ok2 := in.lastTwo(c.EMASlow)
	if !ok1 || !ok2 || !fc.Timestamp.Equal(sc.Timestamp) || !fp.Timestamp.Equal(sp.Timestamp) {
		return 0, nil, false
	}
	if !(fp.Value <= sp.Value && fc.Value > sc.Value) {
		return 0, nil, false
	}
	chg, ok := in.change()
	price := in.last().Close
	if !ok || chg <= c.CrossMinChange || !inRange(price, c.CrossMinPrice, c.CrossMaxPrice) {
		return 0, nil, false
	}
	return chg, map[string]float64{c.EMAFast: fc.Value, c.EMASlow: sc.Value}, true
}

func matchRelativeVolume(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	rv, ok := in.latest(c.RelVolume)
	last := in.last()
	if !ok || !rv.Timestamp.Equal(last.Timestamp) {
		return 0, nil, false
	}
	if rv.Value < c.RVolMin || last.Volume <= c.RVolMinVolume || !inRange(last.Close, c.RVolMinPrice, c.RVolMaxPrice) {
		return 0, nil, false
	}
	return rv.Value, map[string]float64{c.RelVolume: rv.Value}, true
}

func matchMACDCrossover(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	prev, cur, ok := in.lastTwo(c.MACD)
	if !ok {
		return 0, nil, false
	}
	if !(prev.Components["macd"] <= prev.Components["signal"] && cur.Components["macd"] > cur.Components["signal"]) {
		return 0, nil, false
	}
	hist := cur.Components["macd"] - cur.Components["signal"]
	return hist, map[string]float64{
		"macd":      cur.Components["macd"],
		"signal":    cur.Components["signal"],
		"histogram": hist,
	}, true
}

func matchBollingerSqueeze(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	bb, ok := in.latest(c.Bollinger)
	if !ok {
		return 0, nil, false
	}
	bw, has := bb.Components["bandwidth"]
	if !has {
		bw = bb.Value
	}
	if bw <= 0 || bw > c.SqueezeMaxBandwidth {
		return 0, nil, false
	}
	return bw, map[string]float64{"bandwidth": bw, "upper": bb.Components["upper"], "lower": bb.Components["lower"]}, true
}

// matchRSIDivergence looks for a bullish divergence: the recent half of the lookback
// makes a lower price low while RSI at that low is higher than at the earlier low.
func matchRSIDivergence(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	n := c.DivergenceLookback
	if n < 4 || len(in.bars) < n {
		return 0, nil, false
	}
	rsiAt := make(map[int64]float64, len(in.snaps[c.RSI]))
	for _, s := range in.snaps[c.RSI] {
		rsiAt[s.Timestamp.Unix()] = s.Value
	}
	window := in.bars[len(in.bars)-n:]
	half := n / 2
	lowIdx := func(bars []models.Bar) int {
		idx := 0
		for i, b := range bars {
			if b.Low < bars[idx].Low {
				idx = i
			}
		}
		return idx
	}
	early, recent := window[:half], window[half:]
	e, r := early[lowIdx(early)], recent[lowIdx(recent)]
	er, ok1 := rsiAt[e.Timestamp.Unix()]
	rr, ok2 := rsiAt[r.Timestamp.Unix()]
	if !ok1 || !ok2 {
		return 0, nil, false
	}
	if !(r.Low < e.Low && rr > er) {
		return 0, nil, false
	}
	return rr - er, map[string]float64{
		"price_low_prev": e.Low, "price_low": r.Low,
		"rsi_low_prev": er, "rsi_low": rr,
	}, true
}

func matchVolumeSpike(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	rv, ok := in.latest(c.RelVolume)
	if !ok || !rv.Timestamp.Equal(in.last().Timestamp) || rv.Value < c.SpikeMinRVol {
		return 0, nil, false
	}
	return rv.Value, map[string]float64{c.RelVolume: rv.Value, "average_volume": rv.Components["average_volume"]}, true
}

func matchMomentumBreakout(c ScannerConfig, in scanInput) (float64, map[string]float64, bool) {
	n := c.BreakoutBars
	if n <= 0 || len(in.bars) < n+1 {
		return 0, nil, false
	}
	prior := in.bars[len(in.bars)-n-1 : len(in.bars)-1]
	high := math.Inf(-1)
	for _, b := range prior {
		high = math.Max(high, b.High)
	}
	chg, ok := in.change()
	last := in.last()
	if !ok || last.Close <= high || chg <= c.BreakoutMinChange {
		return 0, nil, false
	}
	return chg, map[string]float64{"prior_high": high}, true
}

// ScannerUseCase runs TA screens over the active universe.
type ScannerUseCase struct {
	cfg      ScannerConfig
	bars     domrepo.BarStore
	snaps    domrepo.IndicatorStore
	universe SymbolLister
	l        *applogger.Logger
}

func NewScannerUseCase(cfg ScannerConfig, bars domrepo.BarStore, snaps domrepo.IndicatorStore,
	universe SymbolLister, l *applogger.Logger) *ScannerUseCase {
	if cfg.Timeframe == "" {
		cfg.Timeframe = domrepo.TF1d
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &ScannerUseCase{cfg: cfg, bars: bars, snaps: snaps, universe: universe, l: l}
}

func (uc *ScannerUseCase) limit(n int) int {
	if n <= 0 {
		return uc.cfg.DefaultLimit
	}
	if n > uc.cfg.MaxLimit {
		return uc.cfg.MaxLimit
	}
	return n
}

// depth is how many bars and snapshots a scan loads per symbol.
func (uc *ScannerUseCase) depth() int {
	n := 2
	if uc.cfg.DivergenceLookback > n {
		n = uc.cfg.DivergenceLookback
	}
	if uc.cfg.BreakoutBars+1 > n {
		n = uc.cfg.BreakoutBars + 1
	}
	return n
}

// Scan evaluates one scanner over the universe. Hits are ordered by score, ties by symbol.
func (uc *ScannerUseCase) Scan(ctx context.Context, typ models.ScannerType, limit int) ([]models.ScannerHit, error) {
	sc, ok := scanners[typ]
	if !ok {
		return nil, fmt.Errorf("unknown scanner %q", typ)
	}
	names := sc.indicators(uc.cfg)
	depth := uc.depth()
	symbols := uc.universe.ActiveSymbols(ctx)

	var (
		mu       sync.Mutex
		hits     []models.ScannerHit
		failures int
		firstErr error
	)
	runPool(ctx, uc.cfg.Concurrency, symbols, uc.l, func(ctx context.Context, sym string) {
		in, err := uc.load(ctx, sym, names, depth)
		if err != nil {
			mu.Lock()
			failures++
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			return
		}
		if len(in.bars) == 0 {
			return
		}
		score, values, ok := sc.match(uc.cfg, in)
		if !ok {
			return
		}
		last := in.last()
		chg, _ := in.change()
		hit := models.ScannerHit{
			Symbol:        sym,
			Scanner:       typ,
			Price:         last.Close,
			PercentChange: chg,
			Volume:        last.Volume,
			Score:         score,
			Values:        values,
			Timestamp:     last.Timestamp,
		}
		mu.Lock()
		hits = append(hits, hit)
		mu.Unlock()
	})
	if len(symbols) > 0 && failures == len(symbols) {
		return nil, fmt.Errorf("scan %s: %w", typ, firstErr)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			if sc.ascending {
				return hits[i].Score < hits[j].Score
			}
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Symbol < hits[j].Symbol
	})
	return truncate(hits, uc.limit(limit)), nil
}

func (uc *ScannerUseCase) load(ctx context.Context, symbol string, names []string, depth int) (scanInput, error) {
	in := scanInput{symbol: symbol, snaps: make(map[string][]models.IndicatorSnapshot, len(names))}
	bars, err := uc.bars.QueryLatest(ctx, symbol, uc.cfg.Timeframe, depth)
	if err != nil {
		return in, err
	}
	in.bars = bars
	for _, name := range names {
		snaps, err := uc.snaps.QuerySnapshots(ctx, symbol, uc.cfg.Timeframe, name, depth)
		if err != nil {
			return in, err
		}
		in.snaps[name] = snaps
	}
	return in, nil
}

// Types lists the supported scanners.
func (uc *ScannerUseCase) Types() []models.ScannerType { return models.ScannerTypes() }
