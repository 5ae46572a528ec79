package usecase

import (
	"context"
	"fmt"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
	"TradeDash/pkg/util"
)

// WatchlistChange is pushed to dashboard clients after the watchlist was edited.
type WatchlistChange struct {
	Added   string   `json:"added,omitempty"`
	Removed string   `json:"removed,omitempty"`
	Symbols []string `json:"symbols"`
}

// WatchlistUseCase manages the user watchlist and the intraday /stocks view.
type WatchlistUseCase struct {
	store    domrepo.WatchlistStore
	bars     domrepo.BarStore
	notifier domrepo.Notifier
	intraday domrepo.Timeframe
	loc      *time.Location
	now      func() time.Time
	l        *applogger.Logger
}

type WatchlistOption func(*WatchlistUseCase)

func WithWatchlistNotifier(n domrepo.Notifier) WatchlistOption {
	return func(uc *WatchlistUseCase) { uc.notifier = n }
}

func WithWatchlistClock(now func() time.Time) WatchlistOption {
	return func(uc *WatchlistUseCase) { uc.now = now }
}

func WithWatchlistLogger(l *applogger.Logger) WatchlistOption {
	return func(uc *WatchlistUseCase) { uc.l = l }
}

// NewWatchlistUseCase builds the use case. loc is the market timezone that defines "today".
func NewWatchlistUseCase(store domrepo.WatchlistStore, bars domrepo.BarStore, intraday domrepo.Timeframe,
	loc *time.Location, opts ...WatchlistOption) *WatchlistUseCase {
	if intraday == "" {
		intraday = domrepo.TF1m
	}
	if loc == nil {
		loc = time.UTC
	}
	uc := &WatchlistUseCase{store: store, bars: bars, intraday: intraday, loc: loc, now: time.Now, l: applogger.NewNop()}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Add normalizes and stores symbol. added is false if it was already present.
func (uc *WatchlistUseCase) Add(ctx context.Context, raw string) (string, bool, error) {
	sym, ok := util.NormalizeSymbol(raw)
	if !ok {
		return "", false, fmt.Errorf("%w: %q", models.ErrInvalidSymbol, raw)
	}
	added, err := uc.store.AddSymbol(ctx, sym)
	if err != nil {
		return "", false, fmt.Errorf("add %s: %w", sym, err)
	}
	if added {
		uc.l.Info("watchlist symbol added", applogger.String("symbol", sym))
		uc.notify(ctx, WatchlistChange{Added: sym})
	}
	return sym, added, nil
}

// Remove deletes symbol. removed is false if it was not present.
func (uc *WatchlistUseCase) Remove(ctx context.Context, raw string) (string, bool, error) {
	sym, ok := util.NormalizeSymbol(raw)
	if !ok {
		return "", false, fmt.Errorf("%w: %q", models.ErrInvalidSymbol, raw)
	}
	removed, err := uc.store.RemoveSymbol(ctx, sym)
	if err != nil {
		return "", false, fmt.Errorf("remove %s: %w", sym, err)
	}
	if removed {
		uc.l.Info("watchlist symbol removed", applogger.String("symbol", sym))
		uc.notify(ctx, WatchlistChange{Removed: sym})
	}
	return sym, removed, nil
}

func (uc *WatchlistUseCase) List(ctx context.Context) ([]string, error) {
	return uc.store.ListSymbols(ctx)
}

func (uc *WatchlistUseCase) notify(ctx context.Context, ch WatchlistChange) {
	if uc.notifier == nil {
		return
	}
	list, err := uc.store.ListSymbols(ctx)
	if err != nil {
		uc.l.Warn("watchlist list after change failed", applogger.Error(err))
	}
	ch.Symbols = list
	uc.notifier.Notify(models.EventWatchlistChanged, ch)
}

// Stocks returns today's intraday bars for every watchlist symbol, ascending by timestamp.
// Symbols without bars today are returned with an empty series.
func (uc *WatchlistUseCase) Stocks(ctx context.Context) ([]models.DayBars, error) {
	list, err := uc.store.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	now := uc.now()
	from := util.StartOfDay(now, uc.loc)

	out := make([]models.DayBars, 0, len(list))
	for _, sym := range list {
		bars, err := uc.bars.QueryRange(ctx, sym, uc.intraday, from, now)
		if err != nil {
			return nil, fmt.Errorf("bars %s: %w", sym, err)
		}
		if bars == nil {
			bars = []models.Bar{}
		}
		out = append(out, models.DayBars{Symbol: sym, Bars: bars})
	}
	return out, nil
}
