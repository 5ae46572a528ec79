package repository

import (
	"context"
	"time"

	"TradeDash/internal/domain/models"
)

// BarStore persists OHLCV bars keyed by (symbol, timeframe, timestamp).
// Implementations are idempotent: a bar whose key already exists is ignored.
type BarStore interface {
	// UpsertBars appends bars for one series. If any bar is older than the
	// retention cutoff the whole batch is rejected with models.ErrOutOfOrder.
	UpsertBars(ctx context.Context, symbol string, tf Timeframe, bars []models.Bar) (models.UpsertResult, error)
	// QueryRange returns bars with from <= ts <= to in ascending order.
	QueryRange(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]models.Bar, error)
	// QueryLatest returns the newest n bars in ascending order.
	QueryLatest(ctx context.Context, symbol string, tf Timeframe, n int) ([]models.Bar, error)
	LatestTimestamp(ctx context.Context, symbol string, tf Timeframe) (time.Time, bool, error)
	// Prune removes bars older than cutoff and returns how many were dropped.
	Prune(ctx context.Context, tf Timeframe, cutoff time.Time) (int64, error)
	Health(ctx context.Context) error
}

// IndicatorStore persists indicator snapshots keyed by (symbol, timeframe, indicator, timestamp).
// Writing an existing key overwrites it.
type IndicatorStore interface {
	UpsertSnapshots(ctx context.Context, snaps []models.IndicatorSnapshot) error
	LatestSnapshot(ctx context.Context, symbol string, tf Timeframe, indicator string) (models.IndicatorSnapshot, bool, error)
	// QuerySnapshots returns the newest n snapshots in ascending order.
	QuerySnapshots(ctx context.Context, symbol string, tf Timeframe, indicator string, n int) ([]models.IndicatorSnapshot, error)
	PruneSnapshots(ctx context.Context, tf Timeframe, cutoff time.Time) (int64, error)
}

// InfoStore keeps the latest instrument info per symbol.
type InfoStore interface {
	PutInfo(ctx context.Context, info models.InstrumentInfo) error
	GetInfo(ctx context.Context, symbol string) (models.InstrumentInfo, bool, error)
	GetInfos(ctx context.Context, symbols []string) (map[string]models.InstrumentInfo, error)
}

// WatchlistStore keeps the user-managed watchlist.
type WatchlistStore interface {
	AddSymbol(ctx context.Context, symbol string) (bool, error)
	RemoveSymbol(ctx context.Context, symbol string) (bool, error)
	ListSymbols(ctx context.Context) ([]string, error)
}
