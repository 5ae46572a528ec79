package repository

import (
	"context"
	"time"

	"TradeDash/internal/domain/models"
)

// MarketDataSource is an upstream OHLCV and reference data provider.
// Every error returned is a *models.FetchError.
type MarketDataSource interface {
	Name() string
	// FetchBars returns bars with ts >= since, possibly including a still-forming last bar.
	FetchBars(ctx context.Context, symbol string, tf Timeframe, since time.Time) ([]models.Bar, error)
	FetchInfo(ctx context.Context, symbol string) (*models.InstrumentInfo, error)
}

// BarEventPublisher announces persisted bars to the TA processor.
type BarEventPublisher interface {
	PublishBarsAppended(ctx context.Context, ev models.BarsAppendedEvent) error
	Close() error
}

// Notifier pushes live updates to connected dashboard clients.
type Notifier interface {
	Notify(topic string, payload interface{})
}

// KeyLocker serializes writers of the same series, possibly across processes.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type Metrics interface {
	RecordBarsStored(symbol, tf string, inserted, duplicates int)
	RecordFetch(worker, result string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordSnapshots(indicator string, written, pending int)
	SetStoreHealthy(healthy bool)
}
