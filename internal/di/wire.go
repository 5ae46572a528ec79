//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"TradeDash/pkg/config"
	"TradeDash/pkg/server"
)

var infraSet = wire.NewSet(
	ProvideKafkaProducer,
	ProvideLogger,
	ProvideMetrics,
	ProvideRedisCache,
	ProvideRetentionPolicy,
	ProvideStores,
)

var pipelineSet = wire.NewSet(
	ProvideMarketData,
	ProvideUniverse,
	ProvideHealthMonitor,
	ProvideHub,
	ProvideIndicators,
	ProvideTAProcessor,
	ProvideEvents,
	ProvideBarPipeline,
	ProvideOHLCVFetcher,
	ProvideInfoFetcher,
	ProvideRetention,
	ProvideScheduler,
)

var apiSet = wire.NewSet(
	ProvideControl,
	ProvideRankings,
	ProvideScanners,
	ProvideWatchlist,
	ProvideCandles,
	ProvideDashboardHandler,
	ProvideHTTPServer,
)

// InitializeApp wires up all dependencies and returns the application.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(infraSet, pipelineSet, apiSet, ProvideApp)
	return nil, nil, nil
}

// InitializeStores opens the configured stores and runs their migrations.
func InitializeStores(cfg *config.Config) (*Stores, func(), error) {
	wire.Build(infraSet)
	return nil, nil, nil
}
