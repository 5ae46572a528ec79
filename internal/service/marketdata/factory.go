package marketdata

import (
	"fmt"

	drepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/service/finnhub"
	"TradeDash/internal/service/mockfeed"
	"TradeDash/internal/service/yahoo"
	"TradeDash/pkg/config"
	applogger "TradeDash/pkg/logger"
)

// New builds the data source selected by cfg.Name.
func New(cfg config.ProviderConfig, l *applogger.Logger) (drepo.MarketDataSource, error) {
	if l == nil {
		l = applogger.NewNop()
	}
	l = l.Named("provider").With(applogger.String("provider", cfg.Name))

	switch cfg.Name {
	case "yahoo":
		return yahoo.New(
			yahoo.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
			yahoo.WithLogger(l),
		), nil
	case "finnhub":
		if cfg.Finnhub.APIKey == "" {
			return nil, fmt.Errorf("finnhub: api key is required")
		}
		return finnhub.New(cfg.Finnhub.APIKey,
			finnhub.WithBaseURL(cfg.Finnhub.BaseURL),
			finnhub.WithTimeout(cfg.Timeout),
			finnhub.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
			finnhub.WithLogger(l),
		), nil
	case "mock":
		return mockfeed.New(
			mockfeed.WithSeed(cfg.Mock.Seed),
			mockfeed.WithFailures(cfg.Mock.Failures),
			mockfeed.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		), nil
	default:
		return nil, fmt.Errorf("unknown market data provider %q", cfg.Name)
	}
}
