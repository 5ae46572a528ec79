package yahoo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/equity"
	"golang.org/x/time/rate"

	"TradeDash/internal/domain/models"
	drepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
)

const providerName = "yahoo"

// Client implements MarketDataSource on the Yahoo Finance chart and quote endpoints.
type Client struct {
	limiter *rate.Limiter
	l       *applogger.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithRateLimit caps outgoing requests. Every request waits for a token.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(l *applogger.Logger) Option {
	return func(c *Client) { c.l = l }
}

func New(opts ...Option) *Client {
	c := &Client{
		limiter: rate.NewLimiter(rate.Inf, 1),
		l:       applogger.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ drepo.MarketDataSource = (*Client)(nil)

func (c *Client) Name() string { return providerName }

// FetchBars walks the chart iterator from since to now. Null rows are skipped.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf drepo.Timeframe, since time.Time) ([]models.Bar, error) {
	interval, ok := intervals[tf]
	if !ok {
		return nil, models.NewNotFoundError(providerName, symbol)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewTransientError(providerName, symbol, err)
	}

	start := since
	end := c.now()
	iter := chart.Get(&chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: interval,
	})

	bars := make([]models.Bar, 0, 64)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, models.NewTransientError(providerName, symbol, err)
		}
		b := iter.Bar()
		if b == nil || b.Close.IsZero() {
			continue
		}
		ts := time.Unix(int64(b.Timestamp), 0).UTC()
		if ts.Before(since) {
			continue
		}
		bars = append(bars, models.Bar{
			Timestamp: ts,
			Open:      b.Open.InexactFloat64(),
			High:      b.High.InexactFloat64(),
			Low:       b.Low.InexactFloat64(),
			Close:     b.Close.InexactFloat64(),
			Volume:    float64(b.Volume),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, classify(symbol, err)
	}
	return bars, nil
}

// FetchInfo reads the equity quote and maps the fundamentals the dashboard shows.
func (c *Client) FetchInfo(ctx context.Context, symbol string) (*models.InstrumentInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewTransientError(providerName, symbol, err)
	}
	q, err := equity.Get(symbol)
	if err != nil {
		return nil, classify(symbol, err)
	}
	if q == nil {
		return nil, models.NewNotFoundError(providerName, symbol)
	}

	name := q.LongName
	if name == "" {
		name = q.ShortName
	}
	info := &models.InstrumentInfo{
		Symbol:            symbol,
		Name:              name,
		Exchange:          q.FullExchangeName,
		Currency:          q.CurrencyID,
		MarketCap:         float64(q.MarketCap),
		SharesOutstanding: float64(q.SharesOutstanding),
		AverageVolume:     float64(q.AverageDailyVolume10Day),
		Price:             q.RegularMarketPrice,
		PERatio:           q.TrailingPE,
		EPS:               q.EpsTrailingTwelveMonths,
		DividendYield:     q.TrailingAnnualDividendYield,
		FiftyTwoWeekHigh:  q.FiftyTwoWeekHigh,
		FiftyTwoWeekLow:   q.FiftyTwoWeekLow,
		FiftyDayAverage:   q.FiftyDayAverage,
		TwoHundredDayAvg:  q.TwoHundredDayAverage,
		Source:            providerName,
		UpdatedAt:         c.now().UTC(),
	}
	info.FillDerived()
	return info, nil
}

var intervals = map[drepo.Timeframe]datetime.Interval{
	drepo.TF1m:  datetime.OneMin,
	drepo.TF5m:  datetime.FiveMins,
	drepo.TF15m: datetime.FifteenMins,
	drepo.TF1h:  datetime.OneHour,
	drepo.TF1d:  datetime.OneDay,
}

// classify maps finance-go errors, which only carry the upstream status in their text.
func classify(symbol string, err error) *models.FetchError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return models.NewRateLimitedError(providerName, symbol, 0, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized"):
		return models.NewUnauthorizedError(providerName, symbol, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "no data found"):
		return models.NewNotFoundError(providerName, symbol)
	default:
		return models.NewTransientError(providerName, symbol, fmt.Errorf("yahoo: %w", err))
	}
}
