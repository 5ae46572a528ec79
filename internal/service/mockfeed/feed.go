package mockfeed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"TradeDash/internal/domain/models"
	drepo "TradeDash/internal/domain/repository"
)

const (
	providerName = "mock"
	maxBars      = 5000
)

// Failure kinds accepted by SetFailure.
const (
	FailNotFound     = "not_found"
	FailUnauthorized = "unauthorized"
	FailRateLimited  = "rate_limited"
	FailTransient    = "transient"
)

// Feed is a deterministic MarketDataSource for local runs and tests.
// A bar depends only on (seed, symbol, timeframe, timestamp), so refetching
// a range yields identical bars.
type Feed struct {
	seed    int64
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.RWMutex
	failures map[string]string
	calls    map[string]int
}

type Option func(*Feed)

func WithSeed(seed int64) Option { return func(f *Feed) { f.seed = seed } }

func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

// WithRateLimit caps calls the way a real provider would.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Feed) {
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithFailures injects failures per symbol.
func WithFailures(m map[string]string) Option {
	return func(f *Feed) {
		for sym, kind := range m {
			f.failures[strings.ToUpper(sym)] = kind
		}
	}
}

func New(opts ...Option) *Feed {
	f := &Feed{
		seed:     42,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		now:      time.Now,
		failures: make(map[string]string),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ drepo.MarketDataSource = (*Feed)(nil)

func (f *Feed) Name() string { return providerName }

// SetFailure makes every call for symbol fail with kind. An empty kind clears it.
func (f *Feed) SetFailure(symbol, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == "" {
		delete(f.failures, symbol)
		return
	}
	f.failures[symbol] = kind
}

// Calls returns how many requests were made for symbol.
func (f *Feed) Calls(symbol string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls[symbol]
}

func (f *Feed) begin(ctx context.Context, symbol string) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return models.NewTransientError(providerName, symbol, err)
	}
	f.mu.Lock()
	f.calls[symbol]++
	kind := f.failures[symbol]
	f.mu.Unlock()

	switch kind {
	case "":
		return nil
	case FailNotFound:
		return models.NewNotFoundError(providerName, symbol)
	case FailUnauthorized:
		return models.NewUnauthorizedError(providerName, symbol, fmt.Errorf("injected"))
	case FailRateLimited:
		return models.NewRateLimitedError(providerName, symbol, time.Second, fmt.Errorf("injected"))
	default:
		return models.NewTransientError(providerName, symbol, fmt.Errorf("injected %s", kind))
	}
}

// FetchBars generates bars aligned to the timeframe from since up to the
// bucket containing now. The last bar is still forming.
func (f *Feed) FetchBars(ctx context.Context, symbol string, tf drepo.Timeframe, since time.Time) ([]models.Bar, error) {
	if err := f.begin(ctx, symbol); err != nil {
		return nil, err
	}
	d := tf.Duration()
	now := f.now().UTC()
	start := since.UTC().Truncate(d)
	if start.Before(since) {
		start = start.Add(d)
	}
	if oldest := now.Truncate(d).Add(-time.Duration(maxBars-1) * d); start.Before(oldest) {
		start = oldest
	}

	bars := make([]models.Bar, 0, 64)
	for ts := start; !ts.After(now); ts = ts.Add(d) {
		bars = append(bars, f.bar(symbol, tf, ts))
	}
	return bars, nil
}

func (f *Feed) FetchInfo(ctx context.Context, symbol string) (*models.InstrumentInfo, error) {
	if err := f.begin(ctx, symbol); err != nil {
		return nil, err
	}
	r := f.rng(symbol, "info", 0)
	base := f.base(symbol)
	shares := float64(10_000_000 + r.Int63n(990_000_000))
	eps := math.Round((0.5+r.Float64()*5)*100) / 100
	info := &models.InstrumentInfo{
		Symbol:            symbol,
		Name:              symbol + " Holdings",
		Exchange:          "MOCK",
		Currency:          "USD",
		Sector:            "Technology",
		Industry:          "Software",
		SharesOutstanding: shares,
		FloatShares:       shares * 0.8,
		AverageVolume:     float64(100_000 + r.Int63n(5_000_000)),
		Price:             base,
		EPS:               eps,
		DividendYield:     math.Round(r.Float64()*300) / 10000,
		FiftyTwoWeekHigh:  math.Round(base*1.3*100) / 100,
		FiftyTwoWeekLow:   math.Round(base*0.7*100) / 100,
		FiftyDayAverage:   base,
		TwoHundredDayAvg:  math.Round(base*0.95*100) / 100,
		PriceTarget:       math.Round(base*1.15*100) / 100,
		Source:            providerName,
		UpdatedAt:         f.now().UTC(),
	}
	info.FillDerived()
	return info, nil
}

func (f *Feed) base(symbol string) float64 {
	r := f.rng(symbol, "base", 0)
	return math.Round((2+r.Float64()*198)*100) / 100
}

func (f *Feed) bar(symbol string, tf drepo.Timeframe, ts time.Time) models.Bar {
	base := f.base(symbol)
	step := float64(ts.Unix() / int64(tf.Duration()/time.Second))
	r := f.rng(symbol, string(tf), ts.Unix())

	mid := base * (1 + 0.08*math.Sin(step/24) + 0.02*math.Sin(step/5))
	open := mid * (1 + (r.Float64()-0.5)*0.01)
	cl := mid * (1 + (r.Float64()-0.5)*0.01)
	high := math.Max(open, cl) * (1 + r.Float64()*0.005)
	low := math.Min(open, cl) * (1 - r.Float64()*0.005)
	vol := float64(1_000 + r.Int63n(200_000))

	return models.Bar{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cl,
		Volume:    vol,
	}
}

func (f *Feed) rng(symbol, salt string, n int64) *rand.Rand {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s|%d", f.seed, symbol, salt, n)
	return rand.New(rand.NewSource(int64(h.Sum64())))
}
