package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"TradeDash/internal/domain/models"
	drepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
	xutil "TradeDash/pkg/util"
)

const (
	providerName   = "finnhub"
	defaultBaseURL = "https://finnhub.io/api/v1"
)

// Client implements MarketDataSource on the Finnhub REST API.
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter *rate.Limiter
	l       *applogger.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.http.SetBaseURL(u)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

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

// New creates a Finnhub data source.
func New(apiKey string, opts ...Option) *Client {
	hc := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	c := &Client{
		http:    hc,
		apiKey:  apiKey,
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

type candleResponse struct {
	Status string    `json:"s"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
	Time   []int64   `json:"t"`
}

type profileResponse struct {
	Ticker            string  `json:"ticker"`
	Name              string  `json:"name"`
	Exchange          string  `json:"exchange"`
	Currency          string  `json:"currency"`
	Industry          string  `json:"finnhubIndustry"`
	MarketCapMillions float64 `json:"marketCapitalization"`
	SharesMillions    float64 `json:"shareOutstanding"`
}

type metricResponse struct {
	Metric map[string]interface{} `json:"metric"`
}

type quoteResponse struct {
	Current float64 `json:"c"`
}

// FetchBars reads candles from /stock/candle.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf drepo.Timeframe, since time.Time) ([]models.Bar, error) {
	res, err := resolution(tf)
	if err != nil {
		return nil, models.NewNotFoundError(providerName, symbol)
	}
	var body candleResponse
	if err := c.get(ctx, symbol, "/stock/candle", map[string]string{
		"symbol":     symbol,
		"resolution": res,
		"from":       strconv.FormatInt(since.Unix(), 10),
		"to":         strconv.FormatInt(c.now().Unix(), 10),
	}, &body); err != nil {
		return nil, err
	}

	switch body.Status {
	case "ok":
	case "no_data":
		return []models.Bar{}, nil
	default:
		return nil, models.NewTransientError(providerName, symbol, fmt.Errorf("candle status %q", body.Status))
	}

	n := len(body.Time)
	if len(body.Open) != n || len(body.High) != n || len(body.Low) != n || len(body.Close) != n || len(body.Volume) != n {
		return nil, models.NewTransientError(providerName, symbol, fmt.Errorf("ragged candle arrays"))
	}
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		ts := time.Unix(body.Time[i], 0).UTC()
		if ts.Before(since) {
			continue
		}
		bars = append(bars, models.Bar{
			Timestamp: ts,
			Open:      body.Open[i],
			High:      body.High[i],
			Low:       body.Low[i],
			Close:     body.Close[i],
			Volume:    body.Volume[i],
		})
	}
	return bars, nil
}

// FetchInfo merges /stock/profile2, /stock/metric and /quote.
func (c *Client) FetchInfo(ctx context.Context, symbol string) (*models.InstrumentInfo, error) {
	var profile profileResponse
	if err := c.get(ctx, symbol, "/stock/profile2", map[string]string{"symbol": symbol}, &profile); err != nil {
		return nil, err
	}
	// unknown symbols come back as an empty object
	if profile.Ticker == "" && profile.Name == "" {
		return nil, models.NewNotFoundError(providerName, symbol)
	}

	info := &models.InstrumentInfo{
		Symbol:            symbol,
		Name:              profile.Name,
		Exchange:          profile.Exchange,
		Currency:          profile.Currency,
		Industry:          profile.Industry,
		MarketCap:         profile.MarketCapMillions * 1e6,
		SharesOutstanding: profile.SharesMillions * 1e6,
		Source:            providerName,
		UpdatedAt:         c.now().UTC(),
	}

	var metrics metricResponse
	if err := c.get(ctx, symbol, "/stock/metric", map[string]string{"symbol": symbol, "metric": "all"}, &metrics); err != nil {
		c.l.Debug("finnhub metrics unavailable", applogger.String("symbol", symbol), applogger.Error(err))
	} else {
		m := metrics.Metric
		info.FiftyTwoWeekHigh = number(m, "52WeekHigh")
		info.FiftyTwoWeekLow = number(m, "52WeekLow")
		info.AverageVolume = number(m, "10DayAverageTradingVolume") * 1e6
		info.PERatio = number(m, "peBasicExclExtraTTM")
		info.EPS = number(m, "epsBasicExclExtraItemsTTM")
		info.DividendYield = number(m, "dividendYieldIndicatedAnnual")
	}

	var q quoteResponse
	if err := c.get(ctx, symbol, "/quote", map[string]string{"symbol": symbol}, &q); err == nil {
		info.Price = q.Current
	}

	info.FillDerived()
	return info, nil
}

func (c *Client) get(ctx context.Context, symbol, path string, params map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.NewTransientError(providerName, symbol, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("token", c.apiKey).
		Get(path)
	if err != nil {
		return models.NewTransientError(providerName, symbol, fmt.Errorf("GET %s: %w", path, err))
	}

	status := resp.StatusCode()
	if status != http.StatusOK {
		body := strings.TrimSpace(resp.String())
		if len(body) > 200 {
			body = body[:200]
		}
		return models.FetchErrorFromStatus(providerName, symbol, status,
			xutil.ParseRetryAfter(resp.Header().Get("Retry-After"), c.now()), fmt.Errorf("GET %s: status %d: %s", path, status, body))
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return models.NewTransientError(providerName, symbol, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func resolution(tf drepo.Timeframe) (string, error) {
	switch tf {
	case drepo.TF1m:
		return "1", nil
	case drepo.TF5m:
		return "5", nil
	case drepo.TF15m:
		return "15", nil
	case drepo.TF1h:
		return "60", nil
	case drepo.TF1d:
		return "D", nil
	default:
		return "", fmt.Errorf("unsupported timeframe %q", tf)
	}
}

func number(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
