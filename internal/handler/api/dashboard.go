package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/service/metrics"
	"TradeDash/internal/service/ratelimit"
	"TradeDash/internal/usecase"
	"TradeDash/pkg/cache"
	xhttp "TradeDash/pkg/http"
	applogger "TradeDash/pkg/logger"
	xutil "TradeDash/pkg/util"
)

// DashboardHandler serves the dashboard views, series queries, watchlist
// management and the operator endpoints.
type DashboardHandler struct {
	rankings  *usecase.RankingsUseCase
	scanners  *usecase.ScannerUseCase
	watchlist *usecase.WatchlistUseCase
	candles   *usecase.CandlesUseCase
	control   *usecase.PipelineControl
	stream    echo.HandlerFunc

	cache    cache.Service
	cacheTTL time.Duration
	writes   *ratelimit.Limiter
	l        *applogger.Logger
}

type Option func(*DashboardHandler)

// WithViewCache caches ranked views and scanner results for ttl.
func WithViewCache(c cache.Service, ttl time.Duration) Option {
	return func(h *DashboardHandler) {
		h.cache = c
		h.cacheTTL = ttl
	}
}

// WithWriteLimiter throttles watchlist writes and reloads per client IP.
func WithWriteLimiter(l *ratelimit.Limiter) Option {
	return func(h *DashboardHandler) { h.writes = l }
}

// WithStream mounts the websocket endpoint at /ws.
func WithStream(fn echo.HandlerFunc) Option {
	return func(h *DashboardHandler) { h.stream = fn }
}

func WithLogger(l *applogger.Logger) Option {
	return func(h *DashboardHandler) { h.l = l }
}

func NewDashboardHandler(
	rankings *usecase.RankingsUseCase,
	scanners *usecase.ScannerUseCase,
	watchlist *usecase.WatchlistUseCase,
	candles *usecase.CandlesUseCase,
	control *usecase.PipelineControl,
	opts ...Option,
) *DashboardHandler {
	metrics.Register()
	h := &DashboardHandler{
		rankings:  rankings,
		scanners:  scanners,
		watchlist: watchlist,
		candles:   candles,
		control:   control,
		l:         applogger.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ xhttp.Handler = (*DashboardHandler)(nil)

func (h *DashboardHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
	e.GET("/stocks", h.Stocks)
	e.GET("/get_ta_data", h.Scanner)
	if h.stream != nil {
		e.GET("/ws", h.stream)
	}

	g := e.Group("/api")
	g.GET("/gainers", h.Gainers)
	g.GET("/firm_gainers", h.Gainers)
	g.GET("/small_cap_gainers", h.SmallCapGainers)
	g.GET("/most_actives", h.MostActive)
	g.GET("/get_ta_data", h.Scanner)
	g.GET("/scanners", h.ScannerTypes)
	g.GET("/watchlist", h.Watchlist)
	g.POST("/watchlist", h.AddToWatchlist, h.throttle)
	g.DELETE("/watchlist/:symbol", h.RemoveFromWatchlist, h.throttle)
	g.GET("/bars", h.Bars)
	g.GET("/indicators", h.Indicators)
	g.GET("/status", h.Status)
	g.POST("/admin/reload", h.Reload, h.throttle)
}

func (h *DashboardHandler) Healthz(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

// Readyz answers 503 while the store is unreachable.
func (h *DashboardHandler) Readyz(c echo.Context) error {
	if !h.control.Ready() {
		return xhttp.ServiceUnavailableResponse(c, map[string]string{"status": "store unavailable"})
	}
	return xhttp.SuccessResponse(c, map[string]string{"status": "ready"})
}

func (h *DashboardHandler) Gainers(c echo.Context) error {
	req := &models.LimitRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows, err := cachedView(h, c, "gainers", fmt.Sprint(req.Limit), func(ctx context.Context) ([]models.GainerRow, error) {
		return h.rankings.RankedGainers(ctx, req.Limit)
	})
	if err != nil {
		return h.fail(c, "gainers", err)
	}
	return xhttp.SuccessResponse(c, rows)
}

func (h *DashboardHandler) SmallCapGainers(c echo.Context) error {
	req := &models.LimitRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows, err := cachedView(h, c, "small_cap_gainers", fmt.Sprint(req.Limit), func(ctx context.Context) ([]models.GainerRow, error) {
		return h.rankings.SmallCapGainers(ctx, req.Limit)
	})
	if err != nil {
		return h.fail(c, "small_cap_gainers", err)
	}
	return xhttp.SuccessResponse(c, rows)
}

func (h *DashboardHandler) MostActive(c echo.Context) error {
	req := &models.LimitRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows, err := cachedView(h, c, "most_actives", fmt.Sprint(req.Limit), func(ctx context.Context) ([]models.ActiveRow, error) {
		return h.rankings.MostActive(ctx, req.Limit)
	})
	if err != nil {
		return h.fail(c, "most_actives", err)
	}
	return xhttp.SuccessResponse(c, rows)
}

// Scanner serves get_ta_data.
func (h *DashboardHandler) Scanner(c echo.Context) error {
	req := &models.ScannerRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	hits, err := cachedView(h, c, "scanner", req.ScannerType+":"+fmt.Sprint(req.Limit), func(ctx context.Context) ([]models.ScannerHit, error) {
		return h.scanners.Scan(ctx, models.ScannerType(req.ScannerType), req.Limit)
	})
	if err != nil {
		return h.fail(c, "scanner", err)
	}
	return xhttp.ListResponse(c, hits, int64(len(hits)))
}

func (h *DashboardHandler) ScannerTypes(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.scanners.Types())
}

// Watchlist returns the view for ?symbols=A,B, or for the stored watchlist when omitted.
func (h *DashboardHandler) Watchlist(c echo.Context) error {
	start := time.Now()
	req := &models.WatchlistRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()

	symbols := xutil.SplitSymbols(req.Symbols)
	if req.Symbols == "" {
		stored, err := h.watchlist.List(ctx)
		if err != nil {
			return h.fail(c, "watchlist", err)
		}
		symbols = stored
	}
	rows, err := h.rankings.Watchlist(ctx, symbols)
	metrics.ObserveView("watchlist", start, err)
	if err != nil {
		return h.fail(c, "watchlist", err)
	}
	return xhttp.SuccessResponse(c, rows)
}

func (h *DashboardHandler) AddToWatchlist(c echo.Context) error {
	req := &models.WatchlistAddRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sym, added, err := h.watchlist.Add(c.Request().Context(), req.Symbol)
	if err != nil {
		return h.fail(c, "watchlist_add", err)
	}
	body := map[string]interface{}{"symbol": sym, "added": added}
	if added {
		return xhttp.CreatedResponse(c, body)
	}
	return xhttp.SuccessResponse(c, body)
}

func (h *DashboardHandler) RemoveFromWatchlist(c echo.Context) error {
	sym, removed, err := h.watchlist.Remove(c.Request().Context(), c.Param("symbol"))
	if err != nil {
		return h.fail(c, "watchlist_remove", err)
	}
	if !removed {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("%s is not on the watchlist", sym))
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{"symbol": sym, "removed": true})
}

// Stocks returns today's bars for every watchlist symbol.
func (h *DashboardHandler) Stocks(c echo.Context) error {
	start := time.Now()
	rows, err := h.watchlist.Stocks(c.Request().Context())
	metrics.ObserveView("stocks", start, err)
	if err != nil {
		return h.fail(c, "stocks", err)
	}
	return xhttp.SuccessResponse(c, rows)
}

func (h *DashboardHandler) Bars(c echo.Context) error {
	req := &models.BarsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	p := usecase.GetCandlesParams{
		Symbol:    req.Symbol,
		Timeframe: domrepo.NormalizeTimeframe(req.TF),
		Limit:     req.Limit,
	}
	if req.From != "" {
		t, ok := xutil.ParseTime(req.From)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid from %q", req.From))
		}
		p.From = t
	}
	if req.To != "" {
		t, ok := xutil.ParseTime(req.To)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid to %q", req.To))
		}
		p.To = t
	}

	start := time.Now()
	res, err := h.candles.GetCandles(c.Request().Context(), p)
	metrics.ObserveView("bars", start, err)
	if err != nil {
		return h.fail(c, "bars", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *DashboardHandler) Indicators(c echo.Context) error {
	req := &models.IndicatorsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	start := time.Now()
	res, err := h.candles.GetIndicators(c.Request().Context(), usecase.GetIndicatorsParams{
		Symbol:    req.Symbol,
		Timeframe: domrepo.NormalizeTimeframe(req.TF),
		Indicator: req.Indicator,
		Limit:     req.Limit,
	})
	metrics.ObserveView("indicators", start, err)
	if err != nil {
		return h.fail(c, "indicators", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *DashboardHandler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.control.Status(c.Request().Context()))
}

// Reload re-reads the configured symbols, or takes them from the body, and clears failed state.
func (h *DashboardHandler) Reload(c echo.Context) error {
	req := &models.ReloadRequest{}
	if c.Request().ContentLength > 0 {
		if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
			return xhttp.BadRequestResponse(c, verr)
		}
	}
	st, err := h.control.Reload(c.Request().Context(), req.Symbols)
	if err != nil {
		return h.fail(c, "reload", err)
	}
	h.invalidateViews(c.Request().Context())
	return xhttp.SuccessResponse(c, st)
}

// cachedView serves a view from the cache when fresh, otherwise computes and stores it.
func cachedView[T any](h *DashboardHandler, c echo.Context, endpoint, key string, compute func(context.Context) (T, error)) (T, error) {
	ctx := c.Request().Context()
	start := time.Now()
	cacheKey := cache.GenerateKeyWithParams("view", endpoint, key)
	caching := h.cache != nil && h.cacheTTL > 0

	if caching {
		var cached T
		err := h.cache.Get(ctx, cacheKey, &cached)
		if err == nil {
			metrics.ObserveView(endpoint, start, nil)
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.l.Warn("view cache get", applogger.String("key", cacheKey), applogger.Error(err))
		}
	}

	v, err := compute(ctx)
	metrics.ObserveView(endpoint, start, err)
	if err != nil {
		return v, err
	}
	if caching {
		if err := h.cache.Set(ctx, cacheKey, v, h.cacheTTL); err != nil {
			h.l.Warn("view cache set", applogger.String("key", cacheKey), applogger.Error(err))
		}
	}
	return v, nil
}

func (h *DashboardHandler) invalidateViews(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.DeleteByPattern(ctx, cache.BuildPattern("view")); err != nil {
		h.l.Warn("view cache invalidate", applogger.Error(err))
	}
}

// throttle rejects writes beyond the per-client token bucket.
func (h *DashboardHandler) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.writes != nil && !h.writes.Allow(c.RealIP()) {
			h.l.Warn("write throttled", applogger.String("remote", c.RealIP()), applogger.String("path", c.Path()))
			return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many requests"))
		}
		return next(c)
	}
}

// fail maps domain errors onto the AppError envelope.
func (h *DashboardHandler) fail(c echo.Context, endpoint string, err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidSymbol):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	case errors.Is(err, models.ErrStoreUnavailable):
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("store unavailable").WithError(err))
	case models.IsCancellation(err):
		h.l.Debug("request cancelled", applogger.String("endpoint", endpoint))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("request cancelled").WithError(err))
	default:
		h.l.Error("view failed", applogger.String("endpoint", endpoint), applogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("internal error").WithError(err))
	}
}
