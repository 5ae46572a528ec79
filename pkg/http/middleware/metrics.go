package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	applogger "TradeDash/pkg/logger"
)

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradedash",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradedash",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status class.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "method", "class"})

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradedash",
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})

	registerOnce sync.Once
)

// Metrics records request metrics keyed by the echo route template, so
// /api/watchlist/:symbol is one series. Requests slower than slow are logged.
func Metrics(reg prometheus.Registerer, l *applogger.Logger, slow time.Duration) echo.MiddlewareFunc {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(requests, latency, inFlight)
	})
	if l == nil {
		l = applogger.NewNop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			inFlight.Inc()
			defer inFlight.Dec()
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			code := c.Response().Status
			took := time.Since(start)

			requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
			latency.WithLabelValues(route, method, strconv.Itoa(code/100)+"xx").Observe(took.Seconds())

			if slow > 0 && took >= slow {
				l.Warn("http request slow",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Int("status", code),
					applogger.Duration("duration", took),
				)
			}
			return nil
		}
	}
}
