package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	barsStored   *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	lastPrice    *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
	snapshots    *prometheus.CounterVec
	pending      *prometheus.GaugeVec
	storeHealthy prometheus.Gauge
}

// New creates a recorder registered on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		barsStored: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradedash_bars_stored_total",
				Help: "Bars offered to the store, by outcome",
			},
			[]string{"symbol", "timeframe", "outcome"},
		),
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradedash_fetches_total",
				Help: "Upstream fetch attempts by worker and result",
			},
			[]string{"worker", "result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradedash_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradedash_last_price",
				Help: "Last stored close for a symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradedash_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		snapshots: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradedash_indicator_snapshots_total",
				Help: "Indicator snapshots written",
			},
			[]string{"indicator"},
		),
		pending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradedash_indicator_pending",
				Help: "Bar timestamps waiting for enough history, as of the last TA pass",
			},
			[]string{"indicator"},
		),
		storeHealthy: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradedash_store_healthy",
				Help: "1 when the store passed its last health check",
			},
		),
	}
}

// RecordBarsStored records the outcome of an upsert.
func (r *Recorder) RecordBarsStored(symbol, tf string, inserted, duplicates int) {
	r.barsStored.WithLabelValues(symbol, tf, "inserted").Add(float64(inserted))
	r.barsStored.WithLabelValues(symbol, tf, "duplicate").Add(float64(duplicates))
}

// RecordFetch records one fetch attempt.
func (r *Recorder) RecordFetch(worker, result string) {
	r.fetches.WithLabelValues(worker, result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// RecordSnapshots records a TA pass for one indicator.
func (r *Recorder) RecordSnapshots(indicator string, written, pending int) {
	r.snapshots.WithLabelValues(indicator).Add(float64(written))
	r.pending.WithLabelValues(indicator).Set(float64(pending))
}

// SetStoreHealthy flips the store health gauge.
func (r *Recorder) SetStoreHealthy(healthy bool) {
	if healthy {
		r.storeHealthy.Set(1)
		return
	}
	r.storeHealthy.Set(0)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordBarsStored(string, string, int, int) {}
func (Nop) RecordFetch(string, string)                {}
func (Nop) RecordError(string)                        {}
func (Nop) RecordLastPrice(string, float64)           {}
func (Nop) RecordLatency(string, float64)             {}
func (Nop) RecordSnapshots(string, int, int)          {}
func (Nop) SetStoreHealthy(bool)                      {}
