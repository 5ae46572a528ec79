package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ViewLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradedash",
			Subsystem: "views",
			Name:      "latency_seconds",
			Help:      "Latency of dashboard view endpoints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ViewErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradedash",
			Subsystem: "views",
			Name:      "errors_total",
			Help:      "Errors by dashboard view endpoint",
		},
		[]string{"endpoint"},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradedash",
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected websocket clients",
		},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(ViewLatency, ViewErrors, StreamClients)
	})
}

// ObserveView records one view computation.
func ObserveView(endpoint string, start time.Time, err error) {
	ViewLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		ViewErrors.WithLabelValues(endpoint).Inc()
	}
}
