package kafka

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedash_kafka_published_total",
		Help: "Messages written to Kafka by topic and result",
	}, []string{"topic", "result"})
	publishedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedash_kafka_published_bytes_total",
		Help: "Payload bytes written to Kafka",
	}, []string{"topic"})
	publishSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedash_kafka_publish_seconds",
		Help:    "Kafka write latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
	consumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedash_kafka_consumed_total",
		Help: "Messages handled by topic and outcome (ok, retried, dlq, dropped)",
	}, []string{"topic", "outcome"})
	handleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedash_kafka_handle_seconds",
		Help:    "Handler time per message including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{published, publishedBytes, publishSeconds, consumed, handleSeconds} {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}

func observePublish(topic string, size int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	published.WithLabelValues(topic, result).Inc()
	publishedBytes.WithLabelValues(topic).Add(float64(size))
	publishSeconds.WithLabelValues(topic).Observe(d.Seconds())
}
