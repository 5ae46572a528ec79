package usecase

import (
	"context"
	"encoding/json"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	pkgkafka "TradeDash/pkg/kafka"
	"TradeDash/pkg/queue"
)

// BarsAppendedSink receives decoded bars-appended events. TAProcessor is the production sink.
type BarsAppendedSink interface {
	OnBarsAppended(ctx context.Context, ev models.BarsAppendedEvent) error
}

// BarsEventHandler feeds bars-appended events from the Kafka topic or the
// Redis queue into the TA processor.
type BarsEventHandler struct {
	topic   string
	sink    BarsAppendedSink
	metrics domrepo.Metrics
}

func NewBarsEventHandler(topic string, sink BarsAppendedSink, metrics domrepo.Metrics) *BarsEventHandler {
	return &BarsEventHandler{topic: topic, sink: sink, metrics: metrics}
}

// Topic implements pkgkafka.MessageHandler.
func (h *BarsEventHandler) Topic() string { return h.topic }

// Handle implements pkgkafka.MessageHandler.
func (h *BarsEventHandler) Handle(ctx context.Context, b []byte) error {
	var ev models.BarsAppendedEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	return h.deliver(ctx, ev)
}

// Name implements queue.Job.
func (h *BarsEventHandler) Name() string { return "ta_bars_appended" }

// Type implements queue.Job.
func (h *BarsEventHandler) Type() string { return models.EventBarsAppended }

// HandleJob is the queue.Job entry point; payloads arrive as decoded JSON maps.
func (h *BarsEventHandler) HandleJob(ctx context.Context, payload interface{}) error {
	ev, err := queue.ParsePayload[models.BarsAppendedEvent](payload)
	if err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	return h.deliver(ctx, *ev)
}

func (h *BarsEventHandler) deliver(ctx context.Context, ev models.BarsAppendedEvent) error {
	if !ev.At.IsZero() {
		h.metrics.RecordLatency("bars_event_lag", time.Since(ev.At).Seconds())
	}
	if err := h.sink.OnBarsAppended(ctx, ev); err != nil {
		h.metrics.RecordError("consumer_dispatch")
		return err
	}
	return nil
}

// QueueJob adapts the handler to queue.Job, whose Handle signature differs from Kafka's.
func (h *BarsEventHandler) QueueJob() queue.Job { return barsQueueJob{h} }

type barsQueueJob struct{ h *BarsEventHandler }

func (j barsQueueJob) Name() string { return j.h.Name() }
func (j barsQueueJob) Type() string { return j.h.Type() }
func (j barsQueueJob) Handle(ctx context.Context, payload interface{}) error {
	return j.h.HandleJob(ctx, payload)
}

var (
	_ pkgkafka.MessageHandler = (*BarsEventHandler)(nil)
	_ BarsAppendedSink        = (*TAProcessor)(nil)
)
