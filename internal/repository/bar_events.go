package repository

import (
	"context"
	"errors"
	"fmt"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	pkgkafka "TradeDash/pkg/kafka"
	"TradeDash/pkg/queue"
)

// KafkaBarEventPublisher publishes bar events keyed by symbol so one symbol stays on one partition.
type KafkaBarEventPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaBarEventPublisher(producer *pkgkafka.Producer, topic string) domrepo.BarEventPublisher {
	return &KafkaBarEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaBarEventPublisher) PublishBarsAppended(ctx context.Context, ev models.BarsAppendedEvent) error {
	return p.producer.Publish(ctx, p.topic, []byte(ev.Symbol), ev)
}

// PublishMessage lets the log collector ship digests over the same producer.
func (p *KafkaBarEventPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}

func (p *KafkaBarEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// QueueBarEventPublisher pushes bar events onto the redis job queue.
type QueueBarEventPublisher struct {
	q queue.Publisher
}

func NewQueueBarEventPublisher(q queue.Publisher) domrepo.BarEventPublisher {
	return &QueueBarEventPublisher{q: q}
}

func (p *QueueBarEventPublisher) PublishBarsAppended(ctx context.Context, ev models.BarsAppendedEvent) error {
	return p.q.PublishMessage(ctx, models.EventBarsAppended, ev)
}

func (p *QueueBarEventPublisher) Close() error { return nil }

// BarsAppendedFunc consumes a bar event in-process.
type BarsAppendedFunc func(ctx context.Context, ev models.BarsAppendedEvent) error

// InprocBarEventPublisher hands events straight to a local consumer.
// The target is bound after construction because the consumer depends on stores built alongside it.
type InprocBarEventPublisher struct {
	fn BarsAppendedFunc
}

func NewInprocBarEventPublisher() *InprocBarEventPublisher {
	return &InprocBarEventPublisher{}
}

// Bind sets the consumer. Events published before Bind fail.
func (p *InprocBarEventPublisher) Bind(fn BarsAppendedFunc) { p.fn = fn }

func (p *InprocBarEventPublisher) PublishBarsAppended(ctx context.Context, ev models.BarsAppendedEvent) error {
	if p.fn == nil {
		return errors.New("inproc publisher: no consumer bound")
	}
	if err := p.fn(ctx, ev); err != nil {
		return fmt.Errorf("inproc publish %s/%s: %w", ev.Symbol, ev.Timeframe, err)
	}
	return nil
}

func (p *InprocBarEventPublisher) Close() error { return nil }
