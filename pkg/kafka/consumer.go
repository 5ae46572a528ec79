package kafka

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	applogger "TradeDash/pkg/logger"
)

// MessageHandler handles the payloads of one topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, payload []byte) error
}

// Consumer reads one topic in a consumer group. Messages are dispatched to
// workers by partition, so a partition is handled strictly in order and its
// offsets are committed in order.
type Consumer struct {
	cfg     ConsumerConfig
	handler MessageHandler
	reader  *kafka.Reader
	dlq     *kafka.Writer
	shards  []chan kafka.Message
	l       *applogger.Logger

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewConsumer(handler MessageHandler, l *applogger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := ConsumerConfig{
		GroupID:    "tradedash",
		Workers:    1,
		BufferSize: 64,
		RetryMax:   3,
		BackoffMin: 100 * time.Millisecond,
		BackoffMax: 5 * time.Second,
		MinBytes:   1,
		MaxBytes:   10 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: brokers are required")
	}
	if handler == nil || handler.Topic() == "" {
		return nil, fmt.Errorf("kafka consumer: handler with a topic is required")
	}
	if l == nil {
		l = applogger.NewNop()
	}

	registerMetrics()
	c := &Consumer{
		cfg:     cfg,
		handler: handler,
		l:       l.Named("kafka").With(applogger.String("topic", handler.Topic()), applogger.String("group", cfg.GroupID)),
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    handler.Topic(),
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		}),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}}
	}
	return c, nil
}

// Start launches the fetch loop and the workers. They run until Stop or ctx ends.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.shards = make([]chan kafka.Message, c.cfg.Workers)
	for i := range c.shards {
		c.shards[i] = make(chan kafka.Message, c.cfg.BufferSize)
		c.wg.Add(1)
		go c.worker(ctx, c.shards[i])
	}
	c.wg.Add(1)
	go c.fetch(ctx)
	c.l.Info("kafka consumer started", applogger.Int("workers", c.cfg.Workers))
}

// Stop cancels fetching, waits for in-flight handlers and closes the reader.
// Uncommitted messages are redelivered to the group.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer stop: %w", ctx.Err())
		}
		if cerr := c.reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
		c.l.Info("kafka consumer stopped")
	})
	return err
}

func (c *Consumer) fetch(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		for _, ch := range c.shards {
			close(ch)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.l.Warn("kafka fetch failed", applogger.Error(err))
			if sleepCtx(ctx, time.Second) != nil {
				return
			}
			continue
		}
		select {
		case c.shards[shardFor(msg.Partition, len(c.shards))] <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, in <-chan kafka.Message) {
	defer c.wg.Done()
	for msg := range in {
		if ctx.Err() != nil {
			continue
		}
		outcome := c.handle(ctx, msg)
		consumed.WithLabelValues(msg.Topic, outcome).Inc()
		if outcome == "dropped" {
			continue
		}
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.reader.CommitMessages(cctx, msg); err != nil {
			c.l.Warn("kafka commit failed", applogger.Int64("offset", msg.Offset), applogger.Error(err))
		}
		cancel()
	}
}

// handle runs the handler with retries. The outcome is ok, retried, dlq or dropped;
// only dropped messages stay uncommitted.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) string {
	start := time.Now()
	defer func() { handleSeconds.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if sleepCtx(ctx, backoff(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) != nil {
				return "dropped"
			}
		}
		if err = c.safeHandle(ctx, msg.Value); err == nil {
			if attempt > 0 {
				return "retried"
			}
			return "ok"
		}
		if ctx.Err() != nil {
			return "dropped"
		}
		c.l.Debug("kafka handler failed", applogger.Int("attempt", attempt+1), applogger.Error(err))
	}

	c.l.Error("kafka message exhausted retries",
		applogger.String("key", string(msg.Key)),
		applogger.Int64("offset", msg.Offset),
		applogger.Error(err))
	if c.dlq == nil {
		// committed anyway so one poison message cannot stall the partition
		return "dlq"
	}
	werr := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(msg.Topic)},
			{Key: "error", Value: []byte(err.Error())},
		},
	})
	if werr != nil {
		c.l.Error("kafka dlq write failed", applogger.Error(werr))
		return "dropped"
	}
	return "dlq"
}

func (c *Consumer) safeHandle(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, payload)
}

func shardFor(partition, n int) int {
	if n <= 1 || partition < 0 {
		return 0
	}
	return partition % n
}

// backoff doubles from min per attempt, capped at max, minus up to half as jitter.
func backoff(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if half := int64(d / 2); half > 0 {
		d -= time.Duration(rand.Int63n(half))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
