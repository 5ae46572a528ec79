package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	applogger "TradeDash/pkg/logger"
)

// RedisQueue is a list-backed work queue. Failed messages wait in a sorted set
// until their retry time and land in a dead-letter list after RetryLimit attempts.
// Without registered jobs it only publishes.
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	prefix string
	l      *applogger.Logger
	now    func() time.Time

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*RedisQueue)

// WithPrefix namespaces the queue keys.
func WithPrefix(prefix string) Option {
	return func(q *RedisQueue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(q *RedisQueue) {
		if cfg.Workers > 0 {
			q.cfg.Workers = cfg.Workers
		}
		if cfg.RetryLimit >= 0 {
			q.cfg.RetryLimit = cfg.RetryLimit
		}
		if cfg.RetryDelay > 0 {
			q.cfg.RetryDelay = cfg.RetryDelay
		}
		if cfg.PollTimeout > 0 {
			q.cfg.PollTimeout = cfg.PollTimeout
		}
	}
}

func NewRedisQueue(client *redis.Client, l *applogger.Logger, opts ...Option) *RedisQueue {
	if l == nil {
		l = applogger.NewNop()
	}
	q := &RedisQueue{
		client: client,
		cfg:    Config{Workers: 1, RetryLimit: 3, RetryDelay: 5 * time.Second, PollTimeout: time.Second},
		prefix: "tradedash:queue",
		l:      l.Named("queue"),
		now:    time.Now,
		jobs:   make(map[string]Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register adds jobs. Registering a type twice is an error.
func (q *RedisQueue) Register(jobs ...Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range jobs {
		if _, dup := q.jobs[j.Type()]; dup {
			return fmt.Errorf("queue: job for %q already registered", j.Type())
		}
		q.jobs[j.Type()] = j
		q.l.Info("queue job registered", applogger.String("job", j.Name()), applogger.String("type", j.Type()))
	}
	return nil
}

func (q *RedisQueue) key(suffix string) string { return q.prefix + ":" + suffix }

// Start checks connectivity and, when jobs are registered, launches workers
// and the retry promoter.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("queue: already running")
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := q.client.Ping(pctx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("queue: redis ping: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	q.cancel = stop
	q.running = true
	if len(q.jobs) == 0 {
		q.l.Info("redis queue publishing", applogger.String("key", q.key("messages")))
		return nil
	}
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx, i)
	}
	q.wg.Add(1)
	go q.promoter(runCtx)
	q.l.Info("redis queue consuming", applogger.Int("workers", q.cfg.Workers), applogger.String("key", q.key("messages")))
	return nil
}

func (q *RedisQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: stop: %w", ctx.Err())
	}
}

// PublishMessage implements Publisher.
func (q *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", msgType, err)
	}
	env := Envelope{ID: uuid.NewString(), Type: msgType, Payload: raw, EnqueuedAt: q.now().UTC()}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.key("messages"), b).Err(); err != nil {
		return fmt.Errorf("queue: lpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, q.cfg.PollTimeout, q.key("messages")).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.l.Warn("queue pop failed", applogger.Int("worker", id), applogger.Error(err))
			_ = sleepCtx(ctx, time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			q.l.Error("queue message undecodable, dropped", applogger.Error(err))
			continue
		}
		q.dispatch(ctx, env)
	}
}

func (q *RedisQueue) dispatch(ctx context.Context, env Envelope) {
	q.mu.RLock()
	job, ok := q.jobs[env.Type]
	q.mu.RUnlock()
	if !ok {
		q.l.Error("queue message without job", applogger.String("type", env.Type), applogger.String("id", env.ID))
		q.deadLetter(env, "no job registered")
		return
	}
	err := job.Handle(ctx, env.Payload)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// shutting down: hand the message back untouched
		q.requeue(env)
		return
	}
	env.Attempts++
	env.LastError = err.Error()
	if env.Attempts > q.cfg.RetryLimit {
		q.l.Error("queue message exhausted retries",
			applogger.String("job", job.Name()), applogger.String("id", env.ID), applogger.Error(err))
		q.deadLetter(env, err.Error())
		return
	}
	at := q.now().Add(time.Duration(env.Attempts) * q.cfg.RetryDelay)
	q.l.Warn("queue message failed, retrying",
		applogger.String("job", job.Name()), applogger.String("id", env.ID),
		applogger.Int("attempt", env.Attempts), applogger.Time("retry_at", at), applogger.Error(err))
	q.scheduleRetry(env, at)
}

func (q *RedisQueue) scheduleRetry(env Envelope, at time.Time) {
	b, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.ZAdd(ctx, q.key("retry"), redis.Z{Score: float64(at.Unix()), Member: b}).Err(); err != nil {
		q.l.Error("queue retry schedule failed", applogger.String("id", env.ID), applogger.Error(err))
	}
}

func (q *RedisQueue) requeue(env Envelope) {
	b, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.RPush(ctx, q.key("messages"), b).Err(); err != nil {
		q.l.Error("queue requeue failed", applogger.String("id", env.ID), applogger.Error(err))
	}
}

func (q *RedisQueue) deadLetter(env Envelope, reason string) {
	env.LastError = reason
	b, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.LPush(ctx, q.key("dlq"), b).Err(); err != nil {
		q.l.Error("queue dead-letter failed", applogger.String("id", env.ID), applogger.Error(err))
	}
}

// promoter moves due retries back onto the message list. ZREM decides which
// instance wins a message, so a retry is promoted once.
func (q *RedisQueue) promoter(ctx context.Context) {
	defer q.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) {
	due, err := q.client.ZRangeByScore(ctx, q.key("retry"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().Unix(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.l.Warn("queue retry scan failed", applogger.Error(err))
		}
		return
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.key("retry"), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key("messages"), member).Err(); err != nil {
			q.l.Error("queue retry promote failed", applogger.Error(err))
		}
	}
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
