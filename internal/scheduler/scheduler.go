package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	applogger "TradeDash/pkg/logger"
)

// Task is one scheduled unit of work. A returned error is logged, never fatal.
type Task func(ctx context.Context) error

// Scheduler runs the pipeline workers on cron specs.
type Scheduler struct {
	cron *cron.Cron
	l    *applogger.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]cron.EntryID
	onStart []string
	tasks   map[string]Task
}

// New creates a scheduler. Specs accept an optional seconds field and descriptors like "@every 60s".
// Overlapping runs of the same job are skipped and panics are recovered.
func New(l *applogger.Logger) *Scheduler {
	if l == nil {
		l = applogger.NewNop()
	}
	l = l.Named("scheduler")
	cl := cronLogger{l: l}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		l:     l,
		ctx:   context.Background(),
		jobs:  make(map[string]cron.EntryID),
		tasks: make(map[string]Task),
	}
}

// Add registers a named task. With runOnStart the task also fires once when Start is called.
func (s *Scheduler) Add(name, spec string, task Task, runOnStart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = id
	s.tasks[name] = task
	if runOnStart {
		s.onStart = append(s.onStart, name)
	}
	s.l.Info("job registered", applogger.String("job", name), applogger.String("spec", spec))
	return nil
}

// Start begins ticking. Tasks receive a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	initial := make([]string, len(s.onStart))
	copy(initial, s.onStart)
	s.mu.Unlock()

	s.cron.Start()
	for _, name := range initial {
		s.Trigger(name)
	}
	s.l.Info("scheduler started", applogger.Int("jobs", len(s.jobs)))
}

// Trigger runs a registered task now, outside its schedule, without blocking.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	go s.run(name, task)
	return true
}

// Stop cancels running tasks and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.l.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next returns the next activation time of a job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) run(name string, task Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.l.Error("job panicked", applogger.String("job", name), applogger.Any("panic", r))
		}
	}()
	if err := task(ctx); err != nil {
		s.l.Warn("job failed",
			applogger.String("job", name),
			applogger.Duration("took", time.Since(start)),
			applogger.Error(err),
		)
		return
	}
	s.l.Debug("job finished", applogger.String("job", name), applogger.Duration("took", time.Since(start)))
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct {
	l *applogger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(kv(keysAndValues), applogger.Error(err))...)
}

func kv(keysAndValues []interface{}) []applogger.Field {
	fields := make([]applogger.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields = append(fields, applogger.Any(key, keysAndValues[i+1]))
	}
	return fields
}
