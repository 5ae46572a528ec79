package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/domain/service"
	"TradeDash/internal/services/indicators"
	applogger "TradeDash/pkg/logger"
)

type TAProcessorConfig struct {
	Workers     int
	MaxBackfill int
	Debounce    time.Duration
}

// PendingIndicator is an indicator that could not be computed yet for lack of history.
type PendingIndicator struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Indicator string    `json:"indicator"`
	Timestamp time.Time `json:"timestamp"`
}

// TAProcessor turns bars-appended triggers into indicator snapshots.
// Triggers for one key are coalesced: a key is queued at most once, and a key
// triggered while it is processed runs exactly once more afterwards.
type TAProcessor struct {
	cfg         TAProcessorConfig
	bars        domrepo.BarStore
	snaps       domrepo.IndicatorStore
	inds        []service.Indicator
	maxLookback int
	notifier    domrepo.Notifier
	health      HealthGate
	metrics     domrepo.Metrics
	l           *applogger.Logger

	mu      sync.Mutex
	queue   []string
	queued  map[string]bool
	running map[string]bool
	dirty   map[string]bool
	known   map[string]bool
	pending map[string]PendingIndicator // key/indicator -> oldest uncomputed ts
	signal  chan struct{}

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

type TAOption func(*TAProcessor)

func WithTANotifier(n domrepo.Notifier) TAOption { return func(p *TAProcessor) { p.notifier = n } }

func WithTAHealth(h HealthGate) TAOption { return func(p *TAProcessor) { p.health = h } }

func WithTALogger(l *applogger.Logger) TAOption { return func(p *TAProcessor) { p.l = l } }

func NewTAProcessor(cfg TAProcessorConfig, bars domrepo.BarStore, snaps domrepo.IndicatorStore,
	inds []service.Indicator, metrics domrepo.Metrics, opts ...TAOption) *TAProcessor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxBackfill <= 0 {
		cfg.MaxBackfill = 500
	}
	p := &TAProcessor{
		cfg:         cfg,
		bars:        bars,
		snaps:       snaps,
		inds:        inds,
		maxLookback: indicators.MaxLookback(inds),
		health:      alwaysHealthy{},
		metrics:     metrics,
		l:           applogger.NewNop(),
		queued:      make(map[string]bool),
		running:     make(map[string]bool),
		dirty:       make(map[string]bool),
		known:       make(map[string]bool),
		pending:     make(map[string]PendingIndicator),
		signal:      make(chan struct{}, cfg.Workers),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnBarsAppended enqueues the event's key and relays the event to live clients.
// It never blocks on computation.
func (p *TAProcessor) OnBarsAppended(_ context.Context, ev models.BarsAppendedEvent) error {
	tf, err := domrepo.ParseTimeframe(ev.Timeframe)
	if err != nil {
		return fmt.Errorf("bars appended: %w", err)
	}
	if ev.Symbol == "" {
		return fmt.Errorf("bars appended: empty symbol")
	}
	p.Enqueue(ev.Symbol, tf)
	if p.notifier != nil {
		p.notifier.Notify(models.EventBarsAppended, ev)
	}
	return nil
}

// Enqueue schedules a key for processing.
func (p *TAProcessor) Enqueue(symbol string, tf domrepo.Timeframe) {
	key := seriesKey(symbol, tf)
	p.mu.Lock()
	p.known[key] = true
	switch {
	case p.running[key]:
		p.dirty[key] = true
	case p.queued[key]:
	default:
		p.queued[key] = true
		p.queue = append(p.queue, key)
	}
	p.mu.Unlock()
	p.wake()
}

// EnqueueKnown re-schedules every key seen so far, e.g. after the store recovers.
func (p *TAProcessor) EnqueueKnown() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.known))
	for k := range p.known {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		sym, tf := splitKey(k)
		p.Enqueue(sym, tf)
	}
}

func (p *TAProcessor) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *TAProcessor) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	key := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.queued, key)
	p.running[key] = true
	return key, true
}

func (p *TAProcessor) finish(key string) {
	p.mu.Lock()
	delete(p.running, key)
	requeue := p.dirty[key]
	if requeue {
		delete(p.dirty, key)
		p.queued[key] = true
		p.queue = append(p.queue, key)
	}
	p.mu.Unlock()
	if requeue {
		p.wake()
	}
}

// Idle reports whether nothing is queued or running.
func (p *TAProcessor) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0 && len(p.running) == 0
}

// Start launches the worker goroutines.
func (p *TAProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.l.Info("ta processor started",
		applogger.Int("workers", p.cfg.Workers),
		applogger.Int("indicators", len(p.inds)),
		applogger.Int("max_lookback", p.maxLookback),
	)
}

// Stop signals workers and waits for in-flight keys to finish or ctx to expire.
func (p *TAProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ta processor stop: %w", ctx.Err())
	}
}

func (p *TAProcessor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-p.signal:
		}

		// let a burst of triggers for the same key collapse into one pass
		if p.cfg.Debounce > 0 {
			t := time.NewTimer(p.cfg.Debounce)
			select {
			case <-p.stop:
				t.Stop()
				return
			case <-t.C:
			}
		}

		for {
			key, ok := p.next()
			if !ok {
				break
			}
			p.runKey(ctx, id, key)
		}
	}
}

func (p *TAProcessor) runKey(ctx context.Context, worker int, key string) {
	defer p.finish(key)
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordError("ta_panic")
			p.l.Error("ta processor panic", applogger.String("key", key), applogger.Any("panic", r))
		}
	}()

	sym, tf := splitKey(key)
	if _, err := p.Process(ctx, sym, tf); err != nil && !models.IsCancellation(err) {
		p.l.Warn("ta processing failed",
			applogger.Int("worker", worker),
			applogger.String("key", key),
			applogger.Error(err),
		)
	}
}

// Process brings the snapshots of one key in line with the authoritative store tail.
// It returns the number of snapshots written.
func (p *TAProcessor) Process(ctx context.Context, symbol string, tf domrepo.Timeframe) (int, error) {
	if !p.health.Healthy() {
		p.metrics.RecordError("ta_store_unavailable")
		return 0, models.ErrStoreUnavailable
	}
	start := time.Now()

	window, err := p.bars.QueryLatest(ctx, symbol, tf, p.cfg.MaxBackfill+p.maxLookback)
	if err != nil {
		p.metrics.RecordError("ta_read")
		return 0, fmt.Errorf("read bars %s/%s: %w", symbol, tf, err)
	}
	if len(window) == 0 {
		return 0, nil
	}

	written := 0
	var firstErr error
	for _, ind := range p.inds {
		n, err := p.processIndicator(ctx, symbol, tf, ind, window)
		written += n
		if err != nil {
			// one indicator failing never blocks the others
			p.metrics.RecordError("ta_indicator")
			p.l.Warn("indicator failed",
				applogger.String("symbol", symbol),
				applogger.String("tf", string(tf)),
				applogger.String("indicator", ind.Name()),
				applogger.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	p.metrics.RecordLatency("ta_process", time.Since(start).Seconds())
	if written > 0 && p.notifier != nil {
		p.notifier.Notify(models.EventIndicatorsUpdated, models.IndicatorsUpdatedEvent{
			Symbol:    symbol,
			Timeframe: string(tf),
			Written:   written,
			Latest:    window[len(window)-1].Timestamp,
		})
	}
	return written, firstErr
}

// processIndicator recomputes every snapshot inside the backfill range and writes
// the ones that are missing or differ from the stored value. Bars that arrive
// behind the latest snapshot therefore rewrite every snapshot whose window they fall in.
func (p *TAProcessor) processIndicator(ctx context.Context, symbol string, tf domrepo.Timeframe,
	ind service.Indicator, window []models.Bar) (int, error) {

	from := len(window) - p.cfg.MaxBackfill
	if from < 0 {
		from = 0
	}
	stored, err := p.snaps.QuerySnapshots(ctx, symbol, tf, ind.Name(), len(window)-from)
	if err != nil {
		return 0, fmt.Errorf("stored snapshots: %w", err)
	}
	have := make(map[int64]models.IndicatorSnapshot, len(stored))
	for _, s := range stored {
		have[s.Timestamp.UnixNano()] = s
	}

	var (
		snaps        []models.IndicatorSnapshot
		insufficient bool
	)
	for i := from; i < len(window); i++ {
		ts := window[i].Timestamp
		value, comps, err := ind.Compute(window[:i+1])
		if errors.Is(err, models.ErrInsufficientHistory) {
			if i == len(window)-1 {
				insufficient = true
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("compute at %s: %w", ts.Format(time.RFC3339), err)
		}
		if old, ok := have[ts.UnixNano()]; ok && sameSnapshot(old, value, comps) {
			continue
		}
		snaps = append(snaps, models.IndicatorSnapshot{
			Symbol:     symbol,
			Timeframe:  string(tf),
			Indicator:  ind.Name(),
			Timestamp:  ts,
			Value:      value,
			Components: comps,
		})
	}

	pkey := seriesKey(symbol, tf) + "/" + ind.Name()
	if len(snaps) > 0 {
		if err := p.snaps.UpsertSnapshots(ctx, snaps); err != nil {
			return 0, fmt.Errorf("upsert snapshots: %w", err)
		}
	}

	p.mu.Lock()
	if insufficient && len(snaps) == 0 {
		if _, ok := p.pending[pkey]; !ok {
			p.pending[pkey] = PendingIndicator{
				Symbol: symbol, Timeframe: string(tf), Indicator: ind.Name(),
				Timestamp: window[len(window)-1].Timestamp,
			}
		}
	} else {
		delete(p.pending, pkey)
	}
	npending := 0
	for _, pi := range p.pending {
		if pi.Indicator == ind.Name() {
			npending++
		}
	}
	p.mu.Unlock()

	p.metrics.RecordSnapshots(ind.Name(), len(snaps), npending)
	return len(snaps), nil
}

func sameSnapshot(s models.IndicatorSnapshot, value float64, comps map[string]float64) bool {
	if !sameFloat(s.Value, value) || len(s.Components) != len(comps) {
		return false
	}
	for k, v := range comps {
		if got, ok := s.Components[k]; !ok || !sameFloat(got, v) {
			return false
		}
	}
	return true
}

func sameFloat(a, b float64) bool { return a == b || (a != a && b != b) }

// Pending lists indicators waiting for more history, sorted by key.
func (p *TAProcessor) Pending() []PendingIndicator {
	p.mu.Lock()
	out := make([]PendingIndicator, 0, len(p.pending))
	for _, pi := range p.pending {
		out = append(out, pi)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		return a.Indicator < b.Indicator
	})
	return out
}

// Indicators returns the configured indicator names.
func (p *TAProcessor) Indicators() []string {
	out := make([]string, len(p.inds))
	for i, ind := range p.inds {
		out[i] = ind.Name()
	}
	return out
}

func splitKey(key string) (string, domrepo.Timeframe) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return key, domrepo.DefaultTimeframe()
	}
	return key[:i], domrepo.Timeframe(key[i+1:])
}
