package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	mid "TradeDash/internal/middleware"
	applogger "TradeDash/pkg/logger"
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs.
var ErrCycleInProgress = errors.New("cycle already running")

// HealthGate reports whether the store is reachable.
type HealthGate interface {
	Healthy() bool
}

type alwaysHealthy struct{}

func (alwaysHealthy) Healthy() bool { return true }

type OHLCVFetcherConfig struct {
	Timeframes   []domrepo.Timeframe
	Lookback     map[domrepo.Timeframe]time.Duration
	Concurrency  int
	CycleTimeout time.Duration
	Backoff      BackoffPolicy
}

// CycleReport summarizes one fetch cycle.
type CycleReport struct {
	CycleID   string        `json:"cycle_id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Keys      int           `json:"keys"`
	Succeeded int           `json:"succeeded"`
	Inserted  int           `json:"inserted"`
	Degraded  int           `json:"degraded"`
	Failed    int           `json:"failed"`
	Skipped   bool          `json:"skipped,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
}

// OHLCVFetcher pulls bars for every (symbol, timeframe) of the universe on each cycle.
type OHLCVFetcher struct {
	cfg       OHLCVFetcherConfig
	source    domrepo.MarketDataSource
	bars      domrepo.BarStore
	publisher domrepo.BarEventPublisher
	locker    domrepo.KeyLocker
	pipeline  *mid.BarPipeline
	universe  *Universe
	health    HealthGate
	metrics   domrepo.Metrics
	l         *applogger.Logger
	clock     Clock

	states  *stateTable
	running atomic.Bool
}

type OHLCVOption func(*OHLCVFetcher)

func WithOHLCVClock(c Clock) OHLCVOption { return func(f *OHLCVFetcher) { f.clock = c } }

func WithOHLCVHealth(h HealthGate) OHLCVOption { return func(f *OHLCVFetcher) { f.health = h } }

func WithOHLCVLogger(l *applogger.Logger) OHLCVOption { return func(f *OHLCVFetcher) { f.l = l } }

func NewOHLCVFetcher(
	cfg OHLCVFetcherConfig,
	source domrepo.MarketDataSource,
	bars domrepo.BarStore,
	publisher domrepo.BarEventPublisher,
	locker domrepo.KeyLocker,
	pipeline *mid.BarPipeline,
	universe *Universe,
	metrics domrepo.Metrics,
	opts ...OHLCVOption,
) *OHLCVFetcher {
	f := &OHLCVFetcher{
		cfg:       cfg,
		source:    source,
		bars:      bars,
		publisher: publisher,
		locker:    locker,
		pipeline:  pipeline,
		universe:  universe,
		health:    alwaysHealthy{},
		metrics:   metrics,
		l:         applogger.NewNop(),
		clock:     RealClock(),
		states:    newStateTable(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if len(f.cfg.Timeframes) == 0 {
		f.cfg.Timeframes = []domrepo.Timeframe{domrepo.DefaultTimeframe()}
	}
	return f
}

func seriesKey(symbol string, tf domrepo.Timeframe) string { return symbol + "/" + string(tf) }

// RunCycle fetches every active key once, bounded by the cycle timeout.
func (f *OHLCVFetcher) RunCycle(ctx context.Context) (CycleReport, error) {
	if !f.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer f.running.Store(false)

	rep := CycleReport{CycleID: uuid.NewString(), Started: f.clock.Now()}
	l := f.l.Named("ohlcv").With(applogger.String("cycle_id", rep.CycleID))

	if !f.health.Healthy() {
		rep.Skipped = true
		l.Warn("store unhealthy, skipping fetch cycle")
		f.metrics.RecordFetch("ohlcv", "skipped")
		return rep, nil
	}

	cycleCtx := ctx
	if f.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, f.cfg.CycleTimeout)
		defer cancel()
	}

	symbols := f.universe.Symbols(cycleCtx)
	f.states.retain(toSet(symbols))
	f.states.apply(f.cfg.Backoff.StartCycle)

	keys := make([]string, 0, len(symbols)*len(f.cfg.Timeframes))
	byKey := make(map[string]struct {
		symbol string
		tf     domrepo.Timeframe
	}, cap(keys))
	for _, sym := range symbols {
		for _, tf := range f.cfg.Timeframes {
			k := seriesKey(sym, tf)
			keys = append(keys, k)
			byKey[k] = struct {
				symbol string
				tf     domrepo.Timeframe
			}{sym, tf}
		}
	}
	rep.Keys = len(keys)

	var mu sync.Mutex
	runPool(cycleCtx, f.cfg.Concurrency, keys, l, func(ctx context.Context, key string) {
		k := byKey[key]
		inserted, err := f.fetchKey(ctx, key, k.symbol, k.tf)

		mu.Lock()
		defer mu.Unlock()
		rep.Inserted += inserted
		switch {
		case err == nil:
			rep.Succeeded++
			f.metrics.RecordFetch("ohlcv", "ok")
		case errors.Is(err, errSkipped):
			rep.Failed++
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			f.metrics.RecordFetch("ohlcv", "cancelled")
		default:
			st := f.states.get(key, k.symbol, string(k.tf))
			if st.Phase == PhaseFailed {
				rep.Failed++
			} else {
				rep.Degraded++
			}
			f.metrics.RecordFetch("ohlcv", string(st.Phase))
			f.metrics.RecordError("fetch_" + st.FailureKind)
			l.Warn("fetch failed",
				applogger.String("key", key),
				applogger.String("phase", string(st.Phase)),
				applogger.Error(err),
			)
		}
	})

	rep.TimedOut = errors.Is(cycleCtx.Err(), context.DeadlineExceeded)
	rep.Duration = f.clock.Now().Sub(rep.Started)
	f.metrics.RecordLatency("ohlcv_cycle", rep.Duration.Seconds())
	l.Info("fetch cycle done",
		applogger.Int("keys", rep.Keys),
		applogger.Int("succeeded", rep.Succeeded),
		applogger.Int("inserted", rep.Inserted),
		applogger.Int("degraded", rep.Degraded),
		applogger.Int("failed", rep.Failed),
		applogger.Bool("timed_out", rep.TimedOut),
		applogger.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// fetchKey runs the state machine for one key and returns the number of inserted bars.
func (f *OHLCVFetcher) fetchKey(ctx context.Context, key, symbol string, tf domrepo.Timeframe) (int, error) {
	inserted := 0
	err := retryLoop(ctx, f.clock, f.cfg.Backoff, f.states, key, symbol, string(tf),
		func(ctx context.Context, setPhase func(Phase)) error {
			n, err := f.fetchOnce(ctx, key, symbol, tf, setPhase)
			inserted += n
			return err
		})
	return inserted, err
}

func (f *OHLCVFetcher) fetchOnce(ctx context.Context, key, symbol string, tf domrepo.Timeframe, setPhase func(Phase)) (int, error) {
	since, err := f.since(ctx, symbol, tf)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	raw, err := f.source.FetchBars(ctx, symbol, tf, since)
	f.metrics.RecordLatency("fetch_bars", time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	// results that arrive after the cycle deadline are discarded
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	norm := f.pipeline.Normalize(tf, raw)
	if len(norm.Bars) == 0 {
		return 0, nil
	}

	setPhase(PhaseUpserting)
	unlock, err := f.locker.Lock(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	res, err := f.bars.UpsertBars(ctx, symbol, tf, norm.Bars)
	if errors.Is(err, models.ErrOutOfOrder) {
		// the store's cutoff moved past the batch since it was normalized
		f.metrics.RecordError("out_of_order")
		f.l.Warn("batch behind retention cutoff ignored", applogger.String("key", key), applogger.Error(err))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", key, err)
	}
	f.metrics.RecordBarsStored(symbol, string(tf), res.Inserted, res.Duplicates)
	last := norm.Bars[len(norm.Bars)-1]
	f.metrics.RecordLastPrice(symbol, last.Close)

	if res.Inserted > 0 && f.publisher != nil {
		ev := models.BarsAppendedEvent{
			Symbol:    symbol,
			Timeframe: string(tf),
			From:      norm.Bars[0].Timestamp,
			To:        last.Timestamp,
			Count:     res.Inserted,
			At:        f.clock.Now().UTC(),
		}
		// the processor re-reads the store, so a lost event is repaired by the next trigger
		if err := f.publisher.PublishBarsAppended(ctx, ev); err != nil {
			f.metrics.RecordError("publish_bars_appended")
			f.l.Warn("publish bars appended failed", applogger.String("key", key), applogger.Error(err))
		}
	}
	return res.Inserted, nil
}

func (f *OHLCVFetcher) since(ctx context.Context, symbol string, tf domrepo.Timeframe) (time.Time, error) {
	ts, ok, err := f.bars.LatestTimestamp(ctx, symbol, tf)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest timestamp: %w", err)
	}
	if ok {
		return ts, nil
	}
	lookback := f.cfg.Lookback[tf]
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return f.clock.Now().Add(-lookback).UTC(), nil
}

// ActiveSymbols returns the universe minus permanently failed symbols.
func (f *OHLCVFetcher) ActiveSymbols(ctx context.Context) []string {
	failed := f.states.failedSymbols()
	all := f.universe.Symbols(ctx)
	out := all[:0]
	for _, s := range all {
		if !failed[s] {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets every state record, so failed and degraded keys are retried.
func (f *OHLCVFetcher) Reset() {
	f.states.retain(nil)
}

// States returns the current state records sorted by key.
func (f *OHLCVFetcher) States() []SymbolState { return f.states.snapshot() }

// Timeframes returns the fetched timeframes.
func (f *OHLCVFetcher) Timeframes() []domrepo.Timeframe {
	return append([]domrepo.Timeframe(nil), f.cfg.Timeframes...)
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}
