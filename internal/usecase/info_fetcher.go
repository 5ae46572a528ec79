package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
)

type InfoFetcherConfig struct {
	Concurrency  int
	CycleTimeout time.Duration
	Backoff      BackoffPolicy
}

// InfoFetcher refreshes InstrumentInfo for the universe on a coarse schedule,
// independently of bar ingestion.
type InfoFetcher struct {
	cfg      InfoFetcherConfig
	source   domrepo.MarketDataSource
	infos    domrepo.InfoStore
	universe *Universe
	health   HealthGate
	metrics  domrepo.Metrics
	l        *applogger.Logger
	clock    Clock

	states  *stateTable
	running atomic.Bool
}

type InfoOption func(*InfoFetcher)

func WithInfoClock(c Clock) InfoOption { return func(f *InfoFetcher) { f.clock = c } }

func WithInfoHealth(h HealthGate) InfoOption { return func(f *InfoFetcher) { f.health = h } }

func WithInfoLogger(l *applogger.Logger) InfoOption { return func(f *InfoFetcher) { f.l = l } }

func NewInfoFetcher(cfg InfoFetcherConfig, source domrepo.MarketDataSource, infos domrepo.InfoStore,
	universe *Universe, metrics domrepo.Metrics, opts ...InfoOption) *InfoFetcher {
	f := &InfoFetcher{
		cfg:      cfg,
		source:   source,
		infos:    infos,
		universe: universe,
		health:   alwaysHealthy{},
		metrics:  metrics,
		l:        applogger.NewNop(),
		clock:    RealClock(),
		states:   newStateTable(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RunCycle refreshes every non-failed symbol once.
func (f *InfoFetcher) RunCycle(ctx context.Context) (CycleReport, error) {
	if !f.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer f.running.Store(false)

	rep := CycleReport{CycleID: uuid.NewString(), Started: f.clock.Now()}
	l := f.l.Named("info").With(applogger.String("cycle_id", rep.CycleID))

	if !f.health.Healthy() {
		rep.Skipped = true
		l.Warn("store unhealthy, skipping info cycle")
		f.metrics.RecordFetch("info", "skipped")
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
	rep.Keys = len(symbols)

	var mu sync.Mutex
	runPool(cycleCtx, f.cfg.Concurrency, symbols, l, func(ctx context.Context, symbol string) {
		err := retryLoop(ctx, f.clock, f.cfg.Backoff, f.states, symbol, symbol, "",
			func(ctx context.Context, setPhase func(Phase)) error {
				return f.refresh(ctx, symbol, setPhase)
			})

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			rep.Succeeded++
			f.metrics.RecordFetch("info", "ok")
		case errors.Is(err, errSkipped):
			rep.Failed++
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			f.metrics.RecordFetch("info", "cancelled")
		default:
			st := f.states.get(symbol, symbol, "")
			if st.Phase == PhaseFailed {
				rep.Failed++
			} else {
				rep.Degraded++
			}
			f.metrics.RecordFetch("info", string(st.Phase))
			f.metrics.RecordError("info_" + st.FailureKind)
			l.Warn("info refresh failed", applogger.String("symbol", symbol), applogger.Error(err))
		}
	})

	rep.TimedOut = errors.Is(cycleCtx.Err(), context.DeadlineExceeded)
	rep.Duration = f.clock.Now().Sub(rep.Started)
	f.metrics.RecordLatency("info_cycle", rep.Duration.Seconds())
	l.Info("info cycle done",
		applogger.Int("symbols", rep.Keys),
		applogger.Int("succeeded", rep.Succeeded),
		applogger.Int("degraded", rep.Degraded),
		applogger.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (f *InfoFetcher) refresh(ctx context.Context, symbol string, setPhase func(Phase)) error {
	info, err := f.source.FetchInfo(ctx, symbol)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	setPhase(PhaseUpserting)
	info.Symbol = symbol
	info.Source = f.source.Name()
	info.UpdatedAt = f.clock.Now().UTC()
	info.FillDerived()
	if err := f.infos.PutInfo(ctx, *info); err != nil {
		return fmt.Errorf("put info %s: %w", symbol, err)
	}
	return nil
}

// Reset forgets every state record.
func (f *InfoFetcher) Reset() { f.states.retain(nil) }

// States returns the current state records sorted by symbol.
func (f *InfoFetcher) States() []SymbolState { return f.states.snapshot() }
