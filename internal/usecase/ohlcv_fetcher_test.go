package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	mid "TradeDash/internal/middleware"
	"TradeDash/internal/repository"
	"TradeDash/pkg/metrics"
)

type fetcherHarness struct {
	clock     *fakeClock
	source    *fakeSource
	store     *repository.MemoryBarStore
	watchlist *repository.MemoryWatchlistStore
	gate      *flagGate
	fetcher   *OHLCVFetcher

	mu     sync.Mutex
	events []models.BarsAppendedEvent
}

func newFetcherHarness(t *testing.T, symbols ...string) *fetcherHarness {
	t.Helper()
	h := &fetcherHarness{
		clock:     newFakeClock(),
		source:    newFakeSource(),
		watchlist: repository.NewMemoryWatchlistStore(),
		gate:      &flagGate{healthy: true},
	}
	h.store = repository.NewMemoryBarStore(repository.WithMemoryClock(h.clock.Now))

	pub := repository.NewInprocBarEventPublisher()
	pub.Bind(func(_ context.Context, ev models.BarsAppendedEvent) error {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		return nil
	})

	h.fetcher = NewOHLCVFetcher(
		OHLCVFetcherConfig{
			Timeframes:   []domrepo.Timeframe{domrepo.TF1m},
			Lookback:     map[domrepo.Timeframe]time.Duration{domrepo.TF1m: time.Hour},
			Concurrency:  2,
			CycleTimeout: time.Minute,
			Backoff:      testPolicy,
		},
		h.source,
		h.store,
		pub,
		repository.NewLocalLocker(),
		mid.NewBarPipeline(metrics.Nop{}, mid.WithClock(h.clock.Now)),
		NewUniverse(symbols, h.watchlist, nil),
		metrics.Nop{},
		WithOHLCVClock(h.clock),
		WithOHLCVHealth(h.gate),
	)
	return h
}

func (h *fetcherHarness) Events() []models.BarsAppendedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.BarsAppendedEvent(nil), h.events...)
}

func (h *fetcherHarness) state(t *testing.T, key string) SymbolState {
	t.Helper()
	for _, s := range h.fetcher.States() {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("no state for %s", key)
	return SymbolState{}
}

func TestOHLCVFetcher_StoresClosedBarsAndPublishes(t *testing.T) {
	ctx := context.Background()
	h := newFetcherHarness(t, "ACME")
	// 14:56..15:00; the 15:00 bar is still forming at t0
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-4*time.Minute), 10, 11, 12, 13, 14)

	rep, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Keys)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 4, rep.Inserted)
	assert.NotEmpty(t, rep.CycleID)

	bars, err := h.store.QueryLatest(ctx, "ACME", domrepo.TF1m, 10)
	require.NoError(t, err)
	require.Len(t, bars, 4)
	assert.Equal(t, 13.0, bars[3].Close)

	events := h.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "ACME", events[0].Symbol)
	assert.Equal(t, 4, events[0].Count)

	st := h.state(t, "ACME/1m")
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, t0, st.LastSuccess)
	// first fetch reaches back one lookback window
	assert.Equal(t, []time.Time{t0.Add(-time.Hour)}, h.source.sinces["ACME"])
}

func TestOHLCVFetcher_SecondCycleResumesFromLatest(t *testing.T) {
	ctx := context.Background()
	h := newFetcherHarness(t, "ACME")
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-4*time.Minute), 10, 11, 12, 13, 14)

	_, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	rep, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	// only the bar that closed in the meantime is new
	assert.Equal(t, 1, rep.Inserted)
	assert.Equal(t, t0.Add(-time.Minute), h.source.sinces["ACME"][1])
	assert.Len(t, h.Events(), 2)
}

func TestOHLCVFetcher_RetriesTransientThenSucceeds(t *testing.T) {
	h := newFetcherHarness(t, "ACME")
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-3*time.Minute), 10, 11)
	h.source.failNext("ACME",
		models.NewTransientError("fake", "ACME", nil),
		models.NewRateLimitedError("fake", "ACME", 4*time.Second, nil),
	)

	rep, err := h.fetcher.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 3, h.source.Calls("ACME"))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 4 * time.Second}, h.clock.Sleeps())
}

func TestOHLCVFetcher_DegradesAfterMaxRetries(t *testing.T) {
	h := newFetcherHarness(t, "ACME", "BETA")
	h.source.bars["BETA/1m"] = minuteBars(t0.Add(-3*time.Minute), 10, 11)
	for i := 0; i < 4; i++ {
		h.source.failNext("ACME", models.NewTransientError("fake", "ACME", nil))
	}

	rep, err := h.fetcher.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Degraded)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 4, h.source.Calls("ACME"))
	assert.Equal(t, PhaseDegraded, h.state(t, "ACME/1m").Phase)

	// degraded symbols stay in the universe and are retried next cycle
	assert.Equal(t, []string{"ACME", "BETA"}, h.fetcher.ActiveSymbols(context.Background()))
	_, err = h.fetcher.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, h.state(t, "ACME/1m").Phase)
}

func TestOHLCVFetcher_NotFoundFailsUntilReset(t *testing.T) {
	ctx := context.Background()
	h := newFetcherHarness(t, "ACME", "NOPE")
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-3*time.Minute), 10, 11)
	h.source.failNext("NOPE", models.NewNotFoundError("fake", "NOPE"))

	rep, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, []string{"ACME"}, h.fetcher.ActiveSymbols(ctx))

	_, err = h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.source.Calls("NOPE"), "failed symbols are not fetched again")

	h.fetcher.Reset()
	_, err = h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.source.Calls("NOPE"))
	assert.Equal(t, []string{"ACME", "NOPE"}, h.fetcher.ActiveSymbols(ctx))
}

func TestOHLCVFetcher_SkipsWhileStoreUnhealthy(t *testing.T) {
	h := newFetcherHarness(t, "ACME")
	h.gate.healthy = false

	rep, err := h.fetcher.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Zero(t, h.source.Calls("ACME"))
}

func TestOHLCVFetcher_WatchlistJoinsUniverse(t *testing.T) {
	ctx := context.Background()
	h := newFetcherHarness(t, "ACME")
	_, err := h.watchlist.AddSymbol(ctx, "ZED")
	require.NoError(t, err)

	rep, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Keys)
	assert.Equal(t, 1, h.source.Calls("ZED"))
}

func TestOHLCVFetcher_CyclesDoNotOverlap(t *testing.T) {
	h := newFetcherHarness(t, "ACME")
	h.source.started = make(chan struct{}, 1)
	h.source.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.fetcher.RunCycle(context.Background())
	}()
	<-h.source.started

	_, err := h.fetcher.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(h.source.release)
	<-done
}

func TestOHLCVFetcher_CycleTimeoutDiscardsInFlight(t *testing.T) {
	ctx := context.Background()
	h := newFetcherHarness(t, "ACME")
	h.fetcher.cfg.CycleTimeout = 20 * time.Millisecond
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-3*time.Minute), 10, 11)
	h.source.started = make(chan struct{}, 1)
	h.source.release = make(chan struct{}) // never released

	rep, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rep.TimedOut)
	assert.Zero(t, rep.Inserted)

	bars, err := h.store.QueryLatest(ctx, "ACME", domrepo.TF1m, 10)
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Empty(t, h.Events())
}

// cutoffStore rejects every batch as older than its retention cutoff.
type cutoffStore struct {
	domrepo.BarStore
}

func (cutoffStore) UpsertBars(context.Context, string, domrepo.Timeframe, []models.Bar) (models.UpsertResult, error) {
	return models.UpsertResult{}, fmt.Errorf("%w: clock skew", models.ErrOutOfOrder)
}

func TestOHLCVFetcher_BatchBehindCutoffIsIgnored(t *testing.T) {
	h := newFetcherHarness(t, "ACME")
	h.fetcher.bars = cutoffStore{BarStore: h.store}
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-3*time.Minute), 10, 11)

	rep, err := h.fetcher.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Zero(t, rep.Inserted)
	assert.Zero(t, rep.Degraded)
	assert.Equal(t, 1, h.source.Calls("ACME"), "no retry")
	assert.Equal(t, PhaseIdle, h.state(t, "ACME/1m").Phase)
	assert.Empty(t, h.Events())
}
