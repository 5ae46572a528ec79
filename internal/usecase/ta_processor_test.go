package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/domain/service"
	"TradeDash/internal/repository"
	"TradeDash/internal/services/indicators"
	"TradeDash/pkg/metrics"
)

func buildIndicators(t *testing.T, specs ...indicators.Spec) []service.Indicator {
	t.Helper()
	inds, err := indicators.Build(specs)
	require.NoError(t, err)
	return inds
}

func TestTAProcessor_SMAExample(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()
	notifier := &recordingNotifier{}
	p := NewTAProcessor(TAProcessorConfig{MaxBackfill: 100}, bars, snaps,
		buildIndicators(t, indicators.Spec{Type: "sma", Period: 3}), metrics.Nop{}, WithTANotifier(notifier))

	series := dayBars(t0.AddDate(0, 0, -10), 9, 10, 11, 14)
	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1d, series[:3])
	require.NoError(t, err)

	n, err := p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	latest, ok, err := snaps.LatestSnapshot(ctx, "ACME", domrepo.TF1d, "sma_3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, series[2].Timestamp, latest.Timestamp)
	assert.InDelta(t, 10.0, latest.Value, 1e-9)

	_, err = bars.UpsertBars(ctx, "ACME", domrepo.TF1d, series[3:])
	require.NoError(t, err)
	n, err = p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the new bar is computed")

	latest, _, err = snaps.LatestSnapshot(ctx, "ACME", domrepo.TF1d, "sma_3")
	require.NoError(t, err)
	assert.InDelta(t, 11.67, latest.Value, 0.005)
	assert.Equal(t, 2, notifier.Count())

	// nothing new: no writes and no push
	n, err = p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, notifier.Count())
}

func TestTAProcessor_PendingUntilEnoughHistory(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()
	p := NewTAProcessor(TAProcessorConfig{MaxBackfill: 100}, bars, snaps,
		buildIndicators(t, indicators.Spec{Type: "sma", Period: 3}), metrics.Nop{})

	series := dayBars(t0.AddDate(0, 0, -10), 9, 10, 11)
	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1d, series[:2])
	require.NoError(t, err)

	n, err := p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Zero(t, n)
	pending := p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "sma_3", pending[0].Indicator)
	assert.Equal(t, series[1].Timestamp, pending[0].Timestamp)

	_, err = bars.UpsertBars(ctx, "ACME", domrepo.TF1d, series[2:])
	require.NoError(t, err)
	n, err = p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, p.Pending())
}

func TestTAProcessor_BackfillIsBounded(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()
	p := NewTAProcessor(TAProcessorConfig{MaxBackfill: 2}, bars, snaps,
		buildIndicators(t, indicators.Spec{Type: "sma", Period: 2}), metrics.Nop{})

	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1d, dayBars(t0.AddDate(0, 0, -10), 1, 2, 3, 4, 5, 6))
	require.NoError(t, err)

	n, err := p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := snaps.QuerySnapshots(ctx, "ACME", domrepo.TF1d, "sma_2", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 4.5, got[0].Value, 1e-9)
	assert.InDelta(t, 5.5, got[1].Value, 1e-9)
}

type brokenIndicator struct{}

func (brokenIndicator) Name() string  { return "broken" }
func (brokenIndicator) Lookback() int { return 1 }
func (brokenIndicator) Compute([]models.Bar) (float64, map[string]float64, error) {
	return 0, nil, errors.New("boom")
}

func TestTAProcessor_FailingIndicatorDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()
	inds := append([]service.Indicator{brokenIndicator{}}, buildIndicators(t, indicators.Spec{Type: "sma", Period: 1})...)
	p := NewTAProcessor(TAProcessorConfig{MaxBackfill: 10}, bars, snaps, inds, metrics.Nop{})

	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1d, dayBars(t0.AddDate(0, 0, -5), 7))
	require.NoError(t, err)

	n, err := p.Process(ctx, "ACME", domrepo.TF1d)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	_, ok, err := snaps.LatestSnapshot(ctx, "ACME", domrepo.TF1d, "sma_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTAProcessor_UnhealthyStore(t *testing.T) {
	p := NewTAProcessor(TAProcessorConfig{}, repository.NewMemoryBarStore(), repository.NewMemoryIndicatorStore(),
		nil, metrics.Nop{}, WithTAHealth(&flagGate{healthy: false}))
	_, err := p.Process(context.Background(), "ACME", domrepo.TF1d)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

// blockingBars blocks the first QueryLatest until released and counts calls.
type blockingBars struct {
	domrepo.BarStore
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (b *blockingBars) QueryLatest(ctx context.Context, symbol string, tf domrepo.Timeframe, n int) ([]models.Bar, error) {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if first {
		b.started <- struct{}{}
		<-b.release
	}
	return b.BarStore.QueryLatest(ctx, symbol, tf, n)
}

func (b *blockingBars) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestTAProcessor_CoalescesTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bars := &blockingBars{
		BarStore: repository.NewMemoryBarStore(),
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	p := NewTAProcessor(TAProcessorConfig{Workers: 2, MaxBackfill: 10}, bars, repository.NewMemoryIndicatorStore(),
		buildIndicators(t, indicators.Spec{Type: "sma", Period: 1}), metrics.Nop{})
	p.Start(ctx)
	defer func() { _ = p.Stop(context.Background()) }()

	ev := models.BarsAppendedEvent{Symbol: "ACME", Timeframe: "1d", Count: 1}
	require.NoError(t, p.OnBarsAppended(ctx, ev))
	<-bars.started

	// triggers while running collapse into exactly one more pass
	for i := 0; i < 5; i++ {
		require.NoError(t, p.OnBarsAppended(ctx, ev))
	}
	close(bars.release)

	require.Eventually(t, p.Idle, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, bars.Calls())
}

func TestTAProcessor_RejectsBadEvents(t *testing.T) {
	p := NewTAProcessor(TAProcessorConfig{}, repository.NewMemoryBarStore(), repository.NewMemoryIndicatorStore(), nil, metrics.Nop{})
	assert.Error(t, p.OnBarsAppended(context.Background(), models.BarsAppendedEvent{Symbol: "ACME", Timeframe: "2w"}))
	assert.Error(t, p.OnBarsAppended(context.Background(), models.BarsAppendedEvent{Timeframe: "1d"}))
	assert.True(t, p.Idle())
}

func TestTAProcessor_LateBarRewritesCoveringSnapshots(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()
	sma3 := buildIndicators(t, indicators.Spec{Type: "sma", Period: 3})
	p := NewTAProcessor(TAProcessorConfig{MaxBackfill: 100}, bars, snaps, sma3, metrics.Nop{})

	series := dayBars(t0.AddDate(0, 0, -10), 9, 10, 100, 11, 14)
	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1d, []models.Bar{series[0], series[1], series[3], series[4]})
	require.NoError(t, err)
	n, err := p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// the missing bar lands behind the latest snapshot
	_, err = bars.UpsertBars(ctx, "ACME", domrepo.TF1d, series[2:3])
	require.NoError(t, err)
	n, err = p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := snaps.QuerySnapshots(ctx, "ACME", domrepo.TF1d, "sma_3", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDelta(t, 39.6667, got[0].Value, 1e-4)
	assert.InDelta(t, 40.3333, got[1].Value, 1e-4)
	assert.InDelta(t, 41.6667, got[2].Value, 1e-4)

	// a recompute from scratch over the same bars stores the same values
	fresh := repository.NewMemoryIndicatorStore()
	_, err = NewTAProcessor(TAProcessorConfig{MaxBackfill: 100}, bars, fresh, sma3, metrics.Nop{}).
		Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	want, err := fresh.QuerySnapshots(ctx, "ACME", domrepo.TF1d, "sma_3", 10)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a repeated trigger over unchanged bars writes nothing
	n, err = p.Process(ctx, "ACME", domrepo.TF1d)
	require.NoError(t, err)
	assert.Zero(t, n)
}
