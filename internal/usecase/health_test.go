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
	"TradeDash/internal/repository"
	"TradeDash/pkg/metrics"
)

type toggleStore struct {
	mu  sync.Mutex
	err error
}

func (s *toggleStore) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *toggleStore) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type gaugeSpy struct {
	metrics.Nop
	mu     sync.Mutex
	values []bool
}

func (g *gaugeSpy) SetStoreHealthy(v bool) {
	g.mu.Lock()
	g.values = append(g.values, v)
	g.mu.Unlock()
}

func TestHealthMonitor_Threshold(t *testing.T) {
	ctx := context.Background()
	store := &toggleStore{}
	gauge := &gaugeSpy{}
	m := NewHealthMonitor(store, 2, gauge, nil)
	recovered := 0
	m.OnRecover(func() { recovered++ })

	assert.True(t, m.Check(ctx))

	store.set(errors.New("dial tcp: connection refused"))
	assert.True(t, m.Check(ctx), "one failure is tolerated")
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Healthy())
	assert.Equal(t, 2, m.Status().Failures)
	assert.Contains(t, m.Status().LastError, "connection refused")

	store.set(nil)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, 1, recovered)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, 1, recovered, "recovery hooks fire once")

	assert.Equal(t, []bool{true, false, true}, gauge.values)
}

func TestRetentionUseCase_Run(t *testing.T) {
	ctx := context.Background()
	bars := repository.NewMemoryBarStore()
	snaps := repository.NewMemoryIndicatorStore()

	series := minuteBars(t0.Add(-3*time.Hour), 1, 2, 3, 4)
	_, err := bars.UpsertBars(ctx, "ACME", domrepo.TF1m, series)
	require.NoError(t, err)
	_, err = bars.UpsertBars(ctx, "ACME", domrepo.TF1d, dayBars(t0.AddDate(0, 0, -3), 1, 2))
	require.NoError(t, err)
	require.NoError(t, snaps.UpsertSnapshots(ctx, []models.IndicatorSnapshot{
		{Symbol: "ACME", Timeframe: "1m", Indicator: "sma_1", Timestamp: series[0].Timestamp, Value: 1},
		{Symbol: "ACME", Timeframe: "1m", Indicator: "sma_1", Timestamp: series[3].Timestamp, Value: 4},
	}))

	uc := NewRetentionUseCase(bars, snaps, domrepo.RetentionPolicy{
		domrepo.TF1m: 3*time.Hour - 2*time.Minute,
		domrepo.TF1d: 0,
	}, nil, metrics.Nop{}, nil)
	uc.now = func() time.Time { return t0 }

	rep, err := uc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Bars[domrepo.TF1m])
	assert.Equal(t, int64(1), rep.Snapshots[domrepo.TF1m])
	_, touched := rep.Bars[domrepo.TF1d]
	assert.False(t, touched, "zero window keeps bars forever")

	left, err := bars.QueryLatest(ctx, "ACME", domrepo.TF1m, 10)
	require.NoError(t, err)
	assert.Len(t, left, 2)
	daily, err := bars.QueryLatest(ctx, "ACME", domrepo.TF1d, 10)
	require.NoError(t, err)
	assert.Len(t, daily, 2)
}

func TestRetentionUseCase_SkipsWhileUnhealthy(t *testing.T) {
	uc := NewRetentionUseCase(failingBars{}, nil, domrepo.RetentionPolicy{domrepo.TF1m: time.Hour},
		&flagGate{healthy: false}, metrics.Nop{}, nil)
	rep, err := uc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Bars)
}

func TestPipelineControl_Reload(t *testing.T) {
	ctx := context.Background()
	h := newFetcherHarness(t, "ACME", "NOPE")
	h.source.bars["ACME/1m"] = minuteBars(t0.Add(-3*time.Minute), 10, 11)
	h.source.failNext("NOPE", models.NewNotFoundError("fake", "NOPE"))
	_, err := h.fetcher.RunCycle(ctx)
	require.NoError(t, err)

	universe := h.fetcher.universe
	ctl := NewPipelineControl(universe, h.fetcher, nil, nil, nil,
		func() ([]string, error) { return []string{"acme", "nope", "zed"}, nil }, nil)

	st := ctl.Status(ctx)
	assert.Equal(t, []string{"ACME"}, st.Active)
	assert.True(t, ctl.Ready())

	st, err = ctl.Reload(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ACME", "NOPE", "ZED"}, st.Configured)
	assert.Equal(t, []string{"ACME", "NOPE", "ZED"}, st.Active, "failed state is cleared")

	st, err = ctl.Reload(ctx, []string{"beta"})
	require.NoError(t, err)
	assert.Equal(t, []string{"BETA"}, st.Configured)

	bad := NewPipelineControl(universe, h.fetcher, nil, nil, nil, func() ([]string, error) { return nil, errors.New("bad yaml") }, nil)
	_, err = bad.Reload(ctx, nil)
	assert.Error(t, err)
}
