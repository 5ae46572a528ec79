package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	"TradeDash/internal/repository"
	"TradeDash/pkg/metrics"
)

func TestInfoFetcher_RefreshOverwritesWholesale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	source := newFakeSource()
	store := repository.NewMemoryInfoStore()
	source.infos["ACME"] = models.InstrumentInfo{Name: "Acme Corp", Price: 12, EPS: 3, SharesOutstanding: 1e8}

	require.NoError(t, store.PutInfo(ctx, models.InstrumentInfo{Symbol: "ACME", Sector: "stale", PriceTarget: 99}))

	f := NewInfoFetcher(InfoFetcherConfig{Concurrency: 2, Backoff: testPolicy}, source, store,
		NewUniverse([]string{"ACME", "GONE"}, nil, nil), metrics.Nop{}, WithInfoClock(clock))

	rep, err := f.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)

	info, ok, err := store.GetInfo(ctx, "ACME")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Acme Corp", info.Name)
	assert.Empty(t, info.Sector, "old fields are not merged")
	assert.Zero(t, info.PriceTarget)
	assert.Equal(t, 4.0, info.PERatio, "P/E falls back to price over EPS")
	assert.Equal(t, 1.2e9, info.MarketCap)
	assert.Equal(t, "fake", info.Source)
	assert.Equal(t, t0, info.UpdatedAt)

	var gone SymbolState
	for _, s := range f.States() {
		if s.Symbol == "GONE" {
			gone = s
		}
	}
	assert.Equal(t, PhaseFailed, gone.Phase)
	assert.Equal(t, "not_found", gone.FailureKind)
}

func TestInfoFetcher_RetriesTransient(t *testing.T) {
	clock := newFakeClock()
	source := newFakeSource()
	source.infos["ACME"] = models.InstrumentInfo{Name: "Acme"}
	source.failNext("ACME", models.NewTransientError("fake", "ACME", nil))

	f := NewInfoFetcher(InfoFetcherConfig{Concurrency: 1, Backoff: testPolicy}, source, repository.NewMemoryInfoStore(),
		NewUniverse([]string{"ACME"}, nil, nil), metrics.Nop{}, WithInfoClock(clock))

	rep, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 2, source.Calls("ACME"))
}
