package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/pkg/cache"
)

var testNow = time.Date(2024, 6, 14, 20, 0, 0, 0, time.UTC)

func dailyBar(day int, close float64) models.Bar {
	return models.Bar{
		Timestamp: time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC),
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    1000 * float64(day),
	}
}

type storeFactory func(t *testing.T, retention domrepo.RetentionPolicy) domrepo.BarStore

func backends() map[string]storeFactory {
	clock := func() time.Time { return testNow }
	return map[string]storeFactory{
		"memory": func(t *testing.T, retention domrepo.RetentionPolicy) domrepo.BarStore {
			return NewMemoryBarStore(WithMemoryRetention(retention), WithMemoryClock(clock))
		},
		"sqlite": func(t *testing.T, retention domrepo.RetentionPolicy) domrepo.BarStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bars.db"),
				WithSQLiteRetention(retention), WithSQLiteClock(clock))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestBarStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("duplicate upsert keeps one bar", func(t *testing.T) {
				s := newStore(t, nil)
				bar := dailyBar(10, 42)

				res, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{bar})
				require.NoError(t, err)
				assert.Equal(t, models.UpsertResult{Inserted: 1}, res)

				res, err = s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{bar})
				require.NoError(t, err)
				assert.Equal(t, models.UpsertResult{Duplicates: 1}, res)

				bars, err := s.QueryLatest(ctx, "X", domrepo.TF1d, 10)
				require.NoError(t, err)
				require.Len(t, bars, 1)
				assert.True(t, bars[0].Timestamp.Equal(bar.Timestamp))
			})

			t.Run("overlapping batches stay strictly increasing", func(t *testing.T) {
				s := newStore(t, nil)
				_, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(3, 1), dailyBar(4, 2), dailyBar(5, 3)})
				require.NoError(t, err)
				res, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(6, 4), dailyBar(4, 99), dailyBar(5, 99), dailyBar(7, 5)})
				require.NoError(t, err)
				assert.Equal(t, 2, res.Inserted)
				assert.Equal(t, 2, res.Duplicates)

				bars, err := s.QueryRange(ctx, "X", domrepo.TF1d, dailyBar(1, 0).Timestamp, dailyBar(30, 0).Timestamp)
				require.NoError(t, err)
				require.Len(t, bars, 5)
				for i := 1; i < len(bars); i++ {
					assert.True(t, bars[i].Timestamp.After(bars[i-1].Timestamp))
				}
				// existing bars are never overwritten
				assert.Equal(t, 2.0, bars[1].Close)
			})

			t.Run("query latest is ascending", func(t *testing.T) {
				s := newStore(t, nil)
				_, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(5, 3), dailyBar(3, 1), dailyBar(4, 2)})
				require.NoError(t, err)
				bars, err := s.QueryLatest(ctx, "X", domrepo.TF1d, 2)
				require.NoError(t, err)
				require.Len(t, bars, 2)
				assert.Equal(t, 2.0, bars[0].Close)
				assert.Equal(t, 3.0, bars[1].Close)

				ts, ok, err := s.LatestTimestamp(ctx, "X", domrepo.TF1d)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.True(t, ts.Equal(dailyBar(5, 0).Timestamp))

				_, ok, err = s.LatestTimestamp(ctx, "Y", domrepo.TF1d)
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("series are isolated by timeframe", func(t *testing.T) {
				s := newStore(t, nil)
				_, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(3, 1)})
				require.NoError(t, err)
				bars, err := s.QueryLatest(ctx, "X", domrepo.TF1m, 10)
				require.NoError(t, err)
				assert.Empty(t, bars)
			})

			t.Run("batch behind retention is rejected whole", func(t *testing.T) {
				s := newStore(t, domrepo.RetentionPolicy{domrepo.TF1d: 7 * 24 * time.Hour})
				_, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(1, 1), dailyBar(13, 2)})
				assert.True(t, errors.Is(err, models.ErrOutOfOrder))

				bars, err := s.QueryLatest(ctx, "X", domrepo.TF1d, 10)
				require.NoError(t, err)
				assert.Empty(t, bars)

				res, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(13, 2)})
				require.NoError(t, err)
				assert.Equal(t, 1, res.Inserted)
			})

			t.Run("prune drops old bars", func(t *testing.T) {
				s := newStore(t, nil)
				_, err := s.UpsertBars(ctx, "X", domrepo.TF1d, []models.Bar{dailyBar(1, 1), dailyBar(2, 2), dailyBar(3, 3)})
				require.NoError(t, err)
				removed, err := s.Prune(ctx, domrepo.TF1d, dailyBar(3, 0).Timestamp)
				require.NoError(t, err)
				assert.Equal(t, int64(2), removed)
				bars, err := s.QueryLatest(ctx, "X", domrepo.TF1d, 10)
				require.NoError(t, err)
				require.Len(t, bars, 1)
			})

			t.Run("health", func(t *testing.T) {
				assert.NoError(t, newStore(t, nil).Health(ctx))
			})
		})
	}
}

func TestIndicatorStores(t *testing.T) {
	ctx := context.Background()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snaps.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	stores := map[string]domrepo.IndicatorStore{
		"memory": NewMemoryIndicatorStore(),
		"sqlite": sqlite,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			snap := func(day int, v float64) models.IndicatorSnapshot {
				return models.IndicatorSnapshot{
					Symbol: "X", Timeframe: "1d", Indicator: "macd_12_26_9",
					Timestamp:  dailyBar(day, 0).Timestamp,
					Value:      v,
					Components: map[string]float64{"macd": v, "signal": v / 2},
				}
			}
			require.NoError(t, s.UpsertSnapshots(ctx, []models.IndicatorSnapshot{snap(2, 1), snap(1, 0.5), snap(3, 2)}))
			// overwrite
			require.NoError(t, s.UpsertSnapshots(ctx, []models.IndicatorSnapshot{snap(3, 4)}))

			latest, ok, err := s.LatestSnapshot(ctx, "X", domrepo.TF1d, "macd_12_26_9")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 4.0, latest.Value)
			assert.Equal(t, 2.0, latest.Components["signal"])

			list, err := s.QuerySnapshots(ctx, "X", domrepo.TF1d, "macd_12_26_9", 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, 1.0, list[0].Value)
			assert.Equal(t, 4.0, list[1].Value)

			removed, err := s.PruneSnapshots(ctx, domrepo.TF1d, dailyBar(2, 0).Timestamp)
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)

			_, ok, err = s.LatestSnapshot(ctx, "X", domrepo.TF1d, "rsi_14")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestInfoAndWatchlistStores(t *testing.T) {
	ctx := context.Background()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "info.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	defer mc.Close()

	type infoWatch interface {
		domrepo.InfoStore
		domrepo.WatchlistStore
	}
	stores := map[string]infoWatch{
		"memory": struct {
			*MemoryInfoStore
			*MemoryWatchlistStore
		}{NewMemoryInfoStore(), NewMemoryWatchlistStore()},
		"sqlite": sqlite,
		"cache": struct {
			*CacheInfoStore
			*CacheWatchlistStore
		}{NewCacheInfoStore(mc), NewCacheWatchlistStore(mc, time.Second)},
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutInfo(ctx, models.InstrumentInfo{Symbol: "ACME", MarketCap: 1e9}))
			require.NoError(t, s.PutInfo(ctx, models.InstrumentInfo{Symbol: "ACME", MarketCap: 3e9}))
			info, ok, err := s.GetInfo(ctx, "ACME")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 3e9, info.MarketCap)

			infos, err := s.GetInfos(ctx, []string{"ACME", "NOPE"})
			require.NoError(t, err)
			assert.Len(t, infos, 1)

			added, err := s.AddSymbol(ctx, "ACME")
			require.NoError(t, err)
			assert.True(t, added)
			added, err = s.AddSymbol(ctx, "ACME")
			require.NoError(t, err)
			assert.False(t, added)
			_, err = s.AddSymbol(ctx, "BETA")
			require.NoError(t, err)

			list, err := s.ListSymbols(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"ACME", "BETA"}, list)

			removed, err := s.RemoveSymbol(ctx, "ACME")
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = s.RemoveSymbol(ctx, "ACME")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestLockers(t *testing.T) {
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	defer mc.Close()

	lockers := map[string]domrepo.KeyLocker{
		"local": NewLocalLocker(),
		"cache": NewCacheLocker(mc, time.Minute),
	}
	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := l.Lock(ctx, "ACME/1m")
			require.NoError(t, err)

			// a second writer of the same series waits
			short, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
			defer cancel()
			_, err = l.Lock(short, "ACME/1m")
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			// other series are independent
			other, err := l.Lock(ctx, "BETA/1m")
			require.NoError(t, err)
			other()

			unlock()
			again, err := l.Lock(ctx, "ACME/1m")
			require.NoError(t, err)
			again()
		})
	}
}

func TestCacheLockerExpiredHolderKeepsSuccessor(t *testing.T) {
	now := testNow
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0), cache.WithMemoryClock(func() time.Time { return now }))
	defer mc.Close()
	l := NewCacheLocker(mc, time.Second)
	ctx := context.Background()

	stale, err := l.Lock(ctx, "ACME/1m")
	require.NoError(t, err)

	// the first holder stalls past its ttl and a second writer takes the series
	now = now.Add(2 * time.Second)
	current, err := l.Lock(ctx, "ACME/1m")
	require.NoError(t, err)

	stale()
	short, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "ACME/1m")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	current()
	again, err := l.Lock(ctx, "ACME/1m")
	require.NoError(t, err)
	again()
}

func TestCHBarStoreSerializesSeriesWriters(t *testing.T) {
	// no connection is needed: a writer blocked on the series lock never reaches the database
	s := &CHBarStore{now: func() time.Time { return testNow }, writes: NewLocalLocker()}
	ctx := context.Background()

	unlock, err := s.writes.Lock(ctx, "ACME/1d")
	require.NoError(t, err)
	defer unlock()

	short, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = s.UpsertBars(short, "ACME", domrepo.TF1d, []models.Bar{dailyBar(3, 10)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
