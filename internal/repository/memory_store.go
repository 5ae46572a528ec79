package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
)

type seriesKey struct {
	symbol string
	tf     domrepo.Timeframe
}

type memorySeries struct {
	mu   sync.RWMutex
	bars []models.Bar // ascending, unique timestamps
}

// MemoryBarStore is an in-process BarStore. Each series has its own lock, so
// writers of different keys never contend.
type MemoryBarStore struct {
	mu        sync.Mutex
	series    map[seriesKey]*memorySeries
	retention domrepo.RetentionPolicy
	now       func() time.Time
}

// MemoryOption configures in-memory stores.
type MemoryOption func(*MemoryBarStore)

// WithMemoryRetention sets the per-timeframe retention enforced on upsert.
func WithMemoryRetention(p domrepo.RetentionPolicy) MemoryOption {
	return func(s *MemoryBarStore) { s.retention = p }
}

// WithMemoryClock overrides the clock used for retention cutoffs.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryBarStore) { s.now = now }
}

func NewMemoryBarStore(opts ...MemoryOption) *MemoryBarStore {
	s := &MemoryBarStore{
		series: make(map[seriesKey]*memorySeries),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryBarStore) get(symbol string, tf domrepo.Timeframe, create bool) *memorySeries {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := seriesKey{symbol: symbol, tf: tf}
	ser, ok := s.series[k]
	if !ok && create {
		ser = &memorySeries{}
		s.series[k] = ser
	}
	return ser
}

func (s *MemoryBarStore) UpsertBars(_ context.Context, symbol string, tf domrepo.Timeframe, bars []models.Bar) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(bars) == 0 {
		return res, nil
	}
	if err := checkRetention(s.retention, tf, s.now(), bars); err != nil {
		return res, err
	}

	incoming := sortedUnique(bars)
	res.Duplicates = len(bars) - len(incoming)

	ser := s.get(symbol, tf, true)
	ser.mu.Lock()
	defer ser.mu.Unlock()

	merged := make([]models.Bar, 0, len(ser.bars)+len(incoming))
	i, j := 0, 0
	for i < len(ser.bars) || j < len(incoming) {
		switch {
		case j >= len(incoming):
			merged = append(merged, ser.bars[i])
			i++
		case i >= len(ser.bars):
			merged = append(merged, incoming[j])
			res.Inserted++
			j++
		case ser.bars[i].Timestamp.Before(incoming[j].Timestamp):
			merged = append(merged, ser.bars[i])
			i++
		case incoming[j].Timestamp.Before(ser.bars[i].Timestamp):
			merged = append(merged, incoming[j])
			res.Inserted++
			j++
		default:
			// existing bar wins
			merged = append(merged, ser.bars[i])
			res.Duplicates++
			i++
			j++
		}
	}
	ser.bars = merged
	return res, nil
}

func (s *MemoryBarStore) QueryRange(_ context.Context, symbol string, tf domrepo.Timeframe, from, to time.Time) ([]models.Bar, error) {
	ser := s.get(symbol, tf, false)
	if ser == nil {
		return nil, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()

	lo := sort.Search(len(ser.bars), func(i int) bool { return !ser.bars[i].Timestamp.Before(from) })
	hi := sort.Search(len(ser.bars), func(i int) bool { return ser.bars[i].Timestamp.After(to) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]models.Bar, hi-lo)
	copy(out, ser.bars[lo:hi])
	return out, nil
}

func (s *MemoryBarStore) QueryLatest(_ context.Context, symbol string, tf domrepo.Timeframe, n int) ([]models.Bar, error) {
	ser := s.get(symbol, tf, false)
	if ser == nil || n <= 0 {
		return nil, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()

	start := len(ser.bars) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.Bar, len(ser.bars)-start)
	copy(out, ser.bars[start:])
	return out, nil
}

func (s *MemoryBarStore) LatestTimestamp(_ context.Context, symbol string, tf domrepo.Timeframe) (time.Time, bool, error) {
	ser := s.get(symbol, tf, false)
	if ser == nil {
		return time.Time{}, false, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	if len(ser.bars) == 0 {
		return time.Time{}, false, nil
	}
	return ser.bars[len(ser.bars)-1].Timestamp, true, nil
}

func (s *MemoryBarStore) Prune(_ context.Context, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	targets := make([]*memorySeries, 0, len(s.series))
	for k, ser := range s.series {
		if k.tf == tf {
			targets = append(targets, ser)
		}
	}
	s.mu.Unlock()

	var removed int64
	for _, ser := range targets {
		ser.mu.Lock()
		idx := sort.Search(len(ser.bars), func(i int) bool { return !ser.bars[i].Timestamp.Before(cutoff) })
		if idx > 0 {
			removed += int64(idx)
			ser.bars = append([]models.Bar(nil), ser.bars[idx:]...)
		}
		ser.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryBarStore) Health(context.Context) error { return nil }

// checkRetention rejects the batch if any bar is strictly older than the cutoff.
func checkRetention(p domrepo.RetentionPolicy, tf domrepo.Timeframe, now time.Time, bars []models.Bar) error {
	cutoff, ok := p.Cutoff(tf, now)
	if !ok {
		return nil
	}
	for _, b := range bars {
		if b.Timestamp.Before(cutoff) {
			return fmt.Errorf("%w: %s is before %s", models.ErrOutOfOrder,
				b.Timestamp.Format(time.RFC3339), cutoff.Format(time.RFC3339))
		}
	}
	return nil
}

// sortedUnique returns bars in ascending order with the first occurrence of each timestamp kept.
func sortedUnique(bars []models.Bar) []models.Bar {
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	uniq := out[:0]
	for i, b := range out {
		if i > 0 && b.Timestamp.Equal(uniq[len(uniq)-1].Timestamp) {
			continue
		}
		uniq = append(uniq, b)
	}
	return uniq
}

type snapshotKey struct {
	symbol    string
	tf        domrepo.Timeframe
	indicator string
}

// MemoryIndicatorStore is an in-process IndicatorStore.
type MemoryIndicatorStore struct {
	mu    sync.RWMutex
	snaps map[snapshotKey][]models.IndicatorSnapshot // ascending by timestamp
}

func NewMemoryIndicatorStore() *MemoryIndicatorStore {
	return &MemoryIndicatorStore{snaps: make(map[snapshotKey][]models.IndicatorSnapshot)}
}

func (s *MemoryIndicatorStore) UpsertSnapshots(_ context.Context, snaps []models.IndicatorSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		k := snapshotKey{symbol: snap.Symbol, tf: domrepo.Timeframe(snap.Timeframe), indicator: snap.Indicator}
		list := s.snaps[k]
		idx := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(snap.Timestamp) })
		if idx < len(list) && list[idx].Timestamp.Equal(snap.Timestamp) {
			list[idx] = snap
			continue
		}
		list = append(list, models.IndicatorSnapshot{})
		copy(list[idx+1:], list[idx:])
		list[idx] = snap
		s.snaps[k] = list
	}
	return nil
}

func (s *MemoryIndicatorStore) LatestSnapshot(_ context.Context, symbol string, tf domrepo.Timeframe, indicator string) (models.IndicatorSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snaps[snapshotKey{symbol: symbol, tf: tf, indicator: indicator}]
	if len(list) == 0 {
		return models.IndicatorSnapshot{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (s *MemoryIndicatorStore) QuerySnapshots(_ context.Context, symbol string, tf domrepo.Timeframe, indicator string, n int) ([]models.IndicatorSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snaps[snapshotKey{symbol: symbol, tf: tf, indicator: indicator}]
	start := len(list) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.IndicatorSnapshot, len(list)-start)
	copy(out, list[start:])
	return out, nil
}

func (s *MemoryIndicatorStore) PruneSnapshots(_ context.Context, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for k, list := range s.snaps {
		if k.tf != tf {
			continue
		}
		idx := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(cutoff) })
		removed += int64(idx)
		s.snaps[k] = append([]models.IndicatorSnapshot(nil), list[idx:]...)
	}
	return removed, nil
}

// MemoryInfoStore is an in-process InfoStore.
type MemoryInfoStore struct {
	mu    sync.RWMutex
	infos map[string]models.InstrumentInfo
}

func NewMemoryInfoStore() *MemoryInfoStore {
	return &MemoryInfoStore{infos: make(map[string]models.InstrumentInfo)}
}

func (s *MemoryInfoStore) PutInfo(_ context.Context, info models.InstrumentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.Symbol] = info
	return nil
}

func (s *MemoryInfoStore) GetInfo(_ context.Context, symbol string) (models.InstrumentInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[symbol]
	return info, ok, nil
}

func (s *MemoryInfoStore) GetInfos(_ context.Context, symbols []string) (map[string]models.InstrumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.InstrumentInfo, len(symbols))
	for _, sym := range symbols {
		if info, ok := s.infos[sym]; ok {
			out[sym] = info
		}
	}
	return out, nil
}

// MemoryWatchlistStore is an in-process WatchlistStore preserving insertion order.
type MemoryWatchlistStore struct {
	mu      sync.Mutex
	symbols []string
}

func NewMemoryWatchlistStore(initial ...string) *MemoryWatchlistStore {
	s := &MemoryWatchlistStore{}
	for _, sym := range initial {
		_, _ = s.AddSymbol(context.Background(), sym)
	}
	return s
}

func (s *MemoryWatchlistStore) AddSymbol(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.symbols {
		if strings.EqualFold(existing, symbol) {
			return false, nil
		}
	}
	s.symbols = append(s.symbols, symbol)
	return true, nil
}

func (s *MemoryWatchlistStore) RemoveSymbol(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.symbols {
		if strings.EqualFold(existing, symbol) {
			s.symbols = append(s.symbols[:i], s.symbols[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryWatchlistStore) ListSymbols(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...), nil
}
