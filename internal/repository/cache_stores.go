package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/pkg/cache"
)

const (
	infoKeyPrefix    = "info"
	watchlistKey     = "watchlist"
	watchlistLockKey = "lock:watchlist"
	seriesLockPrefix = "lock:series"
)

// CacheInfoStore keeps instrument info in a cache.Service (redis, layered or memory).
// Entries never expire: the info fetcher overwrites them.
type CacheInfoStore struct {
	c cache.Service
}

func NewCacheInfoStore(c cache.Service) *CacheInfoStore {
	return &CacheInfoStore{c: c}
}

func (s *CacheInfoStore) PutInfo(ctx context.Context, info models.InstrumentInfo) error {
	if err := s.c.Set(ctx, cache.GenerateKey(infoKeyPrefix, info.Symbol), info, 0); err != nil {
		return fmt.Errorf("cache put info %s: %w", info.Symbol, err)
	}
	return nil
}

func (s *CacheInfoStore) GetInfo(ctx context.Context, symbol string) (models.InstrumentInfo, bool, error) {
	var info models.InstrumentInfo
	err := s.c.Get(ctx, cache.GenerateKey(infoKeyPrefix, symbol), &info)
	if errors.Is(err, cache.ErrCacheMiss) {
		return models.InstrumentInfo{}, false, nil
	}
	if err != nil {
		return models.InstrumentInfo{}, false, fmt.Errorf("cache get info %s: %w", symbol, err)
	}
	return info, true, nil
}

func (s *CacheInfoStore) GetInfos(ctx context.Context, symbols []string) (map[string]models.InstrumentInfo, error) {
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = cache.GenerateKey(infoKeyPrefix, sym)
	}
	byKey, err := cache.MGetTyped[models.InstrumentInfo](ctx, s.c, keys...)
	if err != nil {
		return nil, fmt.Errorf("cache get infos: %w", err)
	}
	out := make(map[string]models.InstrumentInfo, len(byKey))
	for k, info := range byKey {
		out[strings.TrimPrefix(k, infoKeyPrefix+":")] = info
	}
	return out, nil
}

// CacheWatchlistStore stores the watchlist as one JSON list guarded by a cache lock,
// so several processes sharing redis see one watchlist.
type CacheWatchlistStore struct {
	c       cache.Service
	lockTTL time.Duration
	retry   time.Duration
}

func NewCacheWatchlistStore(c cache.Service, lockTTL time.Duration) *CacheWatchlistStore {
	return &CacheWatchlistStore{c: c, lockTTL: lockTTL, retry: 20 * time.Millisecond}
}

func (s *CacheWatchlistStore) load(ctx context.Context) ([]string, error) {
	var list []string
	err := s.c.Get(ctx, watchlistKey, &list)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	return list, err
}

// mutate runs fn under the watchlist lock and saves the result when fn reports a change.
func (s *CacheWatchlistStore) mutate(ctx context.Context, fn func([]string) ([]string, bool)) (bool, error) {
	unlock, err := lockWithRetry(ctx, s.c, watchlistLockKey, s.lockTTL, s.retry)
	if err != nil {
		return false, err
	}
	defer unlock()

	list, err := s.load(ctx)
	if err != nil {
		return false, fmt.Errorf("load watchlist: %w", err)
	}
	next, changed := fn(list)
	if !changed {
		return false, nil
	}
	if err := s.c.Set(ctx, watchlistKey, next, 0); err != nil {
		return false, fmt.Errorf("save watchlist: %w", err)
	}
	return true, nil
}

func (s *CacheWatchlistStore) AddSymbol(ctx context.Context, symbol string) (bool, error) {
	return s.mutate(ctx, func(list []string) ([]string, bool) {
		i := sort.SearchStrings(list, symbol)
		if i < len(list) && list[i] == symbol {
			return list, false
		}
		list = append(list, "")
		copy(list[i+1:], list[i:])
		list[i] = symbol
		return list, true
	})
}

func (s *CacheWatchlistStore) RemoveSymbol(ctx context.Context, symbol string) (bool, error) {
	return s.mutate(ctx, func(list []string) ([]string, bool) {
		i := sort.SearchStrings(list, symbol)
		if i == len(list) || list[i] != symbol {
			return list, false
		}
		return append(list[:i], list[i+1:]...), true
	})
}

func (s *CacheWatchlistStore) ListSymbols(ctx context.Context) ([]string, error) {
	list, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// CacheLocker is a KeyLocker on top of cache.TryLock, shared by every process using the same redis.
type CacheLocker struct {
	c     cache.Service
	ttl   time.Duration
	retry time.Duration
}

func NewCacheLocker(c cache.Service, ttl time.Duration) *CacheLocker {
	return &CacheLocker{c: c, ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *CacheLocker) Lock(ctx context.Context, key string) (func(), error) {
	return lockWithRetry(ctx, l.c, cache.GenerateKey(seriesLockPrefix, key), l.ttl, l.retry)
}

func lockWithRetry(ctx context.Context, c cache.Service, key string, ttl, retry time.Duration) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := c.TryLock(ctx, key, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func() { _ = c.Unlock(context.Background(), key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// LocalLocker serializes writers of the same key within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

var (
	_ domrepo.InfoStore      = (*CacheInfoStore)(nil)
	_ domrepo.WatchlistStore = (*CacheWatchlistStore)(nil)
	_ domrepo.KeyLocker      = (*CacheLocker)(nil)
	_ domrepo.KeyLocker      = (*LocalLocker)(nil)
)
