package usecase

import (
	"context"
	"sort"
	"sync"

	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
	"TradeDash/pkg/util"
)

// Universe is the tracked symbol set: configured symbols plus the watchlist.
type Universe struct {
	mu         sync.RWMutex
	configured []string
	watchlist  domrepo.WatchlistStore
	l          *applogger.Logger
}

func NewUniverse(configured []string, watchlist domrepo.WatchlistStore, l *applogger.Logger) *Universe {
	if l == nil {
		l = applogger.NewNop()
	}
	return &Universe{configured: util.UniqueSymbols(configured), watchlist: watchlist, l: l}
}

// Symbols returns the sorted union. A watchlist read failure degrades to the configured set.
func (u *Universe) Symbols(ctx context.Context) []string {
	u.mu.RLock()
	set := make(map[string]struct{}, len(u.configured))
	for _, s := range u.configured {
		set[s] = struct{}{}
	}
	u.mu.RUnlock()

	if u.watchlist != nil {
		list, err := u.watchlist.ListSymbols(ctx)
		if err != nil {
			u.l.Warn("watchlist unavailable, using configured symbols", applogger.Error(err))
		}
		for _, s := range list {
			set[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Configured returns a copy of the configured symbols.
func (u *Universe) Configured() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]string(nil), u.configured...)
}

// Replace swaps the configured set.
func (u *Universe) Replace(symbols []string) {
	clean := util.UniqueSymbols(symbols)
	u.mu.Lock()
	u.configured = clean
	u.mu.Unlock()
}
