package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
)

// RetentionReport counts rows pruned per timeframe.
type RetentionReport struct {
	Bars      map[domrepo.Timeframe]int64 `json:"bars"`
	Snapshots map[domrepo.Timeframe]int64 `json:"snapshots"`
}

// RetentionUseCase prunes bars and their snapshots older than each timeframe's window.
type RetentionUseCase struct {
	bars    domrepo.BarStore
	snaps   domrepo.IndicatorStore
	policy  domrepo.RetentionPolicy
	health  HealthGate
	now     func() time.Time
	metrics domrepo.Metrics
	l       *applogger.Logger
}

func NewRetentionUseCase(bars domrepo.BarStore, snaps domrepo.IndicatorStore, policy domrepo.RetentionPolicy,
	health HealthGate, metrics domrepo.Metrics, l *applogger.Logger) *RetentionUseCase {
	if health == nil {
		health = alwaysHealthy{}
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &RetentionUseCase{bars: bars, snaps: snaps, policy: policy, health: health, now: time.Now, metrics: metrics, l: l}
}

// Run prunes every timeframe with a retention window. A failing timeframe does not stop the others.
func (uc *RetentionUseCase) Run(ctx context.Context) (RetentionReport, error) {
	rep := RetentionReport{Bars: map[domrepo.Timeframe]int64{}, Snapshots: map[domrepo.Timeframe]int64{}}
	if !uc.health.Healthy() {
		return rep, nil
	}

	tfs := make([]domrepo.Timeframe, 0, len(uc.policy))
	for tf := range uc.policy {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })

	now := uc.now()
	var errs []error
	for _, tf := range tfs {
		cutoff, ok := uc.policy.Cutoff(tf, now)
		if !ok {
			continue
		}
		n, err := uc.bars.Prune(ctx, tf, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune bars %s: %w", tf, err))
			uc.metrics.RecordError("retention")
			continue
		}
		rep.Bars[tf] = n

		if uc.snaps != nil {
			m, err := uc.snaps.PruneSnapshots(ctx, tf, cutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("prune snapshots %s: %w", tf, err))
				uc.metrics.RecordError("retention")
				continue
			}
			rep.Snapshots[tf] = m
		}
		if n > 0 || rep.Snapshots[tf] > 0 {
			uc.l.Info("retention pruned",
				applogger.String("tf", string(tf)),
				applogger.Time("cutoff", cutoff),
				applogger.Int64("bars", n),
				applogger.Int64("snapshots", rep.Snapshots[tf]),
			)
		}
	}
	return rep, errors.Join(errs...)
}
