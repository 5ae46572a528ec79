package middleware

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
)

// Drop reasons reported by the bar pipeline.
const (
	DropInvalid    = "invalid"
	DropIncomplete = "incomplete"
	DropRetention  = "retention"
	DropDuplicate  = "duplicate"
)

// BarPipeline normalizes provider bars before they reach a store:
// validate, round, drop incomplete and pre-retention bars, then sort and dedupe.
type BarPipeline struct {
	metrics   domrepo.Metrics
	retention domrepo.RetentionPolicy
	places    int32
	now       func() time.Time
	// optional provider-specific fixups, applied before validation
	transform func(models.Bar) models.Bar
}

type PipelineOption func(*BarPipeline)

// WithRetention drops bars older than the policy cutoff so one stale bar never rejects a batch.
func WithRetention(p domrepo.RetentionPolicy) PipelineOption {
	return func(bp *BarPipeline) { bp.retention = p }
}

// WithPricePlaces sets the rounding precision of OHLC prices.
func WithPricePlaces(n int32) PipelineOption {
	return func(bp *BarPipeline) {
		if n >= 0 {
			bp.places = n
		}
	}
}

// WithClock overrides the time source used for the incomplete-bar rule.
func WithClock(now func() time.Time) PipelineOption {
	return func(bp *BarPipeline) { bp.now = now }
}

// WithTransform sets a hook run on every bar before validation.
func WithTransform(fn func(models.Bar) models.Bar) PipelineOption {
	return func(bp *BarPipeline) { bp.transform = fn }
}

func NewBarPipeline(metrics domrepo.Metrics, opts ...PipelineOption) *BarPipeline {
	bp := &BarPipeline{
		metrics: metrics,
		places:  2,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(bp)
	}
	return bp
}

// NormalizeResult is the cleaned batch plus per-reason drop counts.
type NormalizeResult struct {
	Bars    []models.Bar
	Dropped map[string]int
}

func (r NormalizeResult) DroppedTotal() int {
	n := 0
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

// Normalize returns bars ready for UpsertBars: ascending, unique, closed and rounded.
func (p *BarPipeline) Normalize(tf domrepo.Timeframe, bars []models.Bar) NormalizeResult {
	start := time.Now()
	now := p.now()
	res := NormalizeResult{Bars: make([]models.Bar, 0, len(bars)), Dropped: map[string]int{}}

	cutoff, hasCutoff := p.retention.Cutoff(tf, now)
	dur := tf.Duration()

	for _, b := range bars {
		if p.transform != nil {
			b = p.transform(b)
		}
		if err := validateBar(b); err != nil {
			res.Dropped[DropInvalid]++
			continue
		}
		b.Timestamp = b.Timestamp.UTC()
		// a bar covers [ts, ts+dur); it is final only once that interval has passed
		if b.Timestamp.Add(dur).After(now) {
			res.Dropped[DropIncomplete]++
			continue
		}
		if hasCutoff && b.Timestamp.Before(cutoff) {
			res.Dropped[DropRetention]++
			continue
		}
		res.Bars = append(res.Bars, p.round(b))
	}

	sort.SliceStable(res.Bars, func(i, j int) bool { return res.Bars[i].Timestamp.Before(res.Bars[j].Timestamp) })
	uniq := res.Bars[:0]
	for i, b := range res.Bars {
		if i > 0 && b.Timestamp.Equal(uniq[len(uniq)-1].Timestamp) {
			res.Dropped[DropDuplicate]++
			continue
		}
		uniq = append(uniq, b)
	}
	res.Bars = uniq

	if p.metrics != nil {
		for reason, n := range res.Dropped {
			for i := 0; i < n; i++ {
				p.metrics.RecordError("pipeline_" + reason)
			}
		}
		p.metrics.RecordLatency("pipeline_normalize", time.Since(start).Seconds())
	}
	return res
}

func (p *BarPipeline) round(b models.Bar) models.Bar {
	r := func(v float64) float64 {
		f, _ := decimal.NewFromFloat(v).Round(p.places).Float64()
		return f
	}
	b.Open = r(b.Open)
	b.High = r(b.High)
	b.Low = r(b.Low)
	b.Close = r(b.Close)
	// providers occasionally report an open or close just outside the range
	b.High = math.Max(b.High, math.Max(b.Open, b.Close))
	b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
	b.Volume = math.Round(b.Volume)
	return b
}

func validateBar(b models.Bar) error {
	if b.Timestamp.IsZero() || b.Timestamp.Unix() <= 0 {
		return fmt.Errorf("timestamp invalid")
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite value")
		}
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("non-positive price")
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume")
	}
	if b.High < b.Low {
		return fmt.Errorf("inconsistent range")
	}
	return nil
}
