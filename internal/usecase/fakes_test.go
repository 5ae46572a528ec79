package usecase

import (
	"context"
	"sync"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
)

var t0 = time.Date(2024, 6, 14, 15, 0, 0, 0, time.UTC)

// fakeClock never blocks: Sleep advances time and records the requested delay.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeSource serves canned bars and info, failing with scripted errors first.
type fakeSource struct {
	mu     sync.Mutex
	bars   map[string][]models.Bar
	infos  map[string]models.InstrumentInfo
	errs   map[string][]error
	calls  map[string]int
	sinces map[string][]time.Time

	// when set, FetchBars signals started and waits on release
	started chan struct{}
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bars:   map[string][]models.Bar{},
		infos:  map[string]models.InstrumentInfo{},
		errs:   map[string][]error{},
		calls:  map[string]int{},
		sinces: map[string][]time.Time{},
	}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) failNext(symbol string, errs ...error) {
	s.mu.Lock()
	s.errs[symbol] = append(s.errs[symbol], errs...)
	s.mu.Unlock()
}

func (s *fakeSource) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func (s *fakeSource) popErr(symbol string) error {
	if q := s.errs[symbol]; len(q) > 0 {
		s.errs[symbol] = q[1:]
		return q[0]
	}
	return nil
}

func (s *fakeSource) FetchBars(ctx context.Context, symbol string, tf domrepo.Timeframe, since time.Time) ([]models.Bar, error) {
	s.mu.Lock()
	s.calls[symbol]++
	s.sinces[symbol] = append(s.sinces[symbol], since)
	err := s.popErr(symbol)
	all := s.bars[symbol+"/"+string(tf)]
	started, release := s.started, s.release
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if started != nil {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var out []models.Bar
	for _, b := range all {
		if !b.Timestamp.Before(since) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeSource) FetchInfo(ctx context.Context, symbol string) (*models.InstrumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	if err := s.popErr(symbol); err != nil {
		return nil, err
	}
	info, ok := s.infos[symbol]
	if !ok {
		return nil, models.NewNotFoundError("fake", symbol)
	}
	return &info, nil
}

type flagGate struct{ healthy bool }

func (g *flagGate) Healthy() bool { return g.healthy }

// recordingNotifier collects pushed topics.
type recordingNotifier struct {
	mu     sync.Mutex
	topics []string
	last   interface{}
}

func (n *recordingNotifier) Notify(topic string, payload interface{}) {
	n.mu.Lock()
	n.topics = append(n.topics, topic)
	n.last = payload
	n.mu.Unlock()
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.topics)
}

func minuteBars(start time.Time, closes ...float64) []models.Bar {
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c + 0.1, Low: c - 0.1, Close: c, Volume: 1000,
		}
	}
	return out
}

func dayBars(start time.Time, closes ...float64) []models.Bar {
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      c, High: c, Low: c, Close: c, Volume: 1000 * float64(i+1),
		}
	}
	return out
}
