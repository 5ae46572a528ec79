package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"TradeDash/internal/domain/models"
	applogger "TradeDash/pkg/logger"
)

// Phase is the position of one worker key in the fetch state machine.
//
//	Idle -> Fetching -> Upserting -> Idle
//	Fetching -> Backoff -> Fetching      (retryable, attempts left)
//	Fetching -> Degraded                 (retries exhausted, until next cycle)
//	Fetching -> Failed                   (NotFound/Unauthorized, until Reload)
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseUpserting Phase = "upserting"
	PhaseBackoff   Phase = "backoff"
	PhaseDegraded  Phase = "degraded"
	PhaseFailed    Phase = "failed"
)

// SymbolState is the explicit per-key record owned by a worker.
type SymbolState struct {
	Key         string    `json:"key"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe,omitempty"`
	Phase       Phase     `json:"phase"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
}

// BackoffPolicy computes retry transitions. All methods are pure.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// Delay returns the wait before retry number attempt (1-based): Base*Multiplier^(attempt-1), capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// OnFailure returns the state after a failed attempt at now.
// A rate-limit hint longer than the computed delay wins.
func (p BackoffPolicy) OnFailure(s SymbolState, err error, now time.Time) SymbolState {
	fe := models.AsFetchError(err)
	s.LastError = err.Error()
	s.FailureKind = fe.Kind.String()

	if !fe.Retryable() {
		s.Phase = PhaseFailed
		s.NextAttempt = time.Time{}
		return s
	}

	s.Attempts++
	if s.Attempts > p.MaxRetries {
		s.Phase = PhaseDegraded
		s.NextAttempt = time.Time{}
		return s
	}

	delay := p.Delay(s.Attempts)
	if fe.Kind == models.FetchRateLimited && fe.RetryAfter > delay {
		delay = fe.RetryAfter
	}
	s.Phase = PhaseBackoff
	s.NextAttempt = now.Add(delay)
	return s
}

// OnSuccess returns the state after a completed attempt.
func (p BackoffPolicy) OnSuccess(s SymbolState, now time.Time) SymbolState {
	s.Phase = PhaseIdle
	s.Attempts = 0
	s.NextAttempt = time.Time{}
	s.LastSuccess = now
	s.LastError = ""
	s.FailureKind = ""
	return s
}

// StartCycle clears per-cycle outcomes. Failed keys stay failed.
func (p BackoffPolicy) StartCycle(s SymbolState) SymbolState {
	if s.Phase == PhaseFailed {
		return s
	}
	s.Phase = PhaseIdle
	s.Attempts = 0
	s.NextAttempt = time.Time{}
	return s
}

// Clock abstracts time so retries are testable without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errSkipped reports that a key was not attempted because it is Failed.
var errSkipped = errors.New("key failed permanently")

// stateTable holds the state records of one worker.
type stateTable struct {
	mu     sync.RWMutex
	states map[string]SymbolState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]SymbolState)}
}

func (t *stateTable) get(key, symbol, tf string) SymbolState {
	t.mu.RLock()
	s, ok := t.states[key]
	t.mu.RUnlock()
	if !ok {
		s = SymbolState{Key: key, Symbol: symbol, Timeframe: tf, Phase: PhaseIdle}
	}
	return s
}

func (t *stateTable) put(s SymbolState) {
	t.mu.Lock()
	t.states[s.Key] = s
	t.mu.Unlock()
}

func (t *stateTable) setPhase(key string, phase Phase) {
	t.mu.Lock()
	if s, ok := t.states[key]; ok {
		s.Phase = phase
		t.states[key] = s
	}
	t.mu.Unlock()
}

// apply rewrites every record through fn.
func (t *stateTable) apply(fn func(SymbolState) SymbolState) {
	t.mu.Lock()
	for k, s := range t.states {
		t.states[k] = fn(s)
	}
	t.mu.Unlock()
}

// retain drops records whose symbol is not in keep.
func (t *stateTable) retain(keep map[string]bool) {
	t.mu.Lock()
	for k, s := range t.states {
		if !keep[s.Symbol] {
			delete(t.states, k)
		}
	}
	t.mu.Unlock()
}

// failedSymbols returns symbols with at least one Failed key.
func (t *stateTable) failedSymbols() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool)
	for _, s := range t.states {
		if s.Phase == PhaseFailed {
			out[s.Symbol] = true
		}
	}
	return out
}

func (t *stateTable) snapshot() []SymbolState {
	t.mu.RLock()
	out := make([]SymbolState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// retryLoop runs attempt for one key until it succeeds, the policy gives up, or ctx ends.
// attempt receives a setter so it can report the Upserting phase.
func retryLoop(ctx context.Context, clock Clock, policy BackoffPolicy, table *stateTable, key, symbol, tf string,
	attempt func(ctx context.Context, setPhase func(Phase)) error) error {

	st := table.get(key, symbol, tf)
	if st.Phase == PhaseFailed {
		return errSkipped
	}

	for {
		st.Phase = PhaseFetching
		table.put(st)

		err := attempt(ctx, func(p Phase) { table.setPhase(key, p) })
		if err == nil {
			table.put(policy.OnSuccess(table.get(key, symbol, tf), clock.Now()))
			return nil
		}
		if ctx.Err() != nil || models.IsCancellation(err) {
			st = table.get(key, symbol, tf)
			st.Phase = PhaseIdle
			table.put(st)
			return fmt.Errorf("%s: %w", key, ctxErrOr(ctx, err))
		}

		st = policy.OnFailure(table.get(key, symbol, tf), err, clock.Now())
		table.put(st)
		if st.Phase != PhaseBackoff {
			return err
		}
		if serr := clock.Sleep(ctx, st.NextAttempt.Sub(clock.Now())); serr != nil {
			st.Phase = PhaseIdle
			table.put(st)
			return fmt.Errorf("%s: %w", key, serr)
		}
	}
}

func ctxErrOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runPool calls fn for every item with at most n in flight. A panicking item is logged and counted as done.
func runPool(ctx context.Context, n int, items []string, l *applogger.Logger, fn func(ctx context.Context, item string)) {
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for _, item := range items {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil && l != nil {
					l.Error("worker panic", applogger.String("item", item), applogger.Any("panic", r))
				}
			}()
			fn(ctx, item)
		}(item)
	}
	wg.Wait()
}
