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
)

var testPolicy = BackoffPolicy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, MaxRetries: 3}

func TestBackoffPolicy_Delay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{7, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, testPolicy.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffPolicy_OnFailure(t *testing.T) {
	base := SymbolState{Key: "ACME/1m", Symbol: "ACME", Phase: PhaseFetching}
	transient := models.NewTransientError("p", "ACME", errors.New("503"))

	tests := []struct {
		name      string
		state     SymbolState
		err       error
		phase     Phase
		attempts  int
		nextAfter time.Duration
	}{
		{"first transient backs off base", base, transient, PhaseBackoff, 1, 500 * time.Millisecond},
		{"second transient doubles", SymbolState{Attempts: 1}, transient, PhaseBackoff, 2, time.Second},
		{"retries exhausted degrade", SymbolState{Attempts: 3}, transient, PhaseDegraded, 4, 0},
		{"retry-after hint wins", base, models.NewRateLimitedError("p", "ACME", 5*time.Second, nil), PhaseBackoff, 1, 5 * time.Second},
		{"short hint loses to backoff", SymbolState{Attempts: 2}, models.NewRateLimitedError("p", "ACME", 100*time.Millisecond, nil), PhaseBackoff, 3, 2 * time.Second},
		{"not found is permanent", base, models.NewNotFoundError("p", "ACME"), PhaseFailed, 0, 0},
		{"unauthorized is permanent", base, models.NewUnauthorizedError("p", "ACME", nil), PhaseFailed, 0, 0},
		{"plain errors are transient", base, errors.New("boom"), PhaseBackoff, 1, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := testPolicy.OnFailure(tt.state, tt.err, t0)
			assert.Equal(t, tt.phase, got.Phase)
			assert.Equal(t, tt.attempts, got.Attempts)
			if tt.nextAfter > 0 {
				assert.Equal(t, t0.Add(tt.nextAfter), got.NextAttempt)
			} else {
				assert.True(t, got.NextAttempt.IsZero())
			}
			assert.NotEmpty(t, got.LastError)
		})
	}
}

func TestBackoffPolicy_SuccessAndCycleReset(t *testing.T) {
	s := SymbolState{Phase: PhaseBackoff, Attempts: 2, LastError: "x", FailureKind: "transient", NextAttempt: t0}
	ok := testPolicy.OnSuccess(s, t0)
	assert.Equal(t, PhaseIdle, ok.Phase)
	assert.Zero(t, ok.Attempts)
	assert.Empty(t, ok.LastError)
	assert.Equal(t, t0, ok.LastSuccess)

	assert.Equal(t, PhaseIdle, testPolicy.StartCycle(SymbolState{Phase: PhaseDegraded, Attempts: 4}).Phase)
	assert.Equal(t, PhaseFailed, testPolicy.StartCycle(SymbolState{Phase: PhaseFailed}).Phase)
}

func TestRetryLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers after transient failures without real sleeps", func(t *testing.T) {
		clock := newFakeClock()
		table := newStateTable()
		calls := 0
		err := retryLoop(ctx, clock, testPolicy, table, "k", "ACME", "1m", func(context.Context, func(Phase)) error {
			calls++
			if calls < 3 {
				return models.NewTransientError("p", "ACME", nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clock.Sleeps())
		assert.Equal(t, PhaseIdle, table.get("k", "ACME", "1m").Phase)
	})

	t.Run("failed key is skipped", func(t *testing.T) {
		table := newStateTable()
		table.put(SymbolState{Key: "k", Symbol: "ACME", Phase: PhaseFailed})
		err := retryLoop(ctx, newFakeClock(), testPolicy, table, "k", "ACME", "1m", func(context.Context, func(Phase)) error {
			t.Fatal("attempt must not run")
			return nil
		})
		assert.ErrorIs(t, err, errSkipped)
	})

	t.Run("cancellation is not a failure", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		table := newStateTable()
		err := retryLoop(cctx, newFakeClock(), testPolicy, table, "k", "ACME", "1m", func(context.Context, func(Phase)) error {
			cancel()
			return models.NewTransientError("p", "ACME", context.Canceled)
		})
		assert.ErrorIs(t, err, context.Canceled)
		st := table.get("k", "ACME", "1m")
		assert.Equal(t, PhaseIdle, st.Phase)
		assert.Zero(t, st.Attempts)
	})
}

func TestRunPool_BoundsConcurrencyAndSurvivesPanics(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f"}
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		done     = make(chan string, len(items))
	)
	runPool(context.Background(), 2, items, nil, func(_ context.Context, item string) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		if item == "c" {
			panic("boom")
		}
		done <- item
	})
	close(done)
	assert.Len(t, done, 5)
	assert.LessOrEqual(t, maxSeen, 2)
}
