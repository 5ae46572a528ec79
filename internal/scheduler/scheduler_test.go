package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsBadSpecAndDuplicates(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("bad", "not a spec", noop, false))
	require.NoError(t, s.Add("fetch", "@every 60s", noop, false))
	assert.Error(t, s.Add("fetch", "@every 30s", noop, false))
	require.NoError(t, s.Add("retention", "0 0 * * * *", noop, false))

	_, ok := s.Next("fetch")
	assert.True(t, ok)
	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestRunOnStartAndTrigger(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add("fetch", "@every 1h", func(context.Context) error {
		runs.Add(1)
		return nil
	}, true))

	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Trigger("fetch"))
	assert.False(t, s.Trigger("missing"))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopCancelsTaskContext(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, s.Add("slow", "@every 1h", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, true))

	s.Start(context.Background())
	<-started
	require.NoError(t, s.Stop(context.Background()))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPanickingTaskIsContained(t *testing.T) {
	s := New(nil)
	var after atomic.Bool
	require.NoError(t, s.Add("boom", "@every 1h", func(context.Context) error { panic("boom") }, true))
	require.NoError(t, s.Add("ok", "@every 1h", func(context.Context) error {
		after.Store(true)
		return nil
	}, true))

	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	require.Eventually(t, after.Load, time.Second, 5*time.Millisecond)
}
