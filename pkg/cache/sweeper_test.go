package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSweeper_SweepOnce(t *testing.T) {
	clock := NewFakeClock(epoch)
	a, err := New[string, int]("a", 10, time.Minute, WithClock(clock))
	require.NoError(t, err)
	b, err := New[string, int]("b", 10, time.Hour, WithClock(clock))
	require.NoError(t, err)

	a.Set("x", 1)
	a.Set("y", 2)
	b.Set("z", 3)
	clock.Advance(2 * time.Minute)

	s := NewSweeper(time.Hour, 2, zaptest.NewLogger(t), a, b)
	removed := s.SweepOnce(context.Background())

	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, a.Size())
	assert.Equal(t, 1, b.Size())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(2), stats.Removed)
}

func TestSweeper_StartStop(t *testing.T) {
	c, err := New[string, int]("short", 10, 5*time.Millisecond)
	require.NoError(t, err)
	c.Set("k", 1)

	s := NewSweeper(10*time.Millisecond, 1, nil, c)
	s.Start(context.Background())
	s.Start(context.Background()) // idempotent

	require.Eventually(t, func() bool {
		return s.Stats().Runs > 0 && c.Size() == 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent

	runs := s.Stats().Runs
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, s.Stats().Runs, "no sweeps after Stop")
}

func TestSweeper_ContextCancelStopsLoop(t *testing.T) {
	c, err := New[string, int]("ctx", 10, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSweeper(5*time.Millisecond, 1, nil, c)
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
