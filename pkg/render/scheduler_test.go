package render

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerDefaults(t *testing.T) {
	s := NewScheduler(0, nil)
	assert.Equal(t, DefaultFPS, s.FPS())
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerTickState(t *testing.T) {
	s := NewScheduler(60, nil)
	ctx := context.Background()

	var states []FrameState
	s.Register(func(ctx context.Context, st FrameState) {
		states = append(states, st)
	})

	t0 := time.Unix(100, 0)
	s.Tick(ctx, t0)
	s.Tick(ctx, t0.Add(16*time.Millisecond))
	s.Tick(ctx, t0.Add(40*time.Millisecond))

	require.Len(t, states, 3)
	assert.Equal(t, uint64(1), states[0].Frame)
	assert.Equal(t, time.Duration(0), states[0].Elapsed)
	assert.Equal(t, uint64(3), states[2].Frame)
	assert.Equal(t, 40*time.Millisecond, states[2].Elapsed)
	assert.Equal(t, 24*time.Millisecond, states[2].Delta)
}

func TestSchedulerRegistrationOrder(t *testing.T) {
	s := NewScheduler(60, nil)
	var order []string
	s.Register(func(context.Context, FrameState) { order = append(order, "a") })
	s.Register(func(context.Context, FrameState) { order = append(order, "b") })
	s.Register(func(context.Context, FrameState) { order = append(order, "c") })

	s.Tick(context.Background(), time.Now())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSchedulerUnregister(t *testing.T) {
	s := NewScheduler(60, nil)
	ctx := context.Background()

	var calls int
	unregister := s.Register(func(context.Context, FrameState) { calls++ })
	s.Tick(ctx, time.Now())
	assert.Equal(t, 1, calls)

	unregister()
	unregister()
	assert.Equal(t, 0, s.Len())

	s.Tick(ctx, time.Now())
	assert.Equal(t, 1, calls, "unregistered callback must not run")
}

func TestSchedulerUnregisterDuringTick(t *testing.T) {
	s := NewScheduler(60, nil)
	var second int

	var unregisterSecond func()
	s.Register(func(context.Context, FrameState) { unregisterSecond() })
	unregisterSecond = s.Register(func(context.Context, FrameState) { second++ })

	s.Tick(context.Background(), time.Now())
	assert.Equal(t, 0, second)
}

func TestSchedulerRun(t *testing.T) {
	s := NewScheduler(200, nil)
	var ticks atomic.Int64
	s.Register(func(context.Context, FrameState) { ticks.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, ticks.Load(), int64(2))
}
