// Package render drives per-frame work: a scheduler that calls registered
// callbacks once per rendered frame, and the billboard that composites the
// camera video with the segmentation mask.
package render

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

// DefaultFPS is the frame rate the scheduler runs at when none is configured.
const DefaultFPS = 60

// FrameState is the elapsed-time context handed to every frame callback.
type FrameState struct {
	// Frame counts ticks from 1.
	Frame uint64
	// Elapsed is the time since the first tick.
	Elapsed time.Duration
	// Delta is the time since the previous tick.
	Delta time.Duration
}

// FrameCallback runs once per frame. Callbacks share the scheduler goroutine
// and must not block; long work belongs in a goroutine of its own.
type FrameCallback func(ctx context.Context, state FrameState)

// Scheduler calls its callbacks in registration order, once per tick.
type Scheduler struct {
	fps    int
	logger *zap.SugaredLogger

	mu        sync.Mutex
	callbacks map[uint64]FrameCallback
	nextID    uint64
	frame     uint64
	start     time.Time
	last      time.Time
}

// NewScheduler creates a scheduler ticking fps times per second.
func NewScheduler(fps int, logger *zap.SugaredLogger) *Scheduler {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Scheduler{
		fps:       fps,
		logger:    logging.Or(logger).Named("scheduler"),
		callbacks: make(map[uint64]FrameCallback),
	}
}

// FPS returns the configured frame rate.
func (s *Scheduler) FPS() int {
	return s.fps
}

// Register adds cb to the frame loop. The returned func unregisters it; after
// it returns, cb is not called again by later ticks.
func (s *Scheduler) Register(cb FrameCallback) (unregister func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.callbacks[id] = cb
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.callbacks, id)
			s.mu.Unlock()
		})
	}
}

// Len returns the number of registered callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

// Tick advances one frame at now and runs every callback synchronously.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) FrameState {
	s.mu.Lock()
	if s.frame == 0 {
		s.start = now
		s.last = now
	}
	s.frame++
	state := FrameState{
		Frame:   s.frame,
		Elapsed: now.Sub(s.start),
		Delta:   now.Sub(s.last),
	}
	s.last = now

	ids := make([]uint64, 0, len(s.callbacks))
	for id := range s.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		cb, ok := s.callbacks[id]
		s.mu.Unlock()
		if ok {
			cb(ctx, state)
		}
	}
	return state
}

// Run ticks at the configured rate until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	s.logger.Infow("frame loop started", "fps", s.fps)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("frame loop stopped", "frames", s.frames())
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Scheduler) frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}
