package camera

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

// Frame is one decoded video frame held by a Sink.
type Frame struct {
	Image     image.Image
	Seq       uint64
	Timestamp time.Time
}

// Width of the frame in pixels.
func (f Frame) Width() int { return f.Image.Bounds().Dx() }

// Height of the frame in pixels.
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// FrameListener is notified once, when a sink decodes its first frame.
type FrameListener func(Frame)

// readErrorBackoff throttles a stream that keeps failing without closing.
const readErrorBackoff = 50 * time.Millisecond

// Sink receives and decodes a bound stream and keeps the latest frame for
// sampling. It plays the role of a hidden video element: bind a stream, play
// it, and get told once when the first frame has been decoded.
type Sink struct {
	id     string
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	stream    Stream
	latest    *Frame
	seq       uint64
	playing   bool
	closed    bool
	decoded   bool
	listeners map[uint64]FrameListener
	nextID    uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSink creates an unbound sink with a fresh identity.
func NewSink(logger *zap.SugaredLogger) *Sink {
	id := uuid.New().String()
	return &Sink{
		id:        id,
		logger:    logging.Or(logger).Named("sink").With("sink", id),
		listeners: make(map[uint64]FrameListener),
	}
}

// ID identifies the sink instance.
func (s *Sink) ID() string {
	return s.id
}

// Bind attaches a stream to the sink. A sink holds at most one stream.
func (s *Sink) Bind(stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.stream != nil {
		return ErrSinkBound
	}
	s.stream = stream
	return nil
}

// Bound reports whether a stream is attached.
func (s *Sink) Bound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream != nil
}

// Play starts decoding the bound stream in the background. Calling Play on a
// playing sink is a no-op.
func (s *Sink) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.stream == nil {
		return errors.New("play: no stream bound")
	}
	if s.playing {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.playing = true

	s.wg.Add(1)
	go s.decodeLoop(ctx, s.stream)
	return nil
}

func (s *Sink) decodeLoop(ctx context.Context, stream Stream) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		img, err := stream.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.logger.Infow("stream ended", "error", err)
				return
			}
			s.logger.Warnw("frame read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if img == nil {
			continue
		}
		s.store(img)
	}
}

func (s *Sink) store(img image.Image) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	frame := Frame{Image: img, Seq: s.seq, Timestamp: time.Now()}
	s.latest = &frame

	var fire []FrameListener
	if !s.decoded {
		s.decoded = true
		for id, l := range s.listeners {
			fire = append(fire, l)
			delete(s.listeners, id)
		}
		s.logger.Infow("first frame decoded",
			"width", frame.Width(), "height", frame.Height())
	}
	s.mu.Unlock()

	for _, l := range fire {
		l(frame)
	}
}

// OnceFrameDecoded registers a listener for the first decoded frame. The
// listener runs at most once and unregisters itself after firing. Registering
// after the first frame has been decoded runs the listener right away with the
// current frame. The returned func removes a listener that has not fired yet.
func (s *Sink) OnceFrameDecoded(l FrameListener) (remove func()) {
	s.mu.Lock()
	if s.decoded && s.latest != nil {
		frame := *s.latest
		s.mu.Unlock()
		l(frame)
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// PendingListeners returns the number of first-frame listeners still waiting.
func (s *Sink) PendingListeners() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// CurrentFrame returns the most recently decoded frame.
func (s *Sink) CurrentFrame() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Frame{}, false
	}
	return *s.latest, true
}

// Ready reports whether the first frame has been decoded.
func (s *Sink) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decoded
}

// Dimensions returns the size of the latest decoded frame, or zeros before the
// first frame.
func (s *Sink) Dimensions() (width, height int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return 0, 0
	}
	return s.latest.Width(), s.latest.Height()
}

// Close stops decoding and closes the bound stream, stopping its tracks.
// Close is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	stream := s.stream
	s.listeners = make(map[uint64]FrameListener)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if stream != nil {
		// Closing the stream unblocks a pending Read.
		err = stream.Close()
	}
	s.wg.Wait()
	return err
}
