package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
)

// MockSource is a Source for tests. OpenFunc customizes Open; by default it
// returns a MockStream that yields solid frames of the requested size.
type MockSource struct {
	OpenFunc func(ctx context.Context, c Constraints) (Stream, error)

	// OpenCalls records the constraints of every Open call.
	OpenCalls []Constraints

	mu sync.Mutex
}

// NewMockSource returns a source whose streams produce frames on demand.
func NewMockSource() *MockSource {
	return &MockSource{}
}

// NewDeniedMockSource returns a source that always fails, like a user refusing
// the camera permission prompt.
func NewDeniedMockSource() *MockSource {
	return &MockSource{
		OpenFunc: func(ctx context.Context, c Constraints) (Stream, error) {
			return nil, errors.New("permission denied")
		},
	}
}

// NewMockSourceWithStream returns a source that always hands out stream.
func NewMockSourceWithStream(stream Stream) *MockSource {
	return &MockSource{
		OpenFunc: func(ctx context.Context, c Constraints) (Stream, error) {
			return stream, nil
		},
	}
}

// Open implements Source.
func (m *MockSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, c)
	m.mu.Unlock()

	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, c)
	}
	return NewMockStream(c.Width, c.Height), nil
}

// GetOpenCallCount returns the number of times Open was called.
func (m *MockSource) GetOpenCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// MockStream delivers the frames pushed with Push. Read blocks until a frame
// is pushed or the stream is closed.
type MockStream struct {
	frames chan image.Image
	done   chan struct{}
	width  int
	height int

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// NewMockStream creates a stream whose Fill frames are width x height.
func NewMockStream(width, height int) *MockStream {
	return &MockStream{
		frames: make(chan image.Image, 16),
		done:   make(chan struct{}),
		width:  width,
		height: height,
	}
}

// Push queues a frame for Read.
func (s *MockStream) Push(img image.Image) {
	select {
	case s.frames <- img:
	case <-s.done:
	}
}

// Fill pushes a solid frame of the stream's size.
func (s *MockStream) Fill(c color.Color) {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.Set(x, y, c)
		}
	}
	s.Push(img)
}

// Read implements Stream.
func (s *MockStream) Read() (image.Image, error) {
	select {
	case img := <-s.frames:
		return img, nil
	case <-s.done:
		return nil, io.EOF
	}
}

// Close implements Stream.
func (s *MockStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ Source = (*MockSource)(nil)
	_ Stream = (*MockStream)(nil)
)
