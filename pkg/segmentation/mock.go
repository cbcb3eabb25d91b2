package segmentation

import (
	"context"
	"image"
	"sync"
)

// MockLoader is a Loader for tests. LoadFunc customizes Load; by default it
// returns a MockModel that marks every pixel as person.
type MockLoader struct {
	LoadFunc func(ctx context.Context, cfg LoadConfig) (Model, error)

	// LoadCalls records every load request.
	LoadCalls []LoadConfig

	mu sync.Mutex
}

// NewMockLoader creates a MockLoader with default behavior.
func NewMockLoader() *MockLoader {
	return &MockLoader{}
}

// NewMockLoaderWithModel creates a MockLoader that always returns model.
func NewMockLoaderWithModel(model Model) *MockLoader {
	return &MockLoader{
		LoadFunc: func(ctx context.Context, cfg LoadConfig) (Model, error) {
			return model, nil
		},
	}
}

// NewFailingMockLoader creates a MockLoader whose loads fail with err.
func NewFailingMockLoader(err error) *MockLoader {
	return &MockLoader{
		LoadFunc: func(ctx context.Context, cfg LoadConfig) (Model, error) {
			return nil, err
		},
	}
}

// Load implements Loader.
func (m *MockLoader) Load(ctx context.Context, cfg LoadConfig) (Model, error) {
	m.mu.Lock()
	m.LoadCalls = append(m.LoadCalls, cfg)
	m.mu.Unlock()

	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, cfg)
	}
	return NewMockModel(), nil
}

// GetLoadCallCount returns the number of times Load was called.
func (m *MockLoader) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.LoadCalls)
}

// LastLoad returns the most recent load request.
func (m *MockLoader) LastLoad() (LoadConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.LoadCalls) == 0 {
		return LoadConfig{}, false
	}
	return m.LoadCalls[len(m.LoadCalls)-1], true
}

// MockModel is a Model for tests. SegmentFunc customizes SegmentPerson; by
// default every pixel is person.
type MockModel struct {
	SegmentFunc func(ctx context.Context, frame image.Image, opts SegmentOptions) (*Segmentation, error)

	// SegmentCalls records the options of every call.
	SegmentCalls []SegmentOptions

	// Closed tracks if Close was called.
	Closed bool

	mu sync.Mutex
}

// NewMockModel creates a MockModel with default behavior.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// NewMockModelWithFunc creates a MockModel that segments with fn.
func NewMockModelWithFunc(fn func(ctx context.Context, frame image.Image, opts SegmentOptions) (*Segmentation, error)) *MockModel {
	return &MockModel{SegmentFunc: fn}
}

// NewHalfMockModel creates a MockModel that classifies the left half of every
// frame as person.
func NewHalfMockModel() *MockModel {
	return NewMockModelWithFunc(func(ctx context.Context, frame image.Image, opts SegmentOptions) (*Segmentation, error) {
		b := frame.Bounds()
		seg := NewSegmentation(b.Dx(), b.Dy())
		for y := 0; y < seg.Height; y++ {
			for x := 0; x < seg.Width/2; x++ {
				seg.Data[y*seg.Width+x] = 1
			}
		}
		return seg, nil
	})
}

// SegmentPerson implements Model.
func (m *MockModel) SegmentPerson(ctx context.Context, frame image.Image, opts SegmentOptions) (*Segmentation, error) {
	m.mu.Lock()
	m.SegmentCalls = append(m.SegmentCalls, opts)
	closed := m.Closed
	m.mu.Unlock()

	if closed {
		return nil, ErrModelClosed
	}
	if m.SegmentFunc != nil {
		return m.SegmentFunc(ctx, frame, opts)
	}

	b := frame.Bounds()
	seg := NewSegmentation(b.Dx(), b.Dy())
	for i := range seg.Data {
		seg.Data[i] = 1
	}
	return seg, nil
}

// Close implements Model.
func (m *MockModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockModel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// GetSegmentCallCount returns the number of times SegmentPerson was called.
func (m *MockModel) GetSegmentCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SegmentCalls)
}

var (
	_ Loader = (*MockLoader)(nil)
	_ Model  = (*MockModel)(nil)
)
