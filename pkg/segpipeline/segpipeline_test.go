package segpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/realtime-ai/billboard/pkg/camera"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/render"
	"github.com/realtime-ai/billboard/pkg/segmentation"
	"github.com/realtime-ai/billboard/pkg/texture"
)

const (
	waitFor   = 2 * time.Second
	tickEvery = 5 * time.Millisecond
)

var red = color.RGBA{R: 255, A: 255}

type harness struct {
	p      *Pipeline
	stream *camera.MockStream
	source *camera.MockSource
	sink   *camera.Sink
	loader *segmentation.MockLoader
	model  *segmentation.MockModel
	mask   *texture.MaskTexture
	bus    *pipeline.EventBus
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg Config, model *segmentation.MockModel) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	stream := camera.NewMockStream(8, 6)
	source := camera.NewMockSourceWithStream(stream)
	if model == nil {
		model = segmentation.NewHalfMockModel()
	}
	loader := segmentation.NewMockLoaderWithModel(model)
	bus := pipeline.NewEventBus()

	h := &harness{
		p:      New(cfg, source, loader, bus, logger),
		stream: stream,
		source: source,
		sink:   camera.NewSink(logger),
		loader: loader,
		model:  model,
		mask:   texture.NewMaskTexture(),
		bus:    bus,
		logs:   logs,
	}
	t.Cleanup(func() {
		h.p.Close()
		h.sink.Close()
	})
	return h
}

// ready binds the sink, delivers a first frame and waits for Segmenting.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.p.AttachMaskTexture(h.mask)
	h.p.OnVideoSinkBound(h.sink)
	h.stream.Fill(red)
	require.Eventually(t, h.p.Segmenting, waitFor, tickEvery)
}

func (h *harness) tick(frame uint64) {
	h.p.OnRenderTick(context.Background(), render.FrameState{Frame: frame})
}

func assertTwoValued(t *testing.T, img *image.RGBA) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			if c != segmentation.White && c != segmentation.Black {
				t.Fatalf("pixel %d,%d = %v is neither white nor black", x, y, c)
			}
		}
	}
}

func TestParseOverlapPolicy(t *testing.T) {
	p, err := ParseOverlapPolicy("allow")
	require.NoError(t, err)
	assert.Equal(t, OverlapAllow, p)

	p, err = ParseOverlapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverlapDrop, p)

	_, err = ParseOverlapPolicy("queue")
	assert.Error(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", CameraIdle.String())
	assert.Equal(t, "ready", CameraReady.String())
	assert.Equal(t, "loading", ModelLoading.String())
	assert.Equal(t, "failed", ModelFailed.String())
}

func TestLoadModelRequestsMobileNetV1(t *testing.T) {
	for _, m := range segmentation.Multipliers() {
		loader := segmentation.NewMockLoader()
		p := New(DefaultConfig(), camera.NewMockSource(), loader, nil, nil)

		require.NoError(t, p.LoadModel(context.Background(), m))
		assert.Equal(t, ModelLoaded, p.ModelState())

		got, ok := loader.LastLoad()
		require.True(t, ok)
		assert.Equal(t, segmentation.MobileNetV1, got.Architecture)
		assert.Equal(t, 16, got.OutputStride)
		assert.Equal(t, m, got.Multiplier)
		require.NoError(t, p.Close())
	}
}

func TestLoadModelRunsOnce(t *testing.T) {
	loader := segmentation.NewMockLoader()
	p := New(DefaultConfig(), camera.NewMockSource(), loader, nil, nil)
	defer p.Close()

	require.NoError(t, p.LoadModel(context.Background(), segmentation.Multiplier100))
	require.NoError(t, p.LoadModel(context.Background(), segmentation.Multiplier050))
	assert.Equal(t, 1, loader.GetLoadCallCount())
}

func TestLoadModelInvalidMultiplier(t *testing.T) {
	loader := segmentation.NewMockLoader()
	p := New(DefaultConfig(), camera.NewMockSource(), loader, nil, nil)
	defer p.Close()

	err := p.LoadModel(context.Background(), 0.3)
	require.Error(t, err)
	assert.ErrorIs(t, err, segmentation.ErrModelLoad)
	assert.ErrorIs(t, err, segmentation.ErrInvalidMultiplier)
	assert.Equal(t, ModelFailed, p.ModelState())
	assert.Equal(t, 0, loader.GetLoadCallCount())
}

func TestLoadModelFailureIsObservable(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bus := pipeline.NewEventBus()
	failed := make(chan pipeline.Event, 1)
	bus.Subscribe(pipeline.EventModelLoadFailed, failed)

	loader := segmentation.NewFailingMockLoader(errors.New("weights not found"))
	p := New(DefaultConfig(), camera.NewMockSource(), loader, bus, zap.New(core).Sugar())
	defer p.Close()

	err := p.LoadModel(context.Background(), segmentation.Multiplier075)
	require.Error(t, err)
	assert.ErrorIs(t, err, segmentation.ErrModelLoad)
	assert.Equal(t, ModelFailed, p.ModelState())

	select {
	case evt := <-failed:
		assert.Equal(t, pipeline.EventModelLoadFailed, evt.Type)
	case <-time.After(waitFor):
		t.Fatal("no model load failure event")
	}
	assert.Equal(t, 1, logs.FilterMessage("model load failed").Len())

	// Failed is terminal.
	require.NoError(t, p.LoadModel(context.Background(), segmentation.Multiplier075))
	assert.Equal(t, 1, loader.GetLoadCallCount())
}

func TestTickIsNoopUntilReady(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.p.AttachMaskTexture(h.mask)

	h.tick(1)
	assert.Equal(t, CameraIdle, h.p.CameraState())

	h.p.OnVideoSinkBound(h.sink)
	require.Eventually(t, func() bool {
		return h.p.ModelState() == ModelLoaded && h.p.CameraState() == CameraBound
	}, waitFor, tickEvery)

	// Model loaded, camera bound but no frame yet.
	h.tick(2)
	h.p.Wait()

	assert.Equal(t, 0, h.model.GetSegmentCallCount())
	assert.Equal(t, uint64(0), h.mask.Version())
	assert.False(t, h.mask.Dirty())

	st := h.p.Stats()
	assert.Equal(t, uint64(2), st.Ticks)
	assert.Equal(t, uint64(2), st.Skipped)
	assert.Equal(t, uint64(0), st.Inferences)
}

func TestTickWithoutTextureIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.ready(t)
	h.p.DetachMaskTexture()

	h.tick(1)
	h.p.Wait()
	assert.Equal(t, 0, h.model.GetSegmentCallCount())
	assert.False(t, h.p.State().MaskAttached)
}

func TestFirstTickAfterReadyInfersOnce(t *testing.T) {
	var mu sync.Mutex
	var seen []color.RGBA
	model := segmentation.NewMockModelWithFunc(func(ctx context.Context, frame image.Image, opts segmentation.SegmentOptions) (*segmentation.Segmentation, error) {
		mu.Lock()
		seen = append(seen, color.RGBAModel.Convert(frame.At(0, 0)).(color.RGBA))
		mu.Unlock()

		assert.Equal(t, 0.5, opts.ScoreThreshold)
		assert.Equal(t, 1, opts.MaxDetections)

		b := frame.Bounds()
		seg := segmentation.NewSegmentation(b.Dx(), b.Dy())
		seg.Data[0] = 1
		return seg, nil
	})
	h := newHarness(t, DefaultConfig(), model)
	h.ready(t)

	blue := color.RGBA{B: 255, A: 255}
	h.stream.Fill(blue)
	require.Eventually(t, func() bool {
		f, ok := h.sink.CurrentFrame()
		return ok && f.Seq == 2
	}, waitFor, tickEvery)

	h.tick(1)
	h.p.Wait()

	require.Equal(t, 1, model.GetSegmentCallCount())
	mu.Lock()
	assert.Equal(t, []color.RGBA{blue}, seen, "inference uses the then-current frame")
	mu.Unlock()

	assert.True(t, h.mask.Dirty())
	snap, version, ok := h.mask.Snapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, image.Rect(0, 0, 8, 6), snap.Bounds())
	assert.Equal(t, segmentation.White, snap.RGBAAt(0, 0))
	assert.Equal(t, segmentation.Black, snap.RGBAAt(1, 0))
	assertTwoValued(t, snap)

	st := h.p.Stats()
	assert.Equal(t, uint64(1), st.Inferences)
	assert.Equal(t, uint64(1), st.Masks)
}

func TestMaskPublishedEvent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	published := make(chan pipeline.Event, 4)
	h.bus.Subscribe(pipeline.EventMaskPublished, published)
	h.ready(t)

	h.tick(7)
	h.p.Wait()

	select {
	case evt := <-published:
		mp, ok := evt.Payload.(MaskPublished)
		require.True(t, ok)
		assert.Equal(t, uint64(7), mp.Frame)
		assert.Equal(t, uint64(1), mp.Version)
		assert.Equal(t, 8, mp.Width)
	case <-time.After(waitFor):
		t.Fatal("no mask published event")
	}
}

func TestSameSinkBoundTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.p.OnVideoSinkBound(h.sink)
	h.p.OnVideoSinkBound(h.sink)
	h.p.Wait()

	assert.Equal(t, 1, h.source.GetOpenCallCount())
	assert.Equal(t, 1, h.loader.GetLoadCallCount())
	assert.Equal(t, 1, h.sink.PendingListeners())
}

func TestNewSinkReplacesCamera(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	streams := []*camera.MockStream{camera.NewMockStream(4, 4), camera.NewMockStream(4, 4)}
	var mu sync.Mutex
	h.source.OpenFunc = func(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		s := streams[0]
		streams = streams[1:]
		return s, nil
	}
	first, second := streams[0], streams[1]

	h.p.OnVideoSinkBound(h.sink)
	h.p.Wait()
	assert.Equal(t, CameraBound, h.p.CameraState())

	other := camera.NewSink(nil)
	defer other.Close()
	h.p.OnVideoSinkBound(other)
	h.p.Wait()

	assert.Equal(t, 2, h.source.GetOpenCallCount())
	assert.Equal(t, 1, h.loader.GetLoadCallCount(), "the model is loaded once per pipeline")
	assert.True(t, first.Closed(), "previous camera tracks are stopped")
	assert.False(t, second.Closed())
	assert.Equal(t, other.ID(), h.p.State().SinkID)
	assert.Equal(t, CameraBound, h.p.CameraState())
}

func TestCameraDeniedStaysIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	unavailable := make(chan pipeline.Event, 1)
	h.bus.Subscribe(pipeline.EventCameraUnavailable, unavailable)
	h.source.OpenFunc = func(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
		return nil, errors.New("permission denied")
	}

	h.p.AttachMaskTexture(h.mask)
	h.p.OnVideoSinkBound(h.sink)
	h.p.Wait()

	assert.Equal(t, CameraIdle, h.p.CameraState())
	assert.Equal(t, ModelLoaded, h.p.ModelState(), "the model loads regardless of the camera")

	select {
	case evt := <-unavailable:
		err, ok := evt.Payload.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, camera.ErrCameraUnavailable)
	case <-time.After(waitFor):
		t.Fatal("no camera unavailable event")
	}

	entries := h.logs.FilterMessage("camera unavailable").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)

	for i := uint64(1); i <= 5; i++ {
		h.tick(i)
	}
	h.p.Wait()
	assert.Equal(t, 0, h.model.GetSegmentCallCount())
	assert.Equal(t, 1, h.source.GetOpenCallCount(), "no retry")
	assert.Equal(t, CameraIdle, h.p.CameraState())
}

func TestCameraReadyBeforeModel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	release := make(chan struct{})
	h.loader.LoadFunc = func(ctx context.Context, cfg segmentation.LoadConfig) (segmentation.Model, error) {
		<-release
		return h.model, nil
	}

	h.p.AttachMaskTexture(h.mask)
	h.p.OnVideoSinkBound(h.sink)
	h.stream.Fill(red)
	require.Eventually(t, func() bool { return h.p.CameraState() == CameraReady }, waitFor, tickEvery)
	assert.Equal(t, ModelLoading, h.p.ModelState())

	for i := uint64(1); i <= 10; i++ {
		h.tick(i)
	}
	assert.Equal(t, 0, h.model.GetSegmentCallCount())

	close(release)
	require.Eventually(t, h.p.Segmenting, waitFor, tickEvery)
	assert.Equal(t, 0, h.model.GetSegmentCallCount())

	h.tick(11)
	h.p.Wait()
	assert.Equal(t, 1, h.model.GetSegmentCallCount())
}

func blockingModel(release <-chan struct{}, started chan<- struct{}) *segmentation.MockModel {
	return segmentation.NewMockModelWithFunc(func(ctx context.Context, frame image.Image, opts segmentation.SegmentOptions) (*segmentation.Segmentation, error) {
		started <- struct{}{}
		<-release
		b := frame.Bounds()
		seg := segmentation.NewSegmentation(b.Dx(), b.Dy())
		for i := range seg.Data {
			seg.Data[i] = uint8(i % 2)
		}
		return seg, nil
	})
}

func TestOverlappingTicksDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, DefaultConfig(), blockingModel(release, started))
	h.ready(t)

	h.tick(1)
	<-started
	h.tick(2)
	h.tick(3)
	close(release)
	h.p.Wait()

	st := h.p.Stats()
	assert.Equal(t, uint64(1), st.Inferences)
	assert.Equal(t, uint64(2), st.TicksDropped)
	assert.Equal(t, 1, h.model.GetSegmentCallCount())

	snap, _, ok := h.mask.Snapshot()
	require.True(t, ok)
	assertTwoValued(t, snap)

	// The flag clears once the inference finishes.
	h.tick(4)
	<-started
	h.p.Wait()
	assert.Equal(t, uint64(2), h.p.Stats().Inferences)
}

func TestOverlappingTicksAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overlap = OverlapAllow
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, cfg, blockingModel(release, started))
	h.ready(t)

	h.tick(1)
	h.tick(2)
	<-started
	<-started
	close(release)
	h.p.Wait()

	st := h.p.Stats()
	assert.Equal(t, uint64(2), st.Inferences)
	assert.Equal(t, uint64(0), st.TicksDropped)
	assert.Equal(t, uint64(2), h.mask.Version())

	snap, _, ok := h.mask.Snapshot()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 8, 6), snap.Bounds())
	assertTwoValued(t, snap)
}

func TestInferenceFailureRecovers(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	model := segmentation.NewMockModelWithFunc(func(ctx context.Context, frame image.Image, opts segmentation.SegmentOptions) (*segmentation.Segmentation, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, segmentation.ErrInference
		}
		b := frame.Bounds()
		return segmentation.NewSegmentation(b.Dx(), b.Dy()), nil
	})
	h := newHarness(t, DefaultConfig(), model)
	failed := make(chan pipeline.Event, 1)
	h.bus.Subscribe(pipeline.EventInferenceFailed, failed)
	h.ready(t)

	h.tick(1)
	h.p.Wait()
	assert.Equal(t, uint64(0), h.mask.Version())
	assert.Equal(t, uint64(1), h.p.Stats().Failures)
	assert.Len(t, failed, 1)
	assert.Equal(t, 1, h.logs.FilterMessage("inference failed").Len())

	h.tick(2)
	h.p.Wait()
	assert.Equal(t, uint64(1), h.mask.Version())
}

func TestMalformedSegmentationIsAFailure(t *testing.T) {
	results := []*segmentation.Segmentation{
		nil,
		{Width: 8, Height: 6, Data: make([]uint8, 3)},
		{Width: 0, Height: 6},
	}
	var mu sync.Mutex
	calls := 0
	model := segmentation.NewMockModelWithFunc(func(ctx context.Context, frame image.Image, opts segmentation.SegmentOptions) (*segmentation.Segmentation, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= len(results) {
			return results[calls-1], nil
		}
		b := frame.Bounds()
		return segmentation.NewSegmentation(b.Dx(), b.Dy()), nil
	})
	h := newHarness(t, DefaultConfig(), model)
	failed := make(chan pipeline.Event, len(results))
	h.bus.Subscribe(pipeline.EventInferenceFailed, failed)
	h.ready(t)

	for i := range results {
		h.tick(uint64(i + 1))
		h.p.Wait()
	}
	assert.Equal(t, uint64(0), h.mask.Version())
	assert.Equal(t, uint64(len(results)), h.p.Stats().Failures)
	require.Len(t, failed, len(results))
	ev := <-failed
	err, ok := ev.Payload.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, segmentation.ErrInference)

	h.tick(uint64(len(results) + 1))
	h.p.Wait()
	assert.Equal(t, uint64(1), h.mask.Version())
}

func TestCloseCancelsInflightInference(t *testing.T) {
	started := make(chan struct{}, 1)
	model := segmentation.NewMockModelWithFunc(func(ctx context.Context, frame image.Image, opts segmentation.SegmentOptions) (*segmentation.Segmentation, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, DefaultConfig(), model)
	h.ready(t)

	h.tick(1)
	<-started
	require.NoError(t, h.p.Close())

	assert.Equal(t, uint64(0), h.mask.Version())
	assert.Equal(t, uint64(1), h.p.Stats().Discarded)
	assert.Equal(t, uint64(0), h.p.Stats().Failures)
	assert.True(t, model.IsClosed())
	assert.True(t, h.stream.Closed(), "camera tracks are stopped")
}

func TestNoWriteAfterClose(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h := newHarness(t, DefaultConfig(), blockingModel(release, started))
	h.ready(t)

	h.tick(1)
	<-started

	closed := make(chan error, 1)
	go func() { closed <- h.p.Close() }()

	// The model ignores cancellation and returns a result after Close started.
	require.Eventually(t, h.p.isClosed, waitFor, tickEvery)
	close(release)
	require.NoError(t, <-closed)

	assert.Equal(t, uint64(0), h.mask.Version())
	assert.Equal(t, uint64(1), h.p.Stats().Discarded)

	h.tick(2)
	assert.Equal(t, 1, h.model.GetSegmentCallCount())
}

func TestCloseUnregistersFromScheduler(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := render.NewScheduler(60, nil)
	h.p.Register(s)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, h.p.Close())
	assert.Equal(t, 0, s.Len())
	require.NoError(t, h.p.Close())
}

func TestSchedulerDrivesPipeline(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := render.NewScheduler(60, nil)
	h.p.Register(s)
	h.ready(t)

	s.Tick(context.Background(), time.Now())
	h.p.Wait()
	assert.Equal(t, uint64(1), h.mask.Version())
	assert.Equal(t, uint64(1), h.p.Stats().Ticks)
}

func TestSegmentationDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SegmentationEnabled = false
	h := newHarness(t, cfg, nil)

	h.p.AttachMaskTexture(h.mask)
	h.p.OnVideoSinkBound(h.sink)
	h.stream.Fill(red)
	require.Eventually(t, func() bool { return h.p.CameraState() == CameraReady }, waitFor, tickEvery)
	h.p.Wait()

	h.tick(1)
	assert.Equal(t, 0, h.loader.GetLoadCallCount())
	assert.Equal(t, ModelUnloaded, h.p.ModelState())
	assert.Equal(t, 0, h.model.GetSegmentCallCount())

	f, ok := h.p.CurrentFrame()
	require.True(t, ok)
	assert.Equal(t, 8, f.Width())
}

func TestSinkAlreadyDecodedBecomesReady(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.p.OnVideoSinkBound(h.sink)
	h.stream.Fill(red)
	require.Eventually(t, h.p.Segmenting, waitFor, tickEvery)
	assert.Equal(t, 0, h.sink.PendingListeners(), "the listener unregisters after firing")
}

func TestStateSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.ready(t)

	st := h.p.State()
	assert.Equal(t, "ready", st.Camera)
	assert.Equal(t, "loaded", st.Model)
	assert.True(t, st.Segmenting)
	assert.True(t, st.MaskAttached)
	assert.Equal(t, 8, st.Width)
	assert.Equal(t, 6, st.Height)
	assert.Equal(t, "drop", st.Overlap)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"camera":"ready"`)
	assert.NotContains(t, string(data), "CameraState")
}

func TestOperationsAfterClose(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.p.Close())

	h.p.OnVideoSinkBound(h.sink)
	assert.Equal(t, 0, h.source.GetOpenCallCount())
	assert.ErrorIs(t, h.p.LoadModel(context.Background(), segmentation.Multiplier100), ErrClosed)
	assert.ErrorIs(t, h.p.AcquireCamera(context.Background(), h.sink), ErrClosed)
}
