// Package segpipeline runs the webcam to segmentation mask pipeline.
//
// A Pipeline is driven by two asynchronous inputs and a periodic trigger:
// the camera becoming ready (first decoded frame on the sink), the model
// finishing its load, and render ticks. Once both inputs are in and a mask
// texture is attached, every admitted tick samples the current frame, runs
// person segmentation on it and writes a two-valued mask into the texture.
//
//	p := segpipeline.New(cfg, source, loader, bus, logger)
//	p.AttachMaskTexture(mask)
//	p.Register(scheduler)
//	p.OnVideoSinkBound(sink)
//	defer p.Close()
package segpipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/camera"
	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/render"
	"github.com/realtime-ai/billboard/pkg/segmentation"
	"github.com/realtime-ai/billboard/pkg/texture"
	"github.com/realtime-ai/billboard/pkg/trace"
)

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = errors.New("segmentation pipeline closed")

// errStaleSink is returned when a newer sink replaced the one an operation
// was started for.
var errStaleSink = errors.New("sink replaced")

// Pipeline owns the camera handle, the model and the tick handler.
type Pipeline struct {
	cfg    Config
	source camera.Source
	loader segmentation.Loader
	bus    pipeline.Bus
	logger *zap.SugaredLogger

	// ctx lives until Close; acquisitions, loads and inferences derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	sink           *camera.Sink
	removeListener func()
	handle         *camera.Handle
	model          segmentation.Model
	cameraState    CameraState
	modelState     ModelState
	mask           *texture.MaskTexture
	unregister     func()
	closed         bool

	inFlight atomic.Bool
	wg       sync.WaitGroup

	ticks        atomic.Uint64
	inferences   atomic.Uint64
	skipped      atomic.Uint64
	ticksDropped atomic.Uint64
	failures     atomic.Uint64
	discarded    atomic.Uint64
	masks        atomic.Uint64
}

// New creates an idle pipeline. bus and logger may be nil.
func New(cfg Config, source camera.Source, loader segmentation.Loader, bus pipeline.Bus, logger *zap.SugaredLogger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:    cfg,
		source: source,
		loader: loader,
		bus:    bus,
		logger: logging.Or(logger).Named("segpipeline"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds the tick handler to s. Close unregisters it.
func (p *Pipeline) Register(s *render.Scheduler) {
	unregister := s.Register(p.OnRenderTick)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		unregister()
		return
	}
	if p.unregister != nil {
		p.unregister()
	}
	p.unregister = unregister
	p.mu.Unlock()
}

// OnVideoSinkBound reacts to a sink becoming available. The first call for a
// sink instance starts camera acquisition and the model load in the
// background and listens for the sink's first decoded frame; repeated calls
// with the same sink do nothing. A different sink replaces the current one,
// releasing its camera.
func (p *Pipeline) OnVideoSinkBound(sink *camera.Sink) {
	if sink == nil {
		return
	}

	p.mu.Lock()
	if p.closed || sink == p.sink {
		p.mu.Unlock()
		return
	}
	oldHandle, oldRemove := p.handle, p.removeListener
	p.sink = sink
	p.handle = nil
	p.removeListener = nil
	p.cameraState = CameraRequested
	change := p.stateChangeLocked()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.AcquireCamera(p.ctx, sink)
	}()
	if p.cfg.SegmentationEnabled {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = p.LoadModel(p.ctx, p.cfg.Multiplier)
		}()
	}
	p.mu.Unlock()

	if oldRemove != nil {
		oldRemove()
	}
	if oldHandle != nil {
		if err := oldHandle.Close(); err != nil {
			p.logger.Warnw("failed to release previous camera", "error", err)
		}
	}

	p.logger.Infow("video sink bound", "sink", sink.ID())
	p.publish(pipeline.EventCameraStateChanged, change)

	// Registered outside the lock: a sink that already decoded a frame runs
	// the listener synchronously.
	remove := sink.OnceFrameDecoded(func(f camera.Frame) {
		p.onFirstFrame(sink, f)
	})
	p.mu.Lock()
	if p.sink == sink && !p.closed {
		p.removeListener = remove
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	remove()
}

func (p *Pipeline) onFirstFrame(sink *camera.Sink, f camera.Frame) {
	p.mu.Lock()
	if p.closed || p.sink != sink {
		p.mu.Unlock()
		return
	}
	p.cameraState = CameraReady
	p.removeListener = nil
	change := p.stateChangeLocked()
	p.mu.Unlock()

	p.logger.Infow("camera ready", "sink", sink.ID(), "width", f.Width(), "height", f.Height())
	p.publish(pipeline.EventCameraFirstFrame, f)
	p.publish(pipeline.EventCameraStateChanged, change)
}

// AcquireCamera requests a stream for sink and starts playback. On failure the
// camera state returns to idle and stays there; nothing retries. It is run in
// the background by OnVideoSinkBound and nobody waits for it.
func (p *Pipeline) AcquireCamera(ctx context.Context, sink *camera.Sink) error {
	c := p.cfg.Constraints
	ctx, span := trace.InstrumentCameraAcquire(ctx, sink.ID(), c.Width, c.Height, string(c.FacingMode))
	defer span.End()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.sink != sink {
		p.mu.Unlock()
		return errStaleSink
	}
	p.mu.Unlock()

	handle, err := camera.Acquire(ctx, p.source, sink, c)
	if err != nil {
		trace.RecordError(span, err)
		p.logger.Warnw("camera unavailable", "sink", sink.ID(), "error", err)

		p.mu.Lock()
		current := p.sink == sink && !p.closed
		if current {
			p.cameraState = CameraIdle
		}
		change := p.stateChangeLocked()
		p.mu.Unlock()

		if current {
			p.publish(pipeline.EventCameraUnavailable, err)
			p.publish(pipeline.EventCameraStateChanged, change)
		}
		return err
	}

	p.mu.Lock()
	if p.closed || p.sink != sink {
		p.mu.Unlock()
		handle.Close()
		if p.isClosed() {
			return ErrClosed
		}
		return errStaleSink
	}
	p.handle = handle
	if p.cameraState == CameraRequested {
		p.cameraState = CameraBound
	}
	change := p.stateChangeLocked()
	p.mu.Unlock()

	p.logger.Infow("camera stream bound", "sink", sink.ID(),
		"requestedWidth", c.Width, "requestedHeight", c.Height, "facingMode", c.FacingMode)
	p.publish(pipeline.EventCameraStateChanged, change)
	return nil
}

// LoadModel loads the segmentation model for multiplier. It runs at most once
// per pipeline; later calls return nil without loading. There is no timeout.
// A failed load leaves the model in ModelFailed for good.
func (p *Pipeline) LoadModel(ctx context.Context, multiplier segmentation.Multiplier) error {
	cfg, cfgErr := segmentation.NewLoadConfig(multiplier)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.modelState != ModelUnloaded {
		p.mu.Unlock()
		return nil
	}
	p.modelState = ModelLoading
	change := p.stateChangeLocked()
	p.mu.Unlock()
	p.publish(pipeline.EventModelStateChanged, change)

	ctx, span := trace.InstrumentModelLoad(ctx, string(cfg.Architecture), float64(cfg.Multiplier), cfg.OutputStride)
	defer span.End()

	var model segmentation.Model
	err := cfgErr
	if err == nil {
		model, err = p.loader.Load(ctx, cfg)
	}
	if err != nil {
		if !errors.Is(err, segmentation.ErrModelLoad) {
			err = fmt.Errorf("%w: %w", segmentation.ErrModelLoad, err)
		}
		trace.RecordError(span, err)
		p.logger.Errorw("model load failed", "multiplier", float64(multiplier), "error", err)

		p.mu.Lock()
		if !p.closed {
			p.modelState = ModelFailed
		}
		change := p.stateChangeLocked()
		p.mu.Unlock()

		p.publish(pipeline.EventModelLoadFailed, err)
		p.publish(pipeline.EventModelStateChanged, change)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		model.Close()
		return ErrClosed
	}
	p.model = model
	p.modelState = ModelLoaded
	change = p.stateChangeLocked()
	p.mu.Unlock()

	p.logger.Infow("model loaded", "architecture", cfg.Architecture,
		"multiplier", float64(cfg.Multiplier), "outputStride", cfg.OutputStride)
	p.publish(pipeline.EventModelStateChanged, change)
	return nil
}

// AttachMaskTexture sets the texture masks are written to.
func (p *Pipeline) AttachMaskTexture(t *texture.MaskTexture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mask = t
}

// DetachMaskTexture stops mask writes. Inferences still in flight discard
// their result.
func (p *Pipeline) DetachMaskTexture() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mask = nil
}

// OnRenderTick is the per-frame callback. It does nothing unless the camera
// is ready, the model is loaded and a mask texture is attached. Otherwise it
// samples the current frame and starts an inference in the background,
// subject to the overlap policy.
func (p *Pipeline) OnRenderTick(ctx context.Context, state render.FrameState) {
	p.ticks.Add(1)

	p.mu.Lock()
	if p.closed || p.cameraState != CameraReady || p.modelState != ModelLoaded || p.mask == nil {
		p.mu.Unlock()
		p.skipped.Add(1)
		return
	}
	frame, ok := p.sink.CurrentFrame()
	if !ok {
		p.mu.Unlock()
		p.skipped.Add(1)
		return
	}
	if p.cfg.Overlap == OverlapDrop && !p.inFlight.CompareAndSwap(false, true) {
		p.mu.Unlock()
		p.ticksDropped.Add(1)
		p.publish(pipeline.EventTickDropped, state)
		return
	}
	model, target := p.model, p.mask
	p.wg.Add(1)
	p.mu.Unlock()

	go p.infer(state, frame, model, target)
}

func (p *Pipeline) infer(state render.FrameState, frame camera.Frame, model segmentation.Model, target *texture.MaskTexture) {
	defer p.wg.Done()
	if p.cfg.Overlap == OverlapDrop {
		defer p.inFlight.Store(false)
	}

	opts := p.cfg.Segment
	ctx, span := trace.InstrumentSegmentation(p.ctx, state.Frame, frame.Width(), frame.Height(),
		opts.ScoreThreshold, opts.MaxDetections)
	defer span.End()

	p.inferences.Add(1)
	seg, err := model.SegmentPerson(ctx, frame.Image, opts)
	if err != nil && ctx.Err() != nil {
		p.discarded.Add(1)
		return
	}
	var mask *image.RGBA
	if err == nil {
		mask, err = segmentation.ToMask(seg, p.cfg.Foreground, p.cfg.Background)
	}
	if err != nil {
		p.failures.Add(1)
		trace.RecordError(span, err)
		trace.SetAttributes(span, trace.ErrorAttrs("inference", err.Error())...)
		p.logger.With(trace.LogFields(ctx)...).Warnw("inference failed", "frame", state.Frame, "error", err)
		p.publish(pipeline.EventInferenceFailed, err)
		return
	}

	// The write happens under the pipeline lock so that nothing lands after
	// Close or DetachMaskTexture returns.
	p.mu.Lock()
	if p.closed || ctx.Err() != nil || p.mask != target {
		p.mu.Unlock()
		p.discarded.Add(1)
		return
	}
	version := target.Update(mask)
	p.mu.Unlock()
	p.masks.Add(1)
	trace.AddEvent(span, "mask.published", trace.MaskAttrs(version, seg.PersonPixels())...)

	p.publish(pipeline.EventMaskPublished, MaskPublished{
		Version: version,
		Frame:   state.Frame,
		Width:   seg.Width,
		Height:  seg.Height,
	})
}

// CurrentFrame returns the latest decoded frame of the current sink. It makes
// the pipeline the billboard's video source.
func (p *Pipeline) CurrentFrame() (camera.Frame, bool) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return camera.Frame{}, false
	}
	return sink.CurrentFrame()
}

// Segmenting reports whether the camera is ready and the model loaded.
func (p *Pipeline) Segmenting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cameraState == CameraReady && p.modelState == ModelLoaded
}

// CameraState returns the camera state.
func (p *Pipeline) CameraState() CameraState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cameraState
}

// ModelState returns the model state.
func (p *Pipeline) ModelState() ModelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelState
}

// Stats returns the tick counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ticks:        p.ticks.Load(),
		Inferences:   p.inferences.Load(),
		Skipped:      p.skipped.Load(),
		TicksDropped: p.ticksDropped.Load(),
		Failures:     p.failures.Load(),
		Discarded:    p.discarded.Load(),
		Masks:        p.masks.Load(),
	}
}

// State returns a snapshot for status reporting.
func (p *Pipeline) State() State {
	p.mu.Lock()
	st := State{
		Camera:       p.cameraState.String(),
		Model:        p.modelState.String(),
		Segmenting:   p.cameraState == CameraReady && p.modelState == ModelLoaded,
		MaskAttached: p.mask != nil,
		Multiplier:   float64(p.cfg.Multiplier),
		Overlap:      p.cfg.Overlap.String(),
		CameraState:  p.cameraState,
		ModelState:   p.modelState,
	}
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		st.SinkID = sink.ID()
		st.Width, st.Height = sink.Dimensions()
	}
	st.Stats = p.Stats()
	return st
}

// Wait blocks until background acquisitions, loads and inferences finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close tears the pipeline down: it leaves the frame loop, cancels in-flight
// work, stops the camera tracks and releases the model. No mask is written
// after Close returns. Close is idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	unregister, remove, handle := p.unregister, p.removeListener, p.handle
	p.unregister, p.removeListener, p.handle = nil, nil, nil
	p.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if remove != nil {
		remove()
	}
	p.cancel()

	var errs []error
	if handle != nil {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close camera: %w", err))
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	model := p.model
	p.model = nil
	p.mu.Unlock()
	if model != nil {
		if err := model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}

	p.logger.Infow("pipeline closed", "stats", p.Stats())
	return errors.Join(errs...)
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) stateChangeLocked() StateChange {
	sc := StateChange{Camera: p.cameraState, Model: p.modelState}
	if p.sink != nil {
		sc.SinkID = p.sink.ID()
	}
	return sc
}

func (p *Pipeline) publish(eventType pipeline.EventType, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(pipeline.NewEvent(eventType, payload))
}
