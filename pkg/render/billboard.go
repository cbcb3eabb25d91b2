package render

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/camera"
	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/texture"
	"github.com/realtime-ai/billboard/pkg/trace"
)

// FrameSource yields the live video frame used as the billboard's color.
type FrameSource interface {
	CurrentFrame() (camera.Frame, bool)
}

// Publisher receives composited billboard frames. *pipeline.Pipeline is one.
type Publisher interface {
	Push(msg *pipeline.PipelineMessage) bool
}

// Vec3 is a position in scene units.
type Vec3 struct {
	X, Y, Z float64
}

// BillboardConfig places the billboard and picks what it shows.
type BillboardConfig struct {
	// SegmentationEnabled composites the mask as alpha; when false the plain
	// video is shown.
	SegmentationEnabled bool
	Position            Vec3
	// Width and Height of the billboard in scene units.
	Width, Height float64
	// OutputWidth scales published frames to this many pixels wide, keeping
	// the aspect ratio. Zero publishes at video resolution.
	OutputWidth int
}

// DefaultBillboardConfig is a 10x5 billboard left of and below the origin.
func DefaultBillboardConfig() BillboardConfig {
	return BillboardConfig{
		SegmentationEnabled: true,
		Position:            Vec3{X: -4, Y: -2, Z: 0},
		Width:               10,
		Height:              5,
		OutputWidth:         640,
	}
}

// Billboard composites video color with mask alpha once per frame and
// publishes the result. It is the consumer of the mask texture: a dirty mask
// is consumed, clearing the flag.
type Billboard struct {
	cfg       BillboardConfig
	video     FrameSource
	mask      *texture.MaskTexture
	publisher Publisher
	sessionID string
	logger    *zap.SugaredLogger

	mu        sync.RWMutex
	lastSeq   uint64
	lastMask  *image.RGBA
	surface   *image.NRGBA
	latest    image.Image
	published uint64
}

// NewBillboard wires a billboard to its sources. publisher may be nil.
func NewBillboard(cfg BillboardConfig, video FrameSource, mask *texture.MaskTexture, publisher Publisher, sessionID string, logger *zap.SugaredLogger) *Billboard {
	return &Billboard{
		cfg:       cfg,
		video:     video,
		mask:      mask,
		publisher: publisher,
		sessionID: sessionID,
		logger:    logging.Or(logger).Named("billboard"),
	}
}

// Config returns the billboard placement.
func (b *Billboard) Config() BillboardConfig {
	return b.cfg
}

// OnFrame is the billboard's FrameCallback. It renders only when the video
// frame or the mask changed since the last render.
func (b *Billboard) OnFrame(ctx context.Context, state FrameState) {
	frame, ok := b.video.CurrentFrame()
	if !ok {
		return
	}

	b.mu.Lock()
	maskChanged := false
	if b.cfg.SegmentationEnabled && b.mask != nil {
		if m, _, ok := b.mask.Consume(); ok {
			b.lastMask = m
			maskChanged = true
		}
	}
	if frame.Seq == b.lastSeq && !maskChanged {
		b.mu.Unlock()
		return
	}
	b.lastSeq = frame.Seq

	var mask image.Image
	if b.cfg.SegmentationEnabled && b.lastMask != nil {
		mask = b.lastMask
	}
	fb := frame.Image.Bounds()
	_, span := trace.InstrumentVideoProcessing(ctx, "composite", fb.Dx()*fb.Dy(), b.cfg.OutputWidth)
	trace.SetAttributes(span, trace.SessionAttrs(b.sessionID)...)
	b.surface = texture.Composite(b.surface, frame.Image, mask)

	var out image.Image = b.surface
	if b.cfg.OutputWidth > 0 && b.cfg.OutputWidth != b.surface.Rect.Dx() {
		out = resize.Resize(uint(b.cfg.OutputWidth), 0, b.surface, resize.Bilinear)
	} else {
		// The surface is reused next frame; publish a copy.
		cp := image.NewNRGBA(b.surface.Rect)
		copy(cp.Pix, b.surface.Pix)
		out = cp
	}
	span.End()
	b.latest = out
	b.published++
	seq := b.published
	b.mu.Unlock()

	if b.publisher == nil {
		return
	}
	bounds := out.Bounds()
	msg := &pipeline.PipelineMessage{
		Type:      pipeline.MsgTypeVideo,
		SessionID: b.sessionID,
		Timestamp: time.Now(),
		VideoData: &pipeline.VideoData{
			Image:     out,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			MediaType: pipeline.VideoMediaTypeRaw,
			Seq:       seq,
			Timestamp: frame.Timestamp,
		},
	}
	if !b.publisher.Push(msg) {
		b.logger.Debugw("billboard frame dropped", "seq", seq, "frame", state.Frame)
	}
}

// Latest returns the most recently composited billboard.
func (b *Billboard) Latest() (image.Image, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.latest != nil
}

// Published counts rendered billboard frames.
func (b *Billboard) Published() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published
}
