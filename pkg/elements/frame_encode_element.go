package elements

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/trace"
)

const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"

	DefaultJPEGQuality = 80
)

// MediaTypeForFormat maps a format name to the encoded media type.
func MediaTypeForFormat(format string) (pipeline.VideoMediaType, error) {
	switch strings.ToLower(format) {
	case FormatPNG:
		return pipeline.VideoMediaTypePNG, nil
	case FormatJPEG, "jpg":
		return pipeline.VideoMediaTypeJPEG, nil
	default:
		return "", fmt.Errorf("unsupported frame format %q", format)
	}
}

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// EncodeImage encodes img as PNG or JPEG. PNG keeps the alpha channel, JPEG
// drops it.
func EncodeImage(img image.Image, mediaType pipeline.VideoMediaType, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch mediaType {
	case pipeline.VideoMediaTypePNG:
		if err := pngEncoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case pipeline.VideoMediaTypeJPEG:
		if quality <= 0 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("cannot encode to %s", mediaType)
	}
	return buf.Bytes(), nil
}

// FrameEncodeElement turns raw billboard frames into PNG or JPEG bytes.
// Messages that are not raw video pass through untouched.
type FrameEncodeElement struct {
	*pipeline.BaseElement

	logger *zap.SugaredLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFrameEncodeElement creates an encoder for format "png" or "jpeg".
func NewFrameEncodeElement(format string, logger *zap.SugaredLogger) (*FrameEncodeElement, error) {
	if _, err := MediaTypeForFormat(format); err != nil {
		return nil, err
	}

	e := &FrameEncodeElement{
		BaseElement: pipeline.NewBaseElement("frame-encode", 4),
		logger:      logging.Or(logger).Named("encode"),
	}
	e.RegisterProperty(pipeline.PropertyDesc{
		Name:     "format",
		Type:     reflect.TypeOf(""),
		Writable: true,
		Readable: true,
		Default:  strings.ToLower(format),
	})
	e.RegisterProperty(pipeline.PropertyDesc{
		Name:     "jpeg_quality",
		Type:     reflect.TypeOf(0),
		Writable: true,
		Readable: true,
		Default:  DefaultJPEGQuality,
	})
	return e, nil
}

func (e *FrameEncodeElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

func (e *FrameEncodeElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return nil
}

func (e *FrameEncodeElement) settings() (pipeline.VideoMediaType, int, error) {
	format, _ := e.GetProperty("format")
	quality, _ := e.GetProperty("jpeg_quality")
	mediaType, err := MediaTypeForFormat(format.(string))
	return mediaType, quality.(int), err
}

func (e *FrameEncodeElement) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.InChan:
			out := msg
			if msg.Type == pipeline.MsgTypeVideo && msg.VideoData != nil && msg.VideoData.Image != nil {
				encoded, err := e.encode(ctx, msg)
				if err != nil {
					e.logger.Warnw("frame encode failed", "seq", msg.VideoData.Seq, "error", err)
					e.Emit(pipeline.EventWarning, err)
					continue
				}
				out = encoded
			}
			select {
			case e.OutChan <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *FrameEncodeElement) encode(ctx context.Context, msg *pipeline.PipelineMessage) (*pipeline.PipelineMessage, error) {
	_, span := trace.InstrumentElementProcess(ctx, e.GetName(), msg)
	defer span.End()

	mediaType, quality, err := e.settings()
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	data, err := EncodeImage(msg.VideoData.Image, mediaType, quality)
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	trace.AddEvent(span, "frame.encoded",
		trace.VideoAttrs(msg.VideoData.Width, msg.VideoData.Height, len(data), mediaType.String())...)

	vd := *msg.VideoData
	vd.Image = nil
	vd.Data = data
	vd.MediaType = mediaType
	return &pipeline.PipelineMessage{
		Type:      pipeline.MsgTypeVideo,
		SessionID: msg.SessionID,
		Timestamp: msg.Timestamp,
		VideoData: &vd,
		Metadata:  msg.Metadata,
	}, nil
}
