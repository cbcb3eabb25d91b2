package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentCameraAcquire creates a span for a camera stream request
func InstrumentCameraAcquire(ctx context.Context, sinkID string, width, height int, facingMode string) (context.Context, trace.Span) {
	return StartSpan(ctx, "camera.acquire",
		trace.WithAttributes(
			CameraAttrs(sinkID, width, height, facingMode)...,
		),
	)
}

// InstrumentModelLoad creates a span for a segmentation model load
func InstrumentModelLoad(ctx context.Context, architecture string, multiplier float64, outputStride int) (context.Context, trace.Span) {
	return StartSpan(ctx, "model.load",
		trace.WithAttributes(
			ModelAttrs(architecture, multiplier, outputStride)...,
		),
	)
}

// InstrumentSegmentation creates a span for one inference over a sampled frame
func InstrumentSegmentation(ctx context.Context, frame uint64, width, height int, threshold float64, maxDetections int) (context.Context, trace.Span) {
	return StartSpan(ctx, "segmentation.infer",
		trace.WithAttributes(
			attribute.Int64(AttrRenderFrame, int64(frame)),
			attribute.Int(AttrVideoWidth, width),
			attribute.Int(AttrVideoHeight, height),
			attribute.Float64(AttrSegmentThreshold, threshold),
			attribute.Int(AttrSegmentMaxDetections, maxDetections),
		),
	)
}

// InstrumentVideoProcessing creates a span for video processing operations
func InstrumentVideoProcessing(ctx context.Context, operation string, inputSize, outputSize int) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("video.%s", operation),
		trace.WithAttributes(
			attribute.String("video.operation", operation),
			attribute.Int("video.input_size", inputSize),
			attribute.Int("video.output_size", outputSize),
		),
	)
}
