package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/billboard/pkg/pipeline"
)

// InstrumentPipelineStart creates a span for pipeline start
func InstrumentPipelineStart(ctx context.Context, pipelineName string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("pipeline.%s.start", pipelineName),
		trace.WithAttributes(
			attribute.String(AttrPipelineName, pipelineName),
		),
	)
}

// InstrumentPipelineStop creates a span for pipeline stop
func InstrumentPipelineStop(ctx context.Context, pipelineName string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("pipeline.%s.stop", pipelineName),
		trace.WithAttributes(
			attribute.String(AttrPipelineName, pipelineName),
		),
	)
}

// InstrumentElementProcess creates a span for element message processing
func InstrumentElementProcess(ctx context.Context, elementName string, msg *pipeline.PipelineMessage) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("element.%s.process", elementName)

	attrs := []attribute.KeyValue{
		attribute.String(AttrPipelineElement, elementName),
		attribute.String(AttrSessionID, msg.SessionID),
		attribute.Int(AttrMessageType, int(msg.Type)),
	}

	if msg.Type == pipeline.MsgTypeVideo && msg.VideoData != nil {
		attrs = append(attrs, VideoAttrs(
			msg.VideoData.Width,
			msg.VideoData.Height,
			len(msg.VideoData.Data),
			msg.VideoData.MediaType.String(),
		)...)
	}

	return StartSpan(ctx, spanName, trace.WithAttributes(attrs...))
}
