package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Pipeline attributes
	AttrPipelineName    = "pipeline.name"
	AttrPipelineElement = "pipeline.element"
	AttrSessionID       = "session.id"
	AttrMessageType     = "message.type"

	// Video attributes
	AttrVideoWidth     = "video.width"
	AttrVideoHeight    = "video.height"
	AttrVideoMediaType = "video.media_type"
	AttrVideoDataSize  = "video.data_size"

	// Camera attributes
	AttrCameraSink       = "camera.sink"
	AttrCameraWidth      = "camera.width"
	AttrCameraHeight     = "camera.height"
	AttrCameraFacingMode = "camera.facing_mode"

	// Model attributes
	AttrModelArchitecture = "model.architecture"
	AttrModelMultiplier   = "model.multiplier"
	AttrModelOutputStride = "model.output_stride"

	// Segmentation attributes
	AttrSegmentThreshold     = "segmentation.score_threshold"
	AttrSegmentMaxDetections = "segmentation.max_detections"
	AttrSegmentPersonPixels  = "segmentation.person_pixels"
	AttrRenderFrame          = "render.frame"
	AttrMaskVersion          = "mask.version"

	// Connection attributes
	AttrConnectionID    = "connection.id"
	AttrConnectionType  = "connection.type"
	AttrConnectionState = "connection.state"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Helper functions to create common attributes

// SessionAttrs creates attributes for session information
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
}

// VideoAttrs creates attributes for video data
func VideoAttrs(width, height, dataSize int, mediaType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrVideoWidth, width),
		attribute.Int(AttrVideoHeight, height),
		attribute.Int(AttrVideoDataSize, dataSize),
		attribute.String(AttrVideoMediaType, mediaType),
	}
}

// CameraAttrs creates attributes for a capture request
func CameraAttrs(sinkID string, width, height int, facingMode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCameraSink, sinkID),
		attribute.Int(AttrCameraWidth, width),
		attribute.Int(AttrCameraHeight, height),
		attribute.String(AttrCameraFacingMode, facingMode),
	}
}

// ModelAttrs creates attributes for a model load request
func ModelAttrs(architecture string, multiplier float64, outputStride int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModelArchitecture, architecture),
		attribute.Float64(AttrModelMultiplier, multiplier),
		attribute.Int(AttrModelOutputStride, outputStride),
	}
}

// ConnectionAttrs creates attributes for connection information
func ConnectionAttrs(connID, connType, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConnectionID, connID),
		attribute.String(AttrConnectionType, connType),
		attribute.String(AttrConnectionState, state),
	}
}

// MaskAttrs creates attributes for a published mask
func MaskAttrs(version uint64, personPixels int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrMaskVersion, int64(version)),
		attribute.Int(AttrSegmentPersonPixels, personPixels),
	}
}

// ErrorAttrs creates attributes for errors
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
