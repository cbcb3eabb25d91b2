package segpipeline

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/realtime-ai/billboard/pkg/camera"
	"github.com/realtime-ai/billboard/pkg/segmentation"
)

// CameraState tracks stream acquisition for the current sink.
type CameraState int

const (
	CameraIdle CameraState = iota
	CameraRequested
	CameraBound
	CameraReady
)

func (s CameraState) String() string {
	switch s {
	case CameraIdle:
		return "idle"
	case CameraRequested:
		return "requested"
	case CameraBound:
		return "bound"
	case CameraReady:
		return "ready"
	}
	return fmt.Sprintf("CameraState(%d)", int(s))
}

// ModelState tracks the segmentation model lifecycle. ModelFailed is terminal.
type ModelState int

const (
	ModelUnloaded ModelState = iota
	ModelLoading
	ModelLoaded
	ModelFailed
)

func (s ModelState) String() string {
	switch s {
	case ModelUnloaded:
		return "unloaded"
	case ModelLoading:
		return "loading"
	case ModelLoaded:
		return "loaded"
	case ModelFailed:
		return "failed"
	}
	return fmt.Sprintf("ModelState(%d)", int(s))
}

// OverlapPolicy decides what a tick does while an inference is in flight.
type OverlapPolicy int

const (
	// OverlapDrop skips the tick. At most one inference runs at a time.
	OverlapDrop OverlapPolicy = iota
	// OverlapAllow starts another inference; the last write to the texture wins.
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "drop"
}

// ParseOverlapPolicy accepts "drop" or "allow".
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return OverlapDrop, nil
	case "allow":
		return OverlapAllow, nil
	}
	return OverlapDrop, fmt.Errorf("unknown overlap policy %q", s)
}

// Config parameterizes a pipeline instance.
type Config struct {
	Constraints camera.Constraints
	Multiplier  segmentation.Multiplier
	Segment     segmentation.SegmentOptions
	// Foreground and Background are the mask colors for person and other pixels.
	Foreground color.RGBA
	Background color.RGBA
	Overlap    OverlapPolicy
	// SegmentationEnabled false acquires the camera only; no model is loaded
	// and ticks never infer.
	SegmentationEnabled bool
}

// DefaultConfig returns 1280x720 user-facing capture, multiplier 1,
// threshold 0.5 single-person segmentation and a white on black mask.
func DefaultConfig() Config {
	return Config{
		Constraints:         camera.DefaultConstraints(),
		Multiplier:          segmentation.Multiplier100,
		Segment:             segmentation.DefaultSegmentOptions(),
		Foreground:          segmentation.White,
		Background:          segmentation.Black,
		Overlap:             OverlapDrop,
		SegmentationEnabled: true,
	}
}

// Stats counts tick outcomes.
type Stats struct {
	Ticks        uint64 `json:"ticks"`
	Inferences   uint64 `json:"inferences"`
	Skipped      uint64 `json:"skipped"`
	TicksDropped uint64 `json:"ticksDropped"`
	Failures     uint64 `json:"failures"`
	Discarded    uint64 `json:"discarded"`
	Masks        uint64 `json:"masks"`
}

// State is a snapshot of the pipeline.
type State struct {
	Camera       string  `json:"camera"`
	Model        string  `json:"model"`
	Segmenting   bool    `json:"segmenting"`
	MaskAttached bool    `json:"maskAttached"`
	SinkID       string  `json:"sinkId,omitempty"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Multiplier   float64 `json:"multiplier"`
	Overlap      string  `json:"overlap"`
	Stats        Stats   `json:"stats"`

	CameraState CameraState `json:"-"`
	ModelState  ModelState  `json:"-"`
}

// StateChange is the payload of camera and model state events.
type StateChange struct {
	SinkID string
	Camera CameraState
	Model  ModelState
}

// MaskPublished is the payload of EventMaskPublished.
type MaskPublished struct {
	Version uint64
	Frame   uint64
	Width   int
	Height  int
}
