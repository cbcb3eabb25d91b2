// Package segmentation wraps a pretrained person-segmentation model.
//
// The model is a black box behind two interfaces: a Loader that builds a
// Model from a LoadConfig, and a Model that classifies every pixel of a frame
// as person or background. ToMask turns the result into a two-valued image.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrModelLoad wraps any failure to load a model.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference wraps any failure of a single SegmentPerson call.
	ErrInference = errors.New("inference failed")
	// ErrInvalidMultiplier is returned for a multiplier outside {1, 0.75, 0.5}.
	ErrInvalidMultiplier = errors.New("invalid multiplier")
	// ErrBackendUnavailable is returned when the inference backend is not compiled in.
	ErrBackendUnavailable = errors.New("segmentation backend unavailable")
	// ErrModelClosed is returned by a model used after Close.
	ErrModelClosed = errors.New("model closed")
)

// Architecture identifies the backbone network.
type Architecture string

// MobileNetV1 is the only architecture the service loads.
const MobileNetV1 Architecture = "MobileNetV1"

// DefaultOutputStride is the fixed output stride of the loaded model.
const DefaultOutputStride = 16

// Multiplier is the depth multiplier of the MobileNet backbone. Higher is more
// accurate and slower.
type Multiplier float64

const (
	Multiplier100 Multiplier = 1
	Multiplier075 Multiplier = 0.75
	Multiplier050 Multiplier = 0.5
)

// Multipliers lists every supported multiplier.
func Multipliers() []Multiplier {
	return []Multiplier{Multiplier100, Multiplier075, Multiplier050}
}

// Valid reports whether m is one of the supported multipliers.
func (m Multiplier) Valid() bool {
	switch m {
	case Multiplier100, Multiplier075, Multiplier050:
		return true
	}
	return false
}

// Percent returns the multiplier as an integer percentage (100, 75, 50).
func (m Multiplier) Percent() int {
	return int(float64(m)*100 + 0.5)
}

// LoadConfig parameterizes a model load.
type LoadConfig struct {
	Multiplier   Multiplier
	OutputStride int
	Architecture Architecture
}

// NewLoadConfig returns the load request for multiplier: MobileNetV1 with
// output stride 16. Only the multiplier varies.
func NewLoadConfig(m Multiplier) (LoadConfig, error) {
	cfg := LoadConfig{
		Multiplier:   m,
		OutputStride: DefaultOutputStride,
		Architecture: MobileNetV1,
	}
	return cfg, cfg.Validate()
}

// Validate checks the load request.
func (c LoadConfig) Validate() error {
	if !c.Multiplier.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidMultiplier, float64(c.Multiplier))
	}
	if c.OutputStride != DefaultOutputStride {
		return fmt.Errorf("unsupported output stride %d", c.OutputStride)
	}
	if c.Architecture != MobileNetV1 {
		return fmt.Errorf("unsupported architecture %q", c.Architecture)
	}
	return nil
}

// SegmentOptions tunes a SegmentPerson call.
type SegmentOptions struct {
	// ScoreThreshold is the minimum person score for a pixel to count as person.
	ScoreThreshold float64
	// MaxDetections caps the number of people. The service runs single-person.
	MaxDetections int
}

// DefaultSegmentOptions returns threshold 0.5 and a single detection.
func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{
		ScoreThreshold: 0.5,
		MaxDetections:  1,
	}
}

// Validate checks the options.
func (o SegmentOptions) Validate() error {
	if o.ScoreThreshold < 0 || o.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold must be between 0 and 1, got %.2f", o.ScoreThreshold)
	}
	if o.MaxDetections < 1 {
		return fmt.Errorf("max detections must be at least 1, got %d", o.MaxDetections)
	}
	return nil
}

// Segmentation is a per-pixel person/background classification of one frame.
// Data holds one byte per pixel in row-major order: 1 for person, 0 otherwise.
type Segmentation struct {
	Width  int
	Height int
	Data   []uint8
}

// NewSegmentation allocates an all-background segmentation.
func NewSegmentation(width, height int) *Segmentation {
	return &Segmentation{
		Width:  width,
		Height: height,
		Data:   make([]uint8, width*height),
	}
}

// Validate checks that s is non-empty and holds one value per pixel.
func (s *Segmentation) Validate() error {
	if s == nil {
		return errors.New("nil segmentation")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid segmentation size %dx%d", s.Width, s.Height)
	}
	if len(s.Data) != s.Width*s.Height {
		return fmt.Errorf("segmentation has %d values for %dx%d pixels", len(s.Data), s.Width, s.Height)
	}
	return nil
}

// IsPerson reports whether the pixel at (x, y) was classified as person.
func (s *Segmentation) IsPerson(x, y int) bool {
	return s.Data[y*s.Width+x] != 0
}

// PersonPixels counts the pixels classified as person.
func (s *Segmentation) PersonPixels() int {
	n := 0
	for _, v := range s.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Model is a loaded segmentation model. It is immutable once loaded.
type Model interface {
	// SegmentPerson classifies every pixel of frame. The threshold is applied
	// inside the model; the result is already binary.
	SegmentPerson(ctx context.Context, frame image.Image, opts SegmentOptions) (*Segmentation, error)

	// Close releases the model. The model must not be used afterwards.
	Close() error
}

// Loader builds models.
type Loader interface {
	Load(ctx context.Context, cfg LoadConfig) (Model, error)
}
