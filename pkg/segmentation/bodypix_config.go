package segmentation

import (
	"fmt"
	"path/filepath"
)

// BodyPixConfig locates the BodyPix model files and tunes the session.
type BodyPixConfig struct {
	// ModelDir holds one ONNX file per multiplier.
	ModelDir string
	// LibraryPath points at libonnxruntime; empty searches the usual locations.
	LibraryPath string
	// InternalResolution scales frames before inference (0.5 = "medium").
	InternalResolution float64
	// InputName and OutputName are the graph's tensor names.
	InputName  string
	OutputName string
	// Threads is the intra-op thread count.
	Threads int
}

func (c BodyPixConfig) withDefaults() BodyPixConfig {
	if c.ModelDir == "" {
		c.ModelDir = "models"
	}
	if c.InternalResolution <= 0 || c.InternalResolution > 1 {
		c.InternalResolution = 0.5
	}
	if c.InputName == "" {
		c.InputName = "image"
	}
	if c.OutputName == "" {
		c.OutputName = "float_segments"
	}
	if c.Threads <= 0 {
		c.Threads = 2
	}
	return c
}

// ModelPath returns the model file for a load request.
func (c BodyPixConfig) ModelPath(cfg LoadConfig) string {
	name := fmt.Sprintf("bodypix_mobilenetv1_%03d_stride%d.onnx", cfg.Multiplier.Percent(), cfg.OutputStride)
	return filepath.Join(c.withDefaults().ModelDir, name)
}
