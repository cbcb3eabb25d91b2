//go:build !bodypix

package segmentation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// InitRuntime is a no-op without the 'bodypix' build tag.
func InitRuntime(libraryPath string) error { return nil }

// DestroyRuntime is a no-op without the 'bodypix' build tag.
func DestroyRuntime() error { return nil }

// BodyPixLoader is a stub implementation when built without the 'bodypix' build tag.
type BodyPixLoader struct {
	cfg BodyPixConfig
}

// NewBodyPixLoader returns a loader whose Load always fails.
func NewBodyPixLoader(cfg BodyPixConfig, logger *zap.SugaredLogger) *BodyPixLoader {
	return &BodyPixLoader{cfg: cfg.withDefaults()}
}

// Load returns an error indicating that BodyPix support is not built in.
func (l *BodyPixLoader) Load(ctx context.Context, cfg LoadConfig) (Model, error) {
	return nil, fmt.Errorf("%w: %w: rebuild with '-tags bodypix' and ensure ONNX Runtime is installed",
		ErrModelLoad, ErrBackendUnavailable)
}

var _ Loader = (*BodyPixLoader)(nil)
