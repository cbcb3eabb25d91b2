//go:build !astiav

package camera

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// FileSource is a stub when built without the 'astiav' build tag.
type FileSource struct{}

// NewFileSource returns an error indicating that file playback is not built in.
func NewFileSource(path string, loop bool, logger *zap.SugaredLogger) (*FileSource, error) {
	return nil, errors.New("file camera support is not enabled. Rebuild with '-tags astiav' and ensure FFmpeg is installed")
}

// Open always fails for the stub.
func (f *FileSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	return nil, errors.New("file camera support is not enabled")
}
