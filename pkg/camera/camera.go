// Package camera acquires a live video stream and binds it to a Sink, the
// decoded-frame holder the rest of the service samples from.
//
// Acquisition mirrors a browser getUserMedia call: a Source is asked for a
// stream matching Constraints, which are a request and not a guarantee. The
// device may deliver another resolution; Sink.Dimensions reports what arrived.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrCameraUnavailable is returned when permission is denied or no device
// matches the requested constraints.
var ErrCameraUnavailable = errors.New("camera unavailable")

// ErrSinkBound is returned when a stream is bound to a sink that already has one.
var ErrSinkBound = errors.New("sink already bound to a stream")

// ErrSinkClosed is returned by operations on a closed sink.
var ErrSinkClosed = errors.New("sink closed")

// FacingMode selects the camera direction relative to the user.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Constraints is the capture configuration requested from a Source.
type Constraints struct {
	Width      int
	Height     int
	FacingMode FacingMode
	// DeviceID pins a specific device; empty picks the first match.
	DeviceID string
	// FrameRate is the ideal capture rate; 0 leaves it to the device.
	FrameRate float64
}

// DefaultConstraints requests 1280x720 from the user-facing camera.
func DefaultConstraints() Constraints {
	return Constraints{
		Width:      1280,
		Height:     720,
		FacingMode: FacingUser,
	}
}

// Validate checks the constraints are usable.
func (c Constraints) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid capture size %dx%d", c.Width, c.Height)
	}
	switch c.FacingMode {
	case "", FacingUser, FacingEnvironment:
	default:
		return fmt.Errorf("invalid facing mode %q", c.FacingMode)
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("invalid frame rate %.2f", c.FrameRate)
	}
	return nil
}

// Stream is a live video stream. Read blocks until the next decoded frame and
// returns an image the caller may keep. Close stops every track of the stream.
type Stream interface {
	Read() (image.Image, error)
	Close() error
}

// Source opens streams, the Go counterpart of navigator.mediaDevices.getUserMedia.
type Source interface {
	Open(ctx context.Context, constraints Constraints) (Stream, error)
}
