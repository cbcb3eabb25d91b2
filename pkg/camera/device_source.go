package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

var initDriversOnce sync.Once

// DeviceSource opens local camera devices through pion/mediadevices.
type DeviceSource struct {
	logger *zap.SugaredLogger
}

// NewDeviceSource creates a source backed by the local camera drivers.
func NewDeviceSource(logger *zap.SugaredLogger) *DeviceSource {
	return &DeviceSource{logger: logging.Or(logger).Named("camera")}
}

// makeConstraints turns our request into mediadevices constraints. Sizes are
// ideal values, so the driver may pick the closest mode it supports.
func makeConstraints(c Constraints) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.Width = prop.Int(c.Width)
			constraint.Height = prop.Int(c.Height)
			if c.FrameRate > 0 {
				constraint.FrameRate = prop.Float(c.FrameRate)
			}
			if c.DeviceID != "" {
				constraint.DeviceID = prop.StringExact(c.DeviceID)
			}
		},
	}
}

// Open implements Source.
func (d *DeviceSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	initDriversOnce.Do(mediadevicescamera.Initialize)

	if c.FacingMode == FacingEnvironment {
		// Local drivers do not report orientation; pin DeviceID to choose a rear camera.
		d.logger.Warnw("facing mode is not reported by local drivers", "facingMode", c.FacingMode)
	}

	ms, err := mediadevices.GetUserMedia(makeConstraints(c))
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	vt, err := videoTrackOf(ms)
	if err != nil {
		return nil, err
	}

	d.logger.Infow("camera opened",
		"requestedWidth", c.Width, "requestedHeight", c.Height, "track", vt.ID())

	return &deviceStream{
		stream: ms,
		reader: vt.NewReader(true),
	}, nil
}

type deviceStream struct {
	stream mediadevices.MediaStream
	reader video.Reader

	once sync.Once
}

func (s *deviceStream) Read() (image.Image, error) {
	img, release, err := s.reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Close stops every track of the stream.
func (s *deviceStream) Close() error {
	var err error
	s.once.Do(func() {
		err = closeTracks(s.stream)
	})
	return err
}

// videoTrackOf returns the first video track of ms. On failure every track of
// ms is closed, including audio tracks the driver opened alongside.
func videoTrackOf(ms mediadevices.MediaStream) (*mediadevices.VideoTrack, error) {
	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		_ = closeTracks(ms)
		return nil, errors.New("no video track")
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		_ = closeTracks(ms)
		return nil, fmt.Errorf("unexpected track type %T", tracks[0])
	}
	return vt, nil
}

func closeTracks(ms mediadevices.MediaStream) error {
	var errs []error
	for _, t := range ms.GetTracks() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
