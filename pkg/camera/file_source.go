//go:build astiav

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

// FileSource plays a video file as if it were a camera. The file loops until
// the stream is closed and frames are paced to the file's frame rate.
type FileSource struct {
	path   string
	loop   bool
	logger *zap.SugaredLogger
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string, loop bool, logger *zap.SugaredLogger) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("file source: empty path")
	}
	return &FileSource{path: path, loop: loop, logger: logging.Or(logger).Named("filesource")}, nil
}

// Open implements Source. Constraints only set the output size; the file's own
// frame size is scaled to Width x Height.
func (f *FileSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	d, err := openDecoder(f.path, c.Width, c.Height)
	if err != nil {
		return nil, err
	}
	fps := c.FrameRate
	if fps <= 0 {
		fps = d.frameRate
	}
	if fps <= 0 {
		fps = 30
	}
	f.logger.Infow("file opened", "path", f.path, "fps", fps, "width", c.Width, "height", c.Height)
	return &fileStream{
		src:      f,
		dec:      d,
		width:    c.Width,
		height:   c.Height,
		interval: time.Duration(float64(time.Second) / fps),
		closed:   make(chan struct{}),
	}, nil
}

type decoder struct {
	fc          *astiav.FormatContext
	cc          *astiav.CodecContext
	ssc         *astiav.SoftwareScaleContext
	pkt         *astiav.Packet
	frame       *astiav.Frame
	scaled      *astiav.Frame
	streamIndex int
	frameRate   float64
	dstWidth    int
	dstHeight   int
}

func openDecoder(path string, width, height int) (*decoder, error) {
	d := &decoder{dstWidth: width, dstHeight: height}

	d.fc = astiav.AllocFormatContext()
	if d.fc == nil {
		return nil, errors.New("failed to allocate format context")
	}
	if err := d.fc.OpenInput(path, nil, nil); err != nil {
		d.fc.Free()
		return nil, fmt.Errorf("open input %s: %w", path, err)
	}
	if err := d.fc.FindStreamInfo(nil); err != nil {
		d.free()
		return nil, fmt.Errorf("find stream info: %w", err)
	}

	var vs *astiav.Stream
	for _, s := range d.fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			vs = s
			break
		}
	}
	if vs == nil {
		d.free()
		return nil, errors.New("no video stream")
	}
	d.streamIndex = vs.Index()
	d.frameRate = vs.AvgFrameRate().Float64()

	codec := astiav.FindDecoder(vs.CodecParameters().CodecID())
	if codec == nil {
		d.free()
		return nil, errors.New("no decoder for video stream")
	}
	d.cc = astiav.AllocCodecContext(codec)
	if d.cc == nil {
		d.free()
		return nil, errors.New("failed to allocate codec context")
	}
	if err := vs.CodecParameters().ToCodecContext(d.cc); err != nil {
		d.free()
		return nil, fmt.Errorf("codec parameters: %w", err)
	}
	if err := d.cc.Open(codec, nil); err != nil {
		d.free()
		return nil, fmt.Errorf("open codec: %w", err)
	}

	d.pkt = astiav.AllocPacket()
	d.frame = astiav.AllocFrame()
	d.scaled = astiav.AllocFrame()
	return d, nil
}

// next decodes the next video frame into an RGBA image. It returns io.EOF at
// the end of the file.
func (d *decoder) next() (image.Image, error) {
	for {
		if err := d.cc.ReceiveFrame(d.frame); err == nil {
			img, err := d.convert()
			d.frame.Unref()
			return img, err
		} else if !errors.Is(err, astiav.ErrEagain) {
			if errors.Is(err, astiav.ErrEof) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("receive frame: %w", err)
		}

		if err := d.fc.ReadFrame(d.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				// Flush the decoder; remaining frames come out of ReceiveFrame.
				if err := d.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
					return nil, fmt.Errorf("flush decoder: %w", err)
				}
				continue
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if d.pkt.StreamIndex() != d.streamIndex {
			d.pkt.Unref()
			continue
		}
		err := d.cc.SendPacket(d.pkt)
		d.pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			return nil, fmt.Errorf("send packet: %w", err)
		}
	}
}

func (d *decoder) convert() (image.Image, error) {
	if d.ssc == nil {
		ssc, err := astiav.CreateSoftwareScaleContext(
			d.frame.Width(), d.frame.Height(), d.frame.PixelFormat(),
			d.dstWidth, d.dstHeight, astiav.PixelFormatRgba,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return nil, fmt.Errorf("create scale context: %w", err)
		}
		d.ssc = ssc
	}
	if err := d.ssc.ScaleFrame(d.frame, d.scaled); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, d.dstWidth, d.dstHeight))
	if err := d.scaled.Data().ToImage(img); err != nil {
		return nil, fmt.Errorf("frame to image: %w", err)
	}
	return img, nil
}

func (d *decoder) free() {
	if d.ssc != nil {
		d.ssc.Free()
	}
	if d.scaled != nil {
		d.scaled.Free()
	}
	if d.frame != nil {
		d.frame.Free()
	}
	if d.pkt != nil {
		d.pkt.Free()
	}
	if d.cc != nil {
		d.cc.Free()
	}
	if d.fc != nil {
		d.fc.CloseInput()
		d.fc.Free()
	}
}

type fileStream struct {
	src      *FileSource
	width    int
	height   int
	interval time.Duration

	mu       sync.Mutex
	dec      *decoder
	lastRead time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fileStream) Read() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wait := s.interval - time.Since(s.lastRead); wait > 0 {
		select {
		case <-s.closed:
			return nil, io.EOF
		case <-time.After(wait):
		}
	}
	select {
	case <-s.closed:
		return nil, io.EOF
	default:
	}

	img, err := s.dec.next()
	if errors.Is(err, io.EOF) && s.src.loop {
		s.dec.free()
		s.dec, err = openDecoder(s.src.path, s.width, s.height)
		if err != nil {
			return nil, err
		}
		img, err = s.dec.next()
	}
	if err != nil {
		return nil, err
	}
	s.lastRead = time.Now()
	return img, nil
}

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.dec != nil {
			s.dec.free()
			s.dec = nil
		}
		s.mu.Unlock()
	})
	return nil
}
