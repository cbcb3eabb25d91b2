package camera

import (
	"context"
	"fmt"
)

// Handle is a live stream bound to a playing sink.
type Handle struct {
	sink        *Sink
	stream      Stream
	constraints Constraints
}

// Acquire opens a stream from src, binds it to sink and starts playback. Any
// failure to open the stream is reported as ErrCameraUnavailable.
func Acquire(ctx context.Context, src Source, sink *Sink, constraints Constraints) (*Handle, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}

	stream, err := src.Open(ctx, constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
	}

	if err := sink.Bind(stream); err != nil {
		stream.Close()
		return nil, fmt.Errorf("bind stream: %w", err)
	}
	if err := sink.Play(ctx); err != nil {
		stream.Close()
		return nil, fmt.Errorf("play stream: %w", err)
	}

	return &Handle{
		sink:        sink,
		stream:      stream,
		constraints: constraints,
	}, nil
}

// Sink returns the sink the stream is bound to.
func (h *Handle) Sink() *Sink {
	return h.sink
}

// Constraints returns the requested capture configuration.
func (h *Handle) Constraints() Constraints {
	return h.constraints
}

// Ready reports whether the first frame has arrived.
func (h *Handle) Ready() bool {
	return h.sink.Ready()
}

// Dimensions returns the delivered frame size, which may differ from the request.
func (h *Handle) Dimensions() (width, height int) {
	return h.sink.Dimensions()
}

// Close stops all tracks and the sink.
func (h *Handle) Close() error {
	return h.sink.Close()
}
