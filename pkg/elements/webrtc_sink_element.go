package elements

import (
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

// WebRTCSinkElement sends encoded billboard frames over the "billboard" data
// channel of every negotiated peer.
type WebRTCSinkElement struct {
	*connectionSink
}

func NewWebRTCSinkElement(logger *zap.SugaredLogger) *WebRTCSinkElement {
	return &WebRTCSinkElement{
		connectionSink: newConnectionSink("webrtc-sink", "webrtc", logging.Or(logger).Named("webrtc-sink")),
	}
}
