package elements

import (
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
)

// WebSocketSinkElement broadcasts encoded billboard frames and status messages
// to every connected WebSocket client. Each client keeps only its newest
// unsent frame, so a slow client skips frames instead of stalling the others.
type WebSocketSinkElement struct {
	*connectionSink
}

func NewWebSocketSinkElement(logger *zap.SugaredLogger) *WebSocketSinkElement {
	return &WebSocketSinkElement{
		connectionSink: newConnectionSink("websocket-sink", "websocket", logging.Or(logger).Named("ws-sink")),
	}
}
