// Package connection provides the transports that carry billboard frames and
// status messages to remote renderers.
package connection

import (
	"github.com/realtime-ai/billboard/pkg/pipeline"
)

// ConnectionState represents the state of a connection.
type ConnectionState int

const (
	// ConnectionStateNew - Initial state, connection not yet started
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnecting - Connection is being established
	ConnectionStateConnecting
	// ConnectionStateConnected - Connection is established and ready
	ConnectionStateConnected
	// ConnectionStateDisconnected - Connection temporarily lost (may reconnect)
	ConnectionStateDisconnected
	// ConnectionStateFailed - Connection failed permanently
	ConnectionStateFailed
	// ConnectionStateClosed - Connection closed by user or server
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further traffic can flow.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

// ConnectionEventHandler handles connection lifecycle events.
type ConnectionEventHandler interface {
	// OnConnectionStateChange is called when the connection state changes.
	OnConnectionStateChange(state ConnectionState)

	// OnMessage is called when a message is received.
	OnMessage(msg *pipeline.PipelineMessage)

	// OnError is called when an error occurs.
	OnError(err error)
}

// NoOpConnectionEventHandler is a no-op implementation for convenience.
type NoOpConnectionEventHandler struct{}

func (h *NoOpConnectionEventHandler) OnConnectionStateChange(state ConnectionState) {}
func (h *NoOpConnectionEventHandler) OnMessage(msg *pipeline.PipelineMessage)       {}
func (h *NoOpConnectionEventHandler) OnError(err error)                             {}

// Connection is one remote renderer. Video frames are sent latest-wins: a
// frame queued while the previous one is still being written replaces it.
type Connection interface {
	// PeerID returns the unique identifier for this connection.
	PeerID() string

	// Type names the transport, "websocket" or "webrtc".
	Type() string

	// State returns the current connection state.
	State() ConnectionState

	// RegisterEventHandler registers an event handler for connection events.
	RegisterEventHandler(handler ConnectionEventHandler)

	// SendMessage queues a message for the peer without blocking.
	SendMessage(msg *pipeline.PipelineMessage)

	// Close closes the connection and releases resources.
	Close() error
}
