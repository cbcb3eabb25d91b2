package server

// Config holds the HTTP and WebRTC settings of the billboard server.
type Config struct {
	// HTTPAddr is the listen address of the HTTP server, e.g. ":8080".
	HTTPAddr string

	// RTCUDPPort multiplexes all ICE traffic on one UDP port. Zero lets pion
	// pick ephemeral ports.
	RTCUDPPort int

	// ICELite enables ICE lite mode (default: false)
	ICELite bool

	// Endpoint is the list of public candidate addresses announced as host
	// candidates. Empty announces the local interfaces.
	Endpoint []string
}

// DefaultConfig listens on :8080 with a single UDP port for WebRTC.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:   ":8080",
		RTCUDPPort: 9000,
	}
}
