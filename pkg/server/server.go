// Package server exposes the billboard over HTTP: WebSocket and WebRTC frame
// delivery, PNG snapshots of the mask and the billboard, and JSON state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/connection"
	"github.com/realtime-ai/billboard/pkg/elements"
	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/render"
	"github.com/realtime-ai/billboard/pkg/segpipeline"
	"github.com/realtime-ai/billboard/pkg/trace"
)

// StateSource reports the segmentation pipeline state.
type StateSource interface {
	State() segpipeline.State
}

// MaskSource hands out copies of the current mask.
type MaskSource interface {
	Snapshot() (mask *image.RGBA, version uint64, ok bool)
}

// BillboardSource is the composited billboard and its placement.
type BillboardSource interface {
	Latest() (image.Image, bool)
	Config() render.BillboardConfig
}

// PeerSink accepts connected peers.
type PeerSink interface {
	AddConnection(conn connection.Connection) error
}

// Options wires the server to the rest of the service. Nil sources make the
// matching endpoints answer 404.
type Options struct {
	State     StateSource
	Mask      MaskSource
	Billboard BillboardSource
	WebSocket PeerSink
	WebRTC    PeerSink
}

// Server is the billboard's HTTP surface.
type Server struct {
	cfg    Config
	opts   Options
	logger *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu         sync.Mutex
	api        *webrtc.API
	udp        net.PacketConn
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server. Call Start to listen.
func New(cfg Config, opts Options, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:    cfg,
		opts:   opts,
		logger: logging.Or(logger).Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/mask.png", s.handleMask)
	mux.HandleFunc("/billboard.png", s.handleBillboard)
	mux.HandleFunc("/scene", s.handleScene)
	mux.HandleFunc("/status", s.handleStatus)
	return withCORS(mux)
}

// initWebRTC builds the pion API with the configured ICE settings.
func (s *Server) initWebRTC() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api != nil {
		return nil
	}

	settingEngine := webrtc.SettingEngine{}
	if s.cfg.ICELite {
		settingEngine.SetLite(true)
	}
	if len(s.cfg.Endpoint) > 0 {
		settingEngine.SetNAT1To1IPs(s.cfg.Endpoint, webrtc.ICECandidateTypeHost)
	}
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeTCP4,
	})

	if s.cfg.RTCUDPPort > 0 {
		udpListener, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: s.cfg.RTCUDPPort,
		})
		if err != nil {
			return fmt.Errorf("listen on UDP port %d: %w", s.cfg.RTCUDPPort, err)
		}
		settingEngine.SetICEUDPMux(webrtc.NewICEUDPMux(nil, udpListener))
		s.udp = udpListener
	}

	s.api = webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return nil
}

// Start listens on HTTPAddr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.initWebRTC(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infow("billboard server listening", "addr", ln.Addr().String(), "rtcUDPPort", s.cfg.RTCUDPPort)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down and releases the UDP mux.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, udp := s.httpServer, s.udp
	s.httpServer, s.udp = nil, nil
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}
	if udp != nil {
		errs = append(errs, udp.Close())
	}
	return errors.Join(errs...)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebSocket == nil {
		http.NotFound(w, r)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	peerID := uuid.New().String()
	_, span := trace.InstrumentConnectionCreated(r.Context(), peerID, "websocket")
	defer span.End()

	conn := connection.NewWSConnection(peerID, ws, s.logger)
	if err := s.opts.WebSocket.AddConnection(conn); err != nil {
		trace.RecordError(span, err)
		s.logger.Warnw("websocket peer rejected", "peer", peerID, "error", err)
		conn.Close()
	}
}

// handleSession answers a WebRTC offer. The client opens the "billboard" data
// channel in its offer and receives chunked frames on it.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.WebRTC == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.initWebRTC(); err != nil {
		s.logger.Errorw("webrtc unavailable", "error", err)
		http.Error(w, "WebRTC unavailable", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(body, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		http.Error(w, "Failed to parse offer", http.StatusBadRequest)
		return
	}

	peerID := uuid.New().String()
	ctx, span := trace.InstrumentConnectionCreated(r.Context(), peerID, "webrtc")
	defer span.End()

	s.mu.Lock()
	api := s.api
	s.mu.Unlock()

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		trace.RecordError(span, err)
		http.Error(w, "Failed to create peer connection", http.StatusInternalServerError)
		return
	}

	conn := connection.NewWebRTCConnection(peerID, pc, s.logger)

	fail := func(status int, msg string, err error) {
		trace.RecordError(span, err)
		s.logger.Warnw("webrtc negotiation failed", "peer", peerID, "error", err)
		conn.Close()
		http.Error(w, msg, status)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		fail(http.StatusBadRequest, "Failed to set remote description", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail(http.StatusInternalServerError, "Failed to create answer", err)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		fail(http.StatusInternalServerError, "Failed to set local description", err)
		return
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		fail(http.StatusRequestTimeout, "Negotiation cancelled", ctx.Err())
		return
	}

	if err := s.opts.WebRTC.AddConnection(conn); err != nil {
		fail(http.StatusInternalServerError, "Failed to register peer", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Mask == nil {
		http.NotFound(w, r)
		return
	}
	mask, version, ok := s.opts.Mask.Snapshot()
	if !ok {
		http.Error(w, "no mask yet", http.StatusNotFound)
		return
	}
	w.Header().Set("X-Mask-Version", fmt.Sprint(version))
	s.writePNG(w, mask)
}

func (s *Server) handleBillboard(w http.ResponseWriter, r *http.Request) {
	if s.opts.Billboard == nil {
		http.NotFound(w, r)
		return
	}
	img, ok := s.opts.Billboard.Latest()
	if !ok {
		http.Error(w, "no billboard frame yet", http.StatusNotFound)
		return
	}
	s.writePNG(w, img)
}

func (s *Server) writePNG(w http.ResponseWriter, img image.Image) {
	data, err := elements.EncodeImage(img, pipeline.VideoMediaTypePNG, 0)
	if err != nil {
		s.logger.Warnw("snapshot encode failed", "error", err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", pipeline.VideoMediaTypePNG.String())
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// Scene describes the billboard to the remote renderer.
type Scene struct {
	Position            [3]float64 `json:"position"`
	Width               float64    `json:"width"`
	Height              float64    `json:"height"`
	SegmentationEnabled bool       `json:"segmentationEnabled"`
	VideoWidth          int        `json:"videoWidth"`
	VideoHeight         int        `json:"videoHeight"`
}

// SceneFor builds the scene descriptor from the billboard placement and the
// camera's delivered dimensions.
func SceneFor(cfg render.BillboardConfig, state segpipeline.State) Scene {
	return Scene{
		Position:            [3]float64{cfg.Position.X, cfg.Position.Y, cfg.Position.Z},
		Width:               cfg.Width,
		Height:              cfg.Height,
		SegmentationEnabled: cfg.SegmentationEnabled,
		VideoWidth:          state.Width,
		VideoHeight:         state.Height,
	}
}

func (s *Server) handleScene(w http.ResponseWriter, r *http.Request) {
	if s.opts.Billboard == nil {
		http.NotFound(w, r)
		return
	}
	var state segpipeline.State
	if s.opts.State != nil {
		state = s.opts.State.State()
	}
	writeJSON(w, SceneFor(s.opts.Billboard.Config(), state))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.State == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.opts.State.State())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}
