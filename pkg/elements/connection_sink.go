package elements

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/connection"
	"github.com/realtime-ai/billboard/pkg/pipeline"
	"github.com/realtime-ai/billboard/pkg/trace"
)

// PeerEvent is the payload of EventPeerConnected and EventPeerDisconnected.
type PeerEvent struct {
	PeerID    string `json:"peer_id"`
	Transport string `json:"transport"`
	Peers     int    `json:"peers"`
}

// connectionSink broadcasts every message it receives to a set of peers of one
// transport and forwards it downstream, so sinks can be chained.
type connectionSink struct {
	*pipeline.BaseElement

	transport string
	logger    *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[string]connection.Connection

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConnectionSink(name, transport string, logger *zap.SugaredLogger) *connectionSink {
	return &connectionSink{
		BaseElement: pipeline.NewBaseElement(name, 4),
		transport:   transport,
		logger:      logger,
		conns:       make(map[string]connection.Connection),
	}
}

// AddConnection starts sending frames to conn. The peer is dropped again once
// its connection fails or closes.
func (s *connectionSink) AddConnection(conn connection.Connection) error {
	if conn.Type() != s.transport {
		return fmt.Errorf("%s sink cannot serve %s peer %s", s.transport, conn.Type(), conn.PeerID())
	}

	s.mu.Lock()
	if _, exists := s.conns[conn.PeerID()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("peer %s already registered", conn.PeerID())
	}
	s.conns[conn.PeerID()] = conn
	peers := len(s.conns)
	s.mu.Unlock()

	conn.RegisterEventHandler(&peerHandler{sink: s, conn: conn, state: conn.State()})

	s.logger.Infow("peer connected", "peer", conn.PeerID(), "peers", peers)
	s.Emit(pipeline.EventPeerConnected, PeerEvent{PeerID: conn.PeerID(), Transport: s.transport, Peers: peers})
	return nil
}

// RemoveConnection closes and forgets a peer. Unknown peers are ignored.
func (s *connectionSink) RemoveConnection(peerID string) {
	s.mu.Lock()
	conn, ok := s.conns[peerID]
	delete(s.conns, peerID)
	peers := len(s.conns)
	s.mu.Unlock()
	if !ok {
		return
	}

	_, span := trace.InstrumentConnectionClosed(context.Background(), peerID, s.transport)
	if err := conn.Close(); err != nil {
		trace.RecordError(span, err)
		s.logger.Debugw("peer close", "peer", peerID, "error", err)
	}
	span.End()
	s.logger.Infow("peer disconnected", "peer", peerID, "peers", peers)
	s.Emit(pipeline.EventPeerDisconnected, PeerEvent{PeerID: peerID, Transport: s.transport, Peers: peers})
}

// Peers returns the IDs of the connected peers, sorted.
func (s *connectionSink) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends msg to every connected peer without blocking.
func (s *connectionSink) Broadcast(msg *pipeline.PipelineMessage) {
	s.mu.RLock()
	conns := make([]connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.SendMessage(msg)
	}
}

func (s *connectionSink) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *connectionSink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.InChan:
			s.Broadcast(msg)
			select {
			case s.OutChan <- msg:
			default:
			}
		}
	}
}

// Stop stops broadcasting and closes every peer.
func (s *connectionSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
	for _, id := range s.Peers() {
		s.RemoveConnection(id)
	}
	return nil
}

type peerHandler struct {
	sink *connectionSink
	conn connection.Connection

	mu    sync.Mutex
	state connection.ConnectionState
}

func (h *peerHandler) OnConnectionStateChange(state connection.ConnectionState) {
	h.mu.Lock()
	old := h.state
	h.state = state
	h.mu.Unlock()

	_, span := trace.InstrumentConnectionStateChange(context.Background(), h.conn.PeerID(), h.sink.transport, old.String(), state.String())
	span.End()

	if state.Terminal() {
		h.sink.RemoveConnection(h.conn.PeerID())
	}
}

// OnMessage answers client pings; other commands are only logged.
func (h *peerHandler) OnMessage(msg *pipeline.PipelineMessage) {
	cmd, ok := msg.Metadata.(connection.WSMessage)
	if !ok {
		return
	}
	_, span := trace.InstrumentConnectionMessage(context.Background(), h.conn.PeerID(), h.sink.transport, "inbound", len(cmd.Payload))
	defer span.End()
	switch cmd.Type {
	case "ping":
		h.conn.SendMessage(&pipeline.PipelineMessage{
			Type:      pipeline.MsgTypeData,
			SessionID: msg.SessionID,
			Timestamp: time.Now(),
			Metadata:  connection.WSMessage{Type: "pong"},
		})
	default:
		h.sink.logger.Debugw("ignoring client command", "peer", h.conn.PeerID(), "type", cmd.Type)
	}
}

func (h *peerHandler) OnError(err error) {
	_, span := trace.InstrumentConnectionError(context.Background(), h.conn.PeerID(), h.sink.transport, err)
	span.End()
	h.sink.logger.Warnw("peer error", "peer", h.conn.PeerID(), "error", err)
	h.sink.Emit(pipeline.EventError, fmt.Errorf("peer %s: %w", h.conn.PeerID(), err))
}
