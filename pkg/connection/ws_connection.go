package connection

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
)

const (
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 30 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 4096
)

// WSMessage is the envelope of text messages in both directions.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsConnection struct {
	peerID string
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	handler ConnectionEventHandler
	state   ConnectionState

	// frames holds at most the newest unsent frame.
	frames *pipeline.ClearableChan
	texts  chan *pipeline.PipelineMessage

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Connection = (*wsConnection)(nil)

// NewWSConnection wraps an upgraded WebSocket. Encoded video frames are
// written as binary messages, data messages as JSON text.
func NewWSConnection(peerID string, wsConn *websocket.Conn, logger *zap.SugaredLogger) Connection {
	ws := &wsConnection{
		peerID:  peerID,
		conn:    wsConn,
		logger:  logging.Or(logger).Named("ws").With("peer", peerID),
		handler: &NoOpConnectionEventHandler{},
		state:   ConnectionStateConnected,
		frames:  pipeline.NewClearableChan(1),
		texts:   make(chan *pipeline.PipelineMessage, 16),
		closed:  make(chan struct{}),
	}

	go ws.readPump()
	go ws.writePump()

	return ws
}

func (w *wsConnection) readPump() {
	defer w.Close()

	w.conn.SetReadLimit(wsMaxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				w.logger.Warnw("websocket read error", "error", err)
				w.eventHandler().OnError(err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			w.logger.Debugw("ignoring malformed message", "error", err)
			continue
		}

		w.eventHandler().OnMessage(&pipeline.PipelineMessage{
			Type:      pipeline.MsgTypeCommand,
			SessionID: w.peerID,
			Timestamp: time.Now(),
			Metadata:  wsMsg,
		})
	}
}

func (w *wsConnection) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-w.closed:
			return
		case <-ticker.C:
			err = w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		case msg := <-w.frames.Chan():
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = w.conn.WriteMessage(websocket.BinaryMessage, msg.VideoData.Data)
		case msg := <-w.texts:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = w.conn.WriteJSON(toWSMessage(msg))
		}
		if err != nil {
			w.logger.Warnw("websocket write error", "error", err)
			w.eventHandler().OnError(err)
			w.Close()
			return
		}
	}
}

// toWSMessage wraps a data message's metadata. A WSMessage passes through.
func toWSMessage(msg *pipeline.PipelineMessage) WSMessage {
	if m, ok := msg.Metadata.(WSMessage); ok {
		return m
	}
	payload, err := json.Marshal(msg.Metadata)
	if err != nil {
		payload = nil
	}
	return WSMessage{Type: "status", Payload: payload}
}

func (w *wsConnection) eventHandler() ConnectionEventHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handler
}

func (w *wsConnection) PeerID() string {
	return w.peerID
}

func (w *wsConnection) Type() string {
	return "websocket"
}

func (w *wsConnection) State() ConnectionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *wsConnection) RegisterEventHandler(handler ConnectionEventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

func (w *wsConnection) SendMessage(msg *pipeline.PipelineMessage) {
	select {
	case <-w.closed:
		return
	default:
	}

	switch msg.Type {
	case pipeline.MsgTypeVideo:
		if msg.VideoData == nil || !msg.VideoData.MediaType.Encoded() {
			return
		}
		w.frames.Replace(msg)
	case pipeline.MsgTypeData:
		select {
		case w.texts <- msg:
		default:
			w.logger.Debugw("text queue is full, dropping message")
		}
	}
}

func (w *wsConnection) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		w.conn.Close()

		w.mu.Lock()
		w.state = ConnectionStateClosed
		handler := w.handler
		w.mu.Unlock()
		handler.OnConnectionStateChange(ConnectionStateClosed)
	})
	return nil
}
