package connection

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/realtime-ai/billboard/pkg/logging"
	"github.com/realtime-ai/billboard/pkg/pipeline"
)

const (
	// DataChannelLabel is the label of the channel the client opens for frames.
	DataChannelLabel = "billboard"

	// DefaultChunkSize keeps each data channel message under the SCTP
	// message size every browser accepts.
	DefaultChunkSize = 16 * 1024

	// ChunkHeaderSize is seq(4) + index(2) + count(2), big endian.
	ChunkHeaderSize = 8
)

// WebRTCConfig holds configuration for a WebRTC connection.
type WebRTCConfig struct {
	ChunkSize int
}

// DefaultWebRTCConfig returns the default WebRTC configuration.
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{ChunkSize: DefaultChunkSize}
}

type webrtcConnection struct {
	peerID    string
	pc        *webrtc.PeerConnection
	chunkSize int
	logger    *zap.SugaredLogger

	dataChannel *webrtc.DataChannel
	handler     ConnectionEventHandler
	state       ConnectionState

	frames *pipeline.ClearableChan
	seq    uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
}

var _ Connection = (*webrtcConnection)(nil)

// NewWebRTCConnection creates a new WebRTC connection with default config.
func NewWebRTCConnection(peerID string, pc *webrtc.PeerConnection, logger *zap.SugaredLogger) Connection {
	return NewWebRTCConnectionWithConfig(peerID, pc, DefaultWebRTCConfig(), logger)
}

// NewWebRTCConnectionWithConfig creates a new WebRTC connection with custom
// config. Frames flow once the client opens the "billboard" data channel.
func NewWebRTCConnectionWithConfig(peerID string, pc *webrtc.PeerConnection, cfg WebRTCConfig, logger *zap.SugaredLogger) Connection {
	if cfg.ChunkSize <= ChunkHeaderSize {
		cfg.ChunkSize = DefaultChunkSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	conn := &webrtcConnection{
		peerID:    peerID,
		pc:        pc,
		chunkSize: cfg.ChunkSize,
		logger:    logging.Or(logger).Named("webrtc").With("peer", peerID),
		handler:   &NoOpConnectionEventHandler{},
		state:     ConnectionStateNew,
		frames:    pipeline.NewClearableChan(1),
		ctx:       ctx,
		cancel:    cancel,
	}

	conn.start()

	return conn
}

func (c *webrtcConnection) PeerID() string {
	return c.peerID
}

func (c *webrtcConnection) Type() string {
	return "webrtc"
}

func (c *webrtcConnection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *webrtcConnection) RegisterEventHandler(handler ConnectionEventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *webrtcConnection) eventHandler() ConnectionEventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *webrtcConnection) start() {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		connState := mapWebRTCState(state)
		c.logger.Infow("peer connection state changed", "state", connState.String())

		c.mu.Lock()
		c.state = connState
		handler := c.handler
		c.mu.Unlock()

		handler.OnConnectionStateChange(connState)
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			c.logger.Debugw("ignoring data channel", "label", dc.Label())
			return
		}
		c.mu.Lock()
		c.dataChannel = dc
		c.mu.Unlock()

		c.setupDataChannel(dc)
	})

	c.wg.Add(1)
	go c.writeLoop()
}

func (c *webrtcConnection) setupDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		var wsMsg WSMessage
		if err := json.Unmarshal(msg.Data, &wsMsg); err != nil {
			c.logger.Debugw("ignoring malformed message", "error", err)
			return
		}
		c.eventHandler().OnMessage(&pipeline.PipelineMessage{
			Type:      pipeline.MsgTypeCommand,
			SessionID: c.peerID,
			Timestamp: time.Now(),
			Metadata:  wsMsg,
		})
	})

	dc.OnOpen(func() {
		c.logger.Infow("data channel opened", "label", dc.Label())
	})
}

func (c *webrtcConnection) openChannel() *webrtc.DataChannel {
	c.mu.RLock()
	dc := c.dataChannel
	c.mu.RUnlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return dc
}

func (c *webrtcConnection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.frames.Chan():
			dc := c.openChannel()
			if dc == nil {
				continue
			}
			c.seq++
			chunks, err := chunkFrame(c.seq, msg.VideoData.Data, c.chunkSize)
			if err != nil {
				c.logger.Warnw("frame not sent", "error", err)
				continue
			}
			for _, chunk := range chunks {
				if err := dc.Send(chunk); err != nil {
					c.logger.Warnw("failed to send frame chunk", "error", err)
					c.eventHandler().OnError(err)
					break
				}
			}
		}
	}
}

func (c *webrtcConnection) SendMessage(msg *pipeline.PipelineMessage) {
	if c.ctx.Err() != nil {
		return
	}
	switch msg.Type {
	case pipeline.MsgTypeVideo:
		if msg.VideoData == nil || !msg.VideoData.MediaType.Encoded() {
			return
		}
		c.frames.Replace(msg)
	case pipeline.MsgTypeData:
		c.sendTextMessage(msg)
	}
}

func (c *webrtcConnection) sendTextMessage(msg *pipeline.PipelineMessage) {
	dc := c.openChannel()
	if dc == nil {
		c.logger.Debugw("data channel not open")
		return
	}

	data, err := json.Marshal(toWSMessage(msg))
	if err != nil {
		c.logger.Warnw("failed to encode message", "error", err)
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		c.logger.Warnw("failed to send text", "error", err)
	}
}

func (c *webrtcConnection) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		if c.pc != nil {
			err = c.pc.Close()
		}
		c.mu.Lock()
		c.state = ConnectionStateClosed
		c.mu.Unlock()
	})
	return err
}

// chunkFrame splits an encoded frame into data channel messages. Every chunk
// starts with an 8 byte big-endian header: frame seq, chunk index, chunk count.
func chunkFrame(seq uint32, data []byte, chunkSize int) ([][]byte, error) {
	payload := chunkSize - ChunkHeaderSize
	if payload <= 0 {
		return nil, fmt.Errorf("chunk size %d leaves no room for payload", chunkSize)
	}
	count := (len(data) + payload - 1) / payload
	if count == 0 {
		count = 1
	}
	if count > 0xFFFF {
		return nil, fmt.Errorf("frame of %d bytes needs %d chunks", len(data), count)
	}

	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * payload
		end := min(start+payload, len(data))
		chunk := make([]byte, ChunkHeaderSize+end-start)
		binary.BigEndian.PutUint32(chunk[0:4], seq)
		binary.BigEndian.PutUint16(chunk[4:6], uint16(i))
		binary.BigEndian.PutUint16(chunk[6:8], uint16(count))
		copy(chunk[ChunkHeaderSize:], data[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// mapWebRTCState maps WebRTC PeerConnectionState to ConnectionState.
func mapWebRTCState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateFailed
	}
}
