package elements

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/billboard/pkg/connection"
	"github.com/realtime-ai/billboard/pkg/pipeline"
)

type fakeConn struct {
	id        string
	transport string

	mu      sync.Mutex
	handler connection.ConnectionEventHandler
	sent    []*pipeline.PipelineMessage
	closed  bool
}

func newFakeConn(id, transport string) *fakeConn {
	return &fakeConn{id: id, transport: transport, handler: &connection.NoOpConnectionEventHandler{}}
}

func (c *fakeConn) PeerID() string { return c.id }
func (c *fakeConn) Type() string   { return c.transport }

func (c *fakeConn) State() connection.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return connection.ConnectionStateClosed
	}
	return connection.ConnectionStateConnected
}

func (c *fakeConn) RegisterEventHandler(h connection.ConnectionEventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeConn) SendMessage(msg *pipeline.PipelineMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	h := c.handler
	c.mu.Unlock()
	h.OnConnectionStateChange(connection.ConnectionStateClosed)
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) lastSent() *pipeline.PipelineMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testFrame() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			a := uint8(0)
			if x < 2 {
				a = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: a})
		}
	}
	return img
}

func rawMessage(seq uint64) *pipeline.PipelineMessage {
	img := testFrame()
	return &pipeline.PipelineMessage{
		Type:      pipeline.MsgTypeVideo,
		SessionID: "session",
		VideoData: &pipeline.VideoData{
			Image:     img,
			Width:     4,
			Height:    2,
			MediaType: pipeline.VideoMediaTypeRaw,
			Seq:       seq,
		},
	}
}

func TestMediaTypeForFormat(t *testing.T) {
	mt, err := MediaTypeForFormat("PNG")
	require.NoError(t, err)
	assert.Equal(t, pipeline.VideoMediaTypePNG, mt)

	mt, err = MediaTypeForFormat("jpg")
	require.NoError(t, err)
	assert.Equal(t, pipeline.VideoMediaTypeJPEG, mt)

	_, err = MediaTypeForFormat("gif")
	assert.Error(t, err)
}

func TestEncodeImage(t *testing.T) {
	t.Run("png keeps alpha", func(t *testing.T) {
		data, err := EncodeImage(testFrame(), pipeline.VideoMediaTypePNG, 0)
		require.NoError(t, err)

		decoded, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		_, _, _, a := decoded.At(0, 0).RGBA()
		assert.Equal(t, uint32(0xffff), a)
		_, _, _, a = decoded.At(3, 1).RGBA()
		assert.Equal(t, uint32(0), a)
	})

	t.Run("jpeg", func(t *testing.T) {
		data, err := EncodeImage(testFrame(), pipeline.VideoMediaTypeJPEG, 500)
		require.NoError(t, err)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Width)
		assert.Equal(t, 2, cfg.Height)
	})

	t.Run("raw is rejected", func(t *testing.T) {
		_, err := EncodeImage(testFrame(), pipeline.VideoMediaTypeRaw, 0)
		assert.Error(t, err)
	})
}

func TestFrameEncodeElement(t *testing.T) {
	_, err := NewFrameEncodeElement("bmp", nil)
	require.Error(t, err)

	e, err := NewFrameEncodeElement("png", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	t.Run("encodes raw video", func(t *testing.T) {
		e.In() <- rawMessage(3)

		select {
		case out := <-e.Out():
			require.NotNil(t, out.VideoData)
			assert.Equal(t, pipeline.VideoMediaTypePNG, out.VideoData.MediaType)
			assert.Nil(t, out.VideoData.Image)
			assert.Equal(t, uint64(3), out.VideoData.Seq)
			assert.Equal(t, "session", out.SessionID)
			_, err := png.Decode(bytes.NewReader(out.VideoData.Data))
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("no encoded frame")
		}
	})

	t.Run("passes data through", func(t *testing.T) {
		status := &pipeline.PipelineMessage{Type: pipeline.MsgTypeData, Metadata: "ready"}
		e.In() <- status
		select {
		case out := <-e.Out():
			assert.Same(t, status, out)
		case <-time.After(2 * time.Second):
			t.Fatal("data message not forwarded")
		}
	})

	t.Run("format property switches to jpeg", func(t *testing.T) {
		require.NoError(t, e.SetProperty("format", "jpeg"))
		assert.Error(t, e.SetProperty("format", 1))

		e.In() <- rawMessage(4)
		select {
		case out := <-e.Out():
			assert.Equal(t, pipeline.VideoMediaTypeJPEG, out.VideoData.MediaType)
		case <-time.After(2 * time.Second):
			t.Fatal("no encoded frame")
		}
	})
}

func TestConnectionSink_AddRemove(t *testing.T) {
	bus := pipeline.NewEventBus()
	events := make(chan pipeline.Event, 4)
	bus.Subscribe(pipeline.EventPeerConnected, events)
	bus.Subscribe(pipeline.EventPeerDisconnected, events)

	sink := NewWebSocketSinkElement(nil)
	sink.SetBus(bus)

	require.Error(t, sink.AddConnection(newFakeConn("rtc", "webrtc")))

	conn := newFakeConn("a", "websocket")
	require.NoError(t, sink.AddConnection(conn))
	require.Error(t, sink.AddConnection(conn))
	assert.Equal(t, []string{"a"}, sink.Peers())

	evt := <-events
	assert.Equal(t, pipeline.EventPeerConnected, evt.Type)
	assert.Equal(t, PeerEvent{PeerID: "a", Transport: "websocket", Peers: 1}, evt.Payload)

	sink.RemoveConnection("a")
	sink.RemoveConnection("a")
	assert.True(t, conn.isClosed())
	assert.Empty(t, sink.Peers())

	evt = <-events
	assert.Equal(t, pipeline.EventPeerDisconnected, evt.Type)
	assert.Len(t, events, 0)
}

func TestConnectionSink_BroadcastsAndForwards(t *testing.T) {
	sink := NewWebRTCSinkElement(nil)
	a := newFakeConn("a", "webrtc")
	b := newFakeConn("b", "webrtc")
	require.NoError(t, sink.AddConnection(a))
	require.NoError(t, sink.AddConnection(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sink.Start(ctx))

	msg := &pipeline.PipelineMessage{Type: pipeline.MsgTypeData, Metadata: "hello"}
	sink.In() <- msg

	select {
	case out := <-sink.Out():
		assert.Same(t, msg, out)
	case <-time.After(2 * time.Second):
		t.Fatal("message not forwarded downstream")
	}
	assert.Same(t, msg, a.lastSent())
	assert.Same(t, msg, b.lastSent())

	require.NoError(t, sink.Stop())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Empty(t, sink.Peers())
}

func TestConnectionSink_DropsPeerOnTerminalState(t *testing.T) {
	sink := NewWebSocketSinkElement(nil)
	conn := newFakeConn("a", "websocket")
	require.NoError(t, sink.AddConnection(conn))

	conn.mu.Lock()
	h := conn.handler
	conn.mu.Unlock()

	h.OnConnectionStateChange(connection.ConnectionStateDisconnected)
	assert.Len(t, sink.Peers(), 1)

	h.OnConnectionStateChange(connection.ConnectionStateFailed)
	assert.Empty(t, sink.Peers())
}

func TestConnectionSink_AnswersPing(t *testing.T) {
	sink := NewWebSocketSinkElement(nil)
	conn := newFakeConn("a", "websocket")
	require.NoError(t, sink.AddConnection(conn))

	conn.mu.Lock()
	h := conn.handler
	conn.mu.Unlock()

	h.OnMessage(&pipeline.PipelineMessage{Type: pipeline.MsgTypeCommand, Metadata: connection.WSMessage{Type: "ping"}})
	h.OnMessage(&pipeline.PipelineMessage{Type: pipeline.MsgTypeCommand, Metadata: connection.WSMessage{Type: "other"}})

	require.Equal(t, 1, conn.sentCount())
	assert.Equal(t, "pong", conn.lastSent().Metadata.(connection.WSMessage).Type)
}
