package pipeline

import (
	"sync"
)

// ClearableChan is a buffered message channel whose pending contents can be
// discarded. Send never blocks; a full channel drops the message.
type ClearableChan struct {
	mu sync.Mutex
	ch chan *PipelineMessage
}

// NewClearableChan creates a ClearableChan with the given buffer size.
func NewClearableChan(size int) *ClearableChan {
	return &ClearableChan{
		ch: make(chan *PipelineMessage, size),
	}
}

// Send reports whether val was queued.
func (cc *ClearableChan) Send(val *PipelineMessage) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	select {
	case cc.ch <- val:
		return true
	default:
		return false
	}
}

// Replace drops everything pending and queues val, so a slow reader only ever
// sees the newest message.
func (cc *ClearableChan) Replace(val *PipelineMessage) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.drain()
	select {
	case cc.ch <- val:
	default:
	}
}

// Recv blocks until a message is available.
func (cc *ClearableChan) Recv() *PipelineMessage {
	return <-cc.ch
}

func (cc *ClearableChan) Chan() <-chan *PipelineMessage {
	return cc.ch
}

// Len returns the number of pending messages.
func (cc *ClearableChan) Len() int {
	return len(cc.ch)
}

// Clear discards all pending messages.
func (cc *ClearableChan) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.drain()
}

func (cc *ClearableChan) drain() {
	for {
		select {
		case <-cc.ch:
		default:
			return
		}
	}
}
