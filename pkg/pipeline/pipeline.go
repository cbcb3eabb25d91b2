package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/realtime-ai/billboard/pkg/logging"
)

// VideoData carries one video frame. Raw frames set Image; encoded frames set Data.
type VideoData struct {
	Image     image.Image
	Data      []byte
	Width     int
	Height    int
	MediaType VideoMediaType
	Seq       uint64
	Timestamp time.Time
}

type PipelineMessageType int

const (
	MsgTypeVideo PipelineMessageType = iota
	MsgTypeData
	MsgTypeCommand
)

type PipelineMessage struct {
	Type PipelineMessageType

	// SessionID identifies the billboard session that produced the message
	SessionID string
	Timestamp time.Time

	VideoData *VideoData

	// Metadata is free-form, e.g. a status snapshot for MsgTypeData
	Metadata interface{}
}

func (p *PipelineMessage) String() string {
	return fmt.Sprintf("PipelineMessage{Type: %d, SessionID: %s, Timestamp: %s}", p.Type, p.SessionID, p.Timestamp)
}

type Pipeline struct {
	sync.Mutex
	name     string
	bus      Bus
	elements []Element
}

func NewPipeline(name string) *Pipeline {
	return NewPipelineWithBus(name, NewEventBus())
}

// NewPipelineWithBus creates a pipeline whose elements publish on an existing bus.
func NewPipelineWithBus(name string, bus Bus) *Pipeline {
	return &Pipeline{
		name:     name,
		bus:      bus,
		elements: []Element{},
	}
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) AddElement(element Element) {
	p.Lock()
	defer p.Unlock()
	element.SetBus(p.bus)
	p.elements = append(p.elements, element)
}

func (p *Pipeline) AddElements(elements []Element) {
	p.Lock()
	defer p.Unlock()
	for _, element := range elements {
		element.SetBus(p.bus)
	}
	p.elements = append(p.elements, elements...)
}

// Link forwards a.Out() into b.In() until the returned unlink func is called.
func (p *Pipeline) Link(a, b Element) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-a.Out():
				if !ok {
					return
				}
				select {
				case b.In() <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

func (p *Pipeline) Bus() Bus {
	return p.bus
}

// Push hands msg to the first element without blocking; it reports false when
// the element's input is full and the message was dropped.
func (p *Pipeline) Push(msg *PipelineMessage) bool {
	p.Lock()
	if len(p.elements) == 0 {
		p.Unlock()
		return false
	}
	first := p.elements[0]
	p.Unlock()

	select {
	case first.In() <- msg:
		return true
	default:
		logging.Global().Named("pipeline").Debugw("input channel is full, dropping message", "pipeline", p.name, "msg", msg.String())
		return false
	}
}

// Pull blocks on the last element's output.
func (p *Pipeline) Pull() *PipelineMessage {
	p.Lock()
	if len(p.elements) == 0 {
		p.Unlock()
		return nil
	}
	last := p.elements[len(p.elements)-1]
	p.Unlock()
	return <-last.Out()
}

func (p *Pipeline) Start(ctx context.Context) error {
	for _, e := range p.elements {
		if err := e.Init(ctx); err != nil {
			return fmt.Errorf("init element %s: %w", e.GetName(), err)
		}
	}
	for _, e := range p.elements {
		if err := e.Start(ctx); err != nil {
			return fmt.Errorf("start element %s: %w", e.GetName(), err)
		}
	}
	return nil
}

// Stop stops elements in reverse order.
func (p *Pipeline) Stop() error {
	p.Lock()
	defer p.Unlock()
	for i := len(p.elements) - 1; i >= 0; i-- {
		if err := p.elements[i].Stop(); err != nil {
			return err
		}
	}
	return nil
}
