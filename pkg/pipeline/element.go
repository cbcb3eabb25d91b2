package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// PropertyDesc describes a property an element exposes: its type and access mode.
type PropertyDesc struct {
	Name     string
	Type     reflect.Type
	Writable bool
	Readable bool
	Default  interface{}
}

type Element interface {
	Init(ctx context.Context) error
	In() chan<- *PipelineMessage
	Out() <-chan *PipelineMessage
	Start(ctx context.Context) error
	Stop() error

	GetName() string
	SetBus(bus Bus)
	SetProperty(name string, value interface{}) error
	GetProperty(name string) (interface{}, error)
}

type BaseElement struct {
	name string

	mu            sync.RWMutex
	propertyDescs map[string]PropertyDesc
	properties    map[string]interface{}
	bus           Bus

	InChan  chan *PipelineMessage
	OutChan chan *PipelineMessage
}

func NewBaseElement(name string, bufferSize int) *BaseElement {
	return &BaseElement{
		name:          name,
		InChan:        make(chan *PipelineMessage, bufferSize),
		OutChan:       make(chan *PipelineMessage, bufferSize),
		propertyDescs: make(map[string]PropertyDesc),
		properties:    make(map[string]interface{}),
	}
}

func (b *BaseElement) GetName() string {
	return b.name
}

func (b *BaseElement) Init(ctx context.Context) error {
	return nil
}

func (b *BaseElement) In() chan<- *PipelineMessage {
	return b.InChan
}

func (b *BaseElement) Out() <-chan *PipelineMessage {
	return b.OutChan
}

func (b *BaseElement) Start(ctx context.Context) error {
	return nil
}

func (b *BaseElement) Stop() error {
	return nil
}

func (b *BaseElement) SetBus(bus Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bus = bus
}

// Bus returns the bus the element was attached to, or nil before AddElement.
func (b *BaseElement) Bus() Bus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bus
}

// Emit publishes an event on the element's bus, if any.
func (b *BaseElement) Emit(eventType EventType, payload interface{}) bool {
	bus := b.Bus()
	if bus == nil {
		return false
	}
	return bus.Publish(NewEvent(eventType, payload))
}

func (b *BaseElement) RegisterProperty(desc PropertyDesc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.propertyDescs[desc.Name]; exists {
		return fmt.Errorf("property %s already registered", desc.Name)
	}
	b.propertyDescs[desc.Name] = desc
	b.properties[desc.Name] = desc.Default
	return nil
}

func (b *BaseElement) SetProperty(name string, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	desc, ok := b.propertyDescs[name]
	if !ok {
		return fmt.Errorf("unknown property %q", name)
	}
	if !desc.Writable {
		return fmt.Errorf("property %q is not writable", name)
	}
	if reflect.TypeOf(value) != desc.Type {
		return fmt.Errorf(
			"property %q expects type %v, but got %v",
			name, desc.Type, reflect.TypeOf(value),
		)
	}
	b.properties[name] = value
	return nil
}

func (b *BaseElement) GetProperty(name string) (interface{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	desc, ok := b.propertyDescs[name]
	if !ok {
		return nil, fmt.Errorf("unknown property %q", name)
	}
	if !desc.Readable {
		return nil, fmt.Errorf("property %q is not readable", name)
	}
	return b.properties[name], nil
}
