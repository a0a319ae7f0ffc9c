package gatt

import (
	"fmt"
	"sync"
)

// State is the connection status of a Peripheral
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Peripheral is a remote device modeled as an ordered tree of services
type Peripheral struct {
	ID   string
	Name string

	mu       sync.RWMutex
	state    State
	order    []*Service
	index    map[string]*Service
	observer Observer
}

// NewPeripheral creates a disconnected peripheral with no services
func NewPeripheral(id, name string) *Peripheral {
	return &Peripheral{
		ID:    id,
		Name:  name,
		state: StateDisconnected,
		index: make(map[string]*Service),
	}
}

// AddService creates and registers an empty service
func (p *Peripheral) AddService(id string) (*Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.index[id]; exists {
		return nil, &DuplicateError{Kind: "service", UUID: id}
	}

	s := &Service{
		uuid:       id,
		peripheral: p,
		index:      make(map[string]*Characteristic),
	}
	p.index[id] = s
	p.order = append(p.order, s)
	return s, nil
}

// Service looks up a service by UUID
func (p *Peripheral) Service(id string) (*Service, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.index[id]
	if !ok {
		return nil, &NotFoundError{Kind: "service", ID: id}
	}
	return s, nil
}

// Services returns the services in registration order, which is also the
// order discovery reports them in
func (p *Peripheral) Services() []*Service {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Service, len(p.order))
	copy(out, p.order)
	return out
}

// Characteristic resolves a (service, characteristic) pair
func (p *Peripheral) Characteristic(serviceUUID, charUUID string) (*Characteristic, error) {
	s, err := p.Service(serviceUUID)
	if err != nil {
		return nil, err
	}
	c, err := s.Characteristic(charUUID)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", serviceUUID, err)
	}
	return c, nil
}

// State returns the current connection status
func (p *Peripheral) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState records a connection status change driven by the central side
func (p *Peripheral) SetState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// IsConnected reports whether the peripheral is in the Connected state
func (p *Peripheral) IsConnected() bool {
	return p.State() == StateConnected
}

// Disconnect marks the peripheral disconnected and invalidates every
// outstanding subscription. Handles stay safe to Remove.
func (p *Peripheral) Disconnect() {
	p.SetState(StateDisconnected)
	for _, s := range p.Services() {
		for _, c := range s.Characteristics() {
			c.clearSubscriptions()
		}
	}
}

// SetObserver installs an operation trace hook (nil disables)
func (p *Peripheral) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

func (p *Peripheral) getObserver() Observer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.observer
}
