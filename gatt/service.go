package gatt

import "sync"

// Service groups characteristics under one UUID. The characteristic set is
// fixed once the owning peripheral is published; values still change.
type Service struct {
	uuid       string
	peripheral *Peripheral

	mu    sync.RWMutex
	order []*Characteristic
	index map[string]*Characteristic
}

// UUID returns the service identifier
func (s *Service) UUID() string {
	return s.uuid
}

// Peripheral returns the owning peripheral
func (s *Service) Peripheral() *Peripheral {
	return s.peripheral
}

// AddCharacteristic registers a characteristic with an initial value
func (s *Service) AddCharacteristic(id string, caps Capability, initial []byte) (*Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; exists {
		return nil, &DuplicateError{Kind: "characteristic", UUID: id}
	}

	c := newCharacteristic(s, id, caps, initial)
	s.index[id] = c
	s.order = append(s.order, c)
	return c, nil
}

// Characteristic looks up a characteristic by UUID
func (s *Service) Characteristic(id string) (*Characteristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.index[id]
	if !ok {
		return nil, &NotFoundError{Kind: "characteristic", ID: id}
	}
	return c, nil
}

// Characteristics returns the characteristics in registration order
func (s *Service) Characteristics() []*Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Characteristic, len(s.order))
	copy(out, s.order)
	return out
}
