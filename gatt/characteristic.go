package gatt

import (
	"sync"

	"github.com/google/uuid"
)

// NotifyFunc receives the new value of a monitored characteristic
type NotifyFunc func(value []byte)

// WriteHandler runs on the peripheral side after an accepted write, before
// monitors are notified
type WriteHandler func(value []byte)

// Characteristic is a capability-gated value slot within a Service
type Characteristic struct {
	uuid    string
	caps    Capability
	service *Service

	mu      sync.Mutex
	value   []byte
	onWrite WriteHandler
	subs    map[string]*Subscription // subscriber -> active subscription
}

func newCharacteristic(s *Service, id string, caps Capability, initial []byte) *Characteristic {
	return &Characteristic{
		uuid:    id,
		caps:    caps,
		service: s,
		value:   cloneBytes(initial),
		subs:    make(map[string]*Subscription),
	}
}

// UUID returns the characteristic identifier
func (c *Characteristic) UUID() string {
	return c.uuid
}

// Capabilities returns the fixed capability set
func (c *Characteristic) Capabilities() Capability {
	return c.caps
}

// Service returns the owning service
func (c *Characteristic) Service() *Service {
	return c.service
}

// Read returns a copy of the current value
func (c *Characteristic) Read() ([]byte, error) {
	if !c.caps.Has(Readable) {
		err := &CapabilityError{UUID: c.uuid, Op: "read", Have: c.caps}
		c.observe(OpRead, nil, err)
		return nil, err
	}

	c.mu.Lock()
	value := cloneBytes(c.value)
	c.mu.Unlock()

	c.observe(OpRead, value, nil)
	return value, nil
}

// Value returns the current value without a capability check. This is the
// peripheral's own view, used by emulators and diagnostics.
func (c *Characteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneBytes(c.value)
}

// Write replaces the value. The requested mode must itself be in the
// capability set; having only the other writable mode is a CapabilityError.
// The write handler and every active monitor run before Write returns, in
// that order.
func (c *Characteristic) Write(value []byte, mode WriteMode) error {
	op := OpWrite
	if mode == WithoutResponse {
		op = OpWriteWithoutResponse
	}

	if !c.caps.Has(mode.capability()) {
		err := &CapabilityError{UUID: c.uuid, Op: mode.String(), Have: c.caps}
		c.observe(op, value, err)
		return err
	}

	c.mu.Lock()
	c.value = cloneBytes(value)
	handler := c.onWrite
	c.mu.Unlock()

	c.observe(op, value, nil)

	if handler != nil {
		handler(cloneBytes(value))
	}
	c.notify(value)
	return nil
}

// Update changes the value from the peripheral side, bypassing the
// capability set, and notifies monitors
func (c *Characteristic) Update(value []byte) {
	c.mu.Lock()
	c.value = cloneBytes(value)
	c.mu.Unlock()

	c.observe(OpUpdate, value, nil)
	c.notify(value)
}

// SetWriteHandler installs the peripheral-side hook for accepted writes
func (c *Characteristic) SetWriteHandler(h WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = h
}

// Monitor registers fn for notifications. Each subscriber holds at most one
// active callback; monitoring again replaces the previous one and makes its
// handle inert. An empty subscriber gets a fresh anonymous identity.
func (c *Characteristic) Monitor(subscriber string, fn NotifyFunc) (*Subscription, error) {
	if !c.caps.Has(Notifiable) {
		err := &CapabilityError{UUID: c.uuid, Op: "monitor", Have: c.caps}
		c.observe(OpMonitor, nil, err)
		return nil, err
	}
	if subscriber == "" {
		subscriber = uuid.New().String()
	}

	sub := &Subscription{
		subscriber: subscriber,
		char:       c,
		fn:         fn,
		active:     true,
	}

	c.mu.Lock()
	if old, exists := c.subs[subscriber]; exists {
		old.deactivate()
	}
	c.subs[subscriber] = sub
	c.mu.Unlock()

	c.observe(OpMonitor, nil, nil)
	return sub, nil
}

// IsNotifying reports whether at least one monitor is active
func (c *Characteristic) IsNotifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0
}

// CCCD returns the client characteristic configuration value as a central
// would read it from the descriptor
func (c *Characteristic) CCCD() []byte {
	return EncodeCCCDValue(c.IsNotifying(), false)
}

func (c *Characteristic) notify(value []byte) {
	c.mu.Lock()
	if len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		// A callback may have removed a later subscription
		if !s.Active() {
			continue
		}
		c.observe(OpNotify, value, nil)
		s.fn(cloneBytes(value))
	}
}

func (c *Characteristic) removeSubscription(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.subs[s.subscriber]; ok && current == s {
		delete(c.subs, s.subscriber)
	}
}

func (c *Characteristic) clearSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.deactivate()
	}
}

func (c *Characteristic) observe(op Operation, value []byte, err error) {
	if c.service == nil || c.service.peripheral == nil {
		return
	}
	p := c.service.peripheral
	if o := p.getObserver(); o != nil {
		o.ObserveOperation(Event{
			Operation:          op,
			PeripheralID:       p.ID,
			ServiceUUID:        c.service.uuid,
			CharacteristicUUID: c.uuid,
			Value:              cloneBytes(value),
			Err:                err,
		})
	}
}

// Subscription is the handle returned by Monitor
type Subscription struct {
	subscriber string
	char       *Characteristic
	fn         NotifyFunc

	mu     sync.Mutex
	active bool
}

// Subscriber returns the identity this subscription was registered under
func (s *Subscription) Subscriber() string {
	return s.subscriber
}

// Active reports whether the callback can still fire
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Remove unregisters the callback. Calling it more than once, or after the
// peripheral disconnected, is a no-op.
func (s *Subscription) Remove() {
	if !s.deactivate() {
		return
	}
	s.char.removeSubscription(s)
}

func (s *Subscription) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active
	s.active = false
	return was
}
