package central

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/util"
)

const prefix = "Central"

// Transport is the radio the manager drives. wire.Radio implements it.
type Transport interface {
	Scan(ctx context.Context, found func(p *gatt.Peripheral, rssi int)) error
	Connect(ctx context.Context, id string) (*gatt.Peripheral, error)
	Disconnect(id string) error
	SetDisconnectCallback(fn func(id string))
}

// Config holds manager knobs
type Config struct {
	ConnectTimeout time.Duration // Default: 10s
}

// DefaultConfig returns the standard manager configuration
func DefaultConfig() Config {
	return Config{ConnectTimeout: 10 * time.Second}
}

// Manager owns the scan/connect lifecycle for at most one peripheral.
// The mutex is never held across transport calls or callbacks.
type Manager struct {
	transport Transport
	cfg       Config

	mu            sync.Mutex
	state         State
	active        *gatt.Peripheral
	scanGen       uint64
	scanCancel    context.CancelFunc
	attemptGen    uint64
	attemptID     string
	connectCancel context.CancelFunc
	onDisconnect  []func(id string)
	onStateChange []func(State)
}

// NewManager creates an idle manager and registers for link-loss reports
func NewManager(transport Transport, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		state:     StateIdle,
	}
	transport.SetDisconnectCallback(m.handleLinkLoss)
	return m
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the connected peripheral, or nil
func (m *Manager) Active() *gatt.Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.active
}

// IsConnected reports whether id is the connected peripheral
func (m *Manager) IsConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.active != nil && m.active.ID == id
}

// OnDisconnect registers a listener for teardown of the active peripheral,
// whether requested or caused by link loss
func (m *Manager) OnDisconnect(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// OnStateChange registers a listener for lifecycle transitions
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// Scan starts discovery and returns immediately. onFound runs on the scan
// goroutine for each peripheral passing filter, at most once per peripheral.
// The scan ends after timeout, on StopScan, or when Connect starts. Only
// valid from Idle; otherwise ErrBusy.
func (m *Manager) Scan(filter Filter, onFound func(p *gatt.Peripheral), timeout time.Duration) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		logger.Debug(prefix, "⏸️  Scan rejected while %s", state)
		return ErrBusy
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	m.scanGen++
	gen := m.scanGen
	m.scanCancel = cancel
	m.state = StateScanning
	listeners := m.stateListeners()
	m.mu.Unlock()

	logger.Info(prefix, "🔍 Scanning (timeout %v)", timeout)
	emit(listeners, StateScanning)

	go func() {
		defer cancel()
		seen := make(map[string]bool)
		err := m.transport.Scan(ctx, func(p *gatt.Peripheral, rssi int) {
			if !m.scanning(gen) || seen[p.ID] {
				return
			}
			seen[p.ID] = true
			if filter != nil && !filter(p) {
				logger.Trace(prefix, "Filtered %s (%q)", util.ShortID(p.ID), p.Name)
				return
			}
			logger.Debug(prefix, "📱 Discovered %s (%s) RSSI: %d dBm", util.ShortID(p.ID), p.Name, rssi)
			if onFound != nil {
				onFound(p)
			}
		})
		if err != nil {
			logger.Warn(prefix, "Scan ended with error: %v", err)
		}
		m.endScan(gen)
	}()

	return nil
}

// StopScan ends an active scan and returns to Idle. No-op otherwise.
func (m *Manager) StopScan() {
	m.mu.Lock()
	if m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	m.stopScanLocked()
	m.state = StateIdle
	listeners := m.stateListeners()
	m.mu.Unlock()

	logger.Debug(prefix, "Scan stopped")
	emit(listeners, StateIdle)
}

func (m *Manager) scanning(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateScanning && m.scanGen == gen
}

func (m *Manager) endScan(gen uint64) {
	m.mu.Lock()
	if m.scanGen != gen || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	m.scanCancel = nil
	m.state = StateIdle
	listeners := m.stateListeners()
	m.mu.Unlock()

	logger.Debug(prefix, "Scan finished")
	emit(listeners, StateIdle)
}

func (m *Manager) stopScanLocked() {
	m.scanGen++
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
}

// Connect links to id and discovers its services. A scan in progress is
// stopped. Connecting to the peripheral that is already connected is a
// no-op; a different connected peripheral is torn down first. While another
// attempt is in flight, ErrBusy is returned and that attempt is unaffected.
// Failures and timeouts return the manager to Idle with a *ConnectionError.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	var previous *gatt.Peripheral
	switch m.state {
	case StateConnecting, StateDisconnected:
		m.mu.Unlock()
		return ErrBusy
	case StateConnected:
		if m.active != nil && m.active.ID == id {
			m.mu.Unlock()
			logger.Debug(prefix, "⏭️  Already connected to %s", util.ShortID(id))
			return nil
		}
		previous = m.active
		m.active = nil
	case StateScanning:
		m.stopScanLocked()
	}

	m.attemptGen++
	gen := m.attemptGen
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.connectCancel = cancel
	m.attemptID = id
	m.state = StateConnecting
	listeners := m.stateListeners()
	var disconnectListeners []func(string)
	if previous != nil {
		disconnectListeners = m.disconnectListeners()
	}
	m.mu.Unlock()
	defer cancel()

	if previous != nil {
		logger.Info(prefix, "🔄 Switching from %s to %s", util.ShortID(previous.ID), util.ShortID(id))
		if err := m.transport.Disconnect(previous.ID); err != nil {
			logger.Warn(prefix, "Disconnect from %s failed: %v", util.ShortID(previous.ID), err)
		}
		for _, fn := range disconnectListeners {
			fn(previous.ID)
		}
	}

	logger.Info(prefix, "🔌 Connecting to %s", util.ShortID(id))
	emit(listeners, StateConnecting)

	p, err := m.transport.Connect(cctx, id)

	m.mu.Lock()
	if m.attemptGen != gen {
		// Disconnect() aborted this attempt while the transport was working
		m.mu.Unlock()
		if p != nil {
			m.transport.Disconnect(id)
		}
		logger.Debug(prefix, "Connect to %s canceled", util.ShortID(id))
		return &ConnectionError{ID: id, Err: ErrCanceled}
	}
	m.connectCancel = nil
	m.attemptID = ""

	if err != nil {
		m.state = StateIdle
		listeners = m.stateListeners()
		m.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrTimeout
		}
		logger.Warn(prefix, "❌ Connect to %s failed: %v", util.ShortID(id), err)
		emit(listeners, StateIdle)
		return &ConnectionError{ID: id, Err: err}
	}

	m.active = p
	m.state = StateConnected
	listeners = m.stateListeners()
	m.mu.Unlock()

	logger.Info(prefix, "✅ Connected to %s (%s)", util.ShortID(id), p.Name)
	emit(listeners, StateConnected)
	return nil
}

// Reconnect makes a single attempt to reach the last known device. On
// failure the manager is Idle and the caller decides what to do next.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	if id == "" {
		return &ConnectionError{Err: ErrNoKnownDevice}
	}
	logger.Info(prefix, "🔄 Reconnecting to last known device %s", util.ShortID(id))
	return m.Connect(ctx, id)
}

// Disconnect tears down the active peripheral (Connected -> Disconnected ->
// Idle) or aborts an in-flight connect. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		m.attemptGen++
		if m.connectCancel != nil {
			m.connectCancel()
			m.connectCancel = nil
		}
		id := m.attemptID
		m.attemptID = ""
		m.state = StateIdle
		listeners := m.stateListeners()
		m.mu.Unlock()

		logger.Info(prefix, "Connect to %s aborted", util.ShortID(id))
		emit(listeners, StateIdle)
		return nil

	case StateConnected:
		p := m.active
		m.mu.Unlock()
		return m.teardown(p, true)

	default:
		m.mu.Unlock()
		return nil
	}
}

func (m *Manager) handleLinkLoss(id string) {
	m.mu.Lock()
	if m.state != StateConnected || m.active == nil || m.active.ID != id {
		m.mu.Unlock()
		return
	}
	p := m.active
	m.mu.Unlock()

	logger.Warn(prefix, "📡 Lost link to %s", util.ShortID(id))
	m.teardown(p, false)
}

// teardown runs Connected -> Disconnected -> Idle for p, unless someone else
// got there first
func (m *Manager) teardown(p *gatt.Peripheral, closeLink bool) error {
	m.mu.Lock()
	if m.state != StateConnected || m.active != p {
		m.mu.Unlock()
		return nil
	}
	m.active = nil
	m.state = StateDisconnected
	listeners := m.stateListeners()
	disconnectListeners := m.disconnectListeners()
	m.mu.Unlock()

	var err error
	if closeLink {
		err = m.transport.Disconnect(p.ID)
	}
	// Subscriptions go inert even if the transport skipped it
	p.Disconnect()

	emit(listeners, StateDisconnected)
	for _, fn := range disconnectListeners {
		fn(p.ID)
	}

	m.mu.Lock()
	if m.state == StateDisconnected {
		m.state = StateIdle
	}
	listeners = m.stateListeners()
	m.mu.Unlock()

	logger.Info(prefix, "📡 Disconnected from %s", util.ShortID(p.ID))
	emit(listeners, StateIdle)
	return err
}

// Read reads a characteristic of the connected peripheral
func (m *Manager) Read(serviceUUID, charUUID string) ([]byte, error) {
	c, err := m.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return c.Read()
}

// Write writes a characteristic of the connected peripheral
func (m *Manager) Write(serviceUUID, charUUID string, value []byte, mode gatt.WriteMode) error {
	c, err := m.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	logger.Trace(prefix, "✍️  Write %s: %s", charUUID, value)
	return c.Write(value, mode)
}

// Monitor subscribes to a characteristic of the connected peripheral
func (m *Manager) Monitor(serviceUUID, charUUID, subscriber string, fn gatt.NotifyFunc) (*gatt.Subscription, error) {
	c, err := m.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return c.Monitor(subscriber, fn)
}

func (m *Manager) characteristic(serviceUUID, charUUID string) (*gatt.Characteristic, error) {
	p := m.Active()
	if p == nil {
		return nil, ErrNotConnected
	}
	return p.Characteristic(serviceUUID, charUUID)
}

func (m *Manager) stateListeners() []func(State) {
	out := make([]func(State), len(m.onStateChange))
	copy(out, m.onStateChange)
	return out
}

func (m *Manager) disconnectListeners() []func(string) {
	out := make([]func(string), len(m.onDisconnect))
	copy(out, m.onDisconnect)
	return out
}

func emit(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
