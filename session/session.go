// Package session keeps local valve state in step with what was last sent
// to, or heard from, the irrigation controller.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/protocol"
)

const prefix = "Session"

// Conn is the part of central.Manager a session needs
type Conn interface {
	Read(serviceUUID, charUUID string) ([]byte, error)
	Write(serviceUUID, charUUID string, value []byte, mode gatt.WriteMode) error
	Monitor(serviceUUID, charUUID, subscriber string, fn gatt.NotifyFunc) (*gatt.Subscription, error)
	OnDisconnect(fn func(id string))
}

// Config holds session knobs
type Config struct {
	TickInterval    time.Duration // Local countdown period; Default: 1s
	DefaultDuration int           // Seconds given to valves on configure; Default: 0
	Subscriber      string        // Monitor identity; Default: "session"
}

// DefaultConfig returns the standard session configuration
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		Subscriber:   "session",
	}
}

// countdown is one local timer. A countdown is live only while it is the
// entry in Session.countdowns for its valve.
type countdown struct {
	gen  uint64
	stop chan struct{}
}

// Session bridges valve state and the valve-control protocol
type Session struct {
	conn Conn
	cfg  Config

	mu         sync.Mutex
	valves     []*Valve // index id-1
	countdowns map[int]*countdown
	gen        uint64
	subs       []*gatt.Subscription
	lastAlert  string
	listeners  []func([]Valve)
}

// New creates an unconfigured session and hooks connection teardown
func New(conn Conn, cfg Config) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = "session"
	}
	if cfg.DefaultDuration < 0 {
		cfg.DefaultDuration = 0
	}
	s := &Session{
		conn:       conn,
		cfg:        cfg,
		countdowns: make(map[int]*countdown),
	}
	conn.OnDisconnect(s.handleDisconnect)
	return s
}

// Configure (re)initialises count valves with default settings
func (s *Session) Configure(count int) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	s.cancelAllLocked()
	s.valves = make([]*Valve, count)
	for i := range s.valves {
		s.valves[i] = newValve(i+1, s.cfg.DefaultDuration)
	}
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	logger.Info(prefix, "⚙️  Configured %d valves", count)
	emit(listeners, snap)
}

// ConfigureFrom configures from a decoded configuration payload
func (s *Session) ConfigureFrom(cfg protocol.Configuration) {
	s.Configure(cfg.ValveCount)
}

// resize keeps settings for valves that survive a configuration change
func (s *Session) resize(count int) {
	s.mu.Lock()
	if count == len(s.valves) {
		s.mu.Unlock()
		return
	}
	for id := count + 1; id <= len(s.valves); id++ {
		s.cancelCountdownLocked(id)
	}
	if count < len(s.valves) {
		s.valves = s.valves[:count]
	}
	for id := len(s.valves) + 1; id <= count; id++ {
		s.valves = append(s.valves, newValve(id, s.cfg.DefaultDuration))
	}
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	logger.Info(prefix, "⚙️  Controller now reports %d valves", count)
	emit(listeners, snap)
}

// Attach reads the controller configuration, configures the valves and
// subscribes to timer, alert and configuration notifications
func (s *Session) Attach() error {
	data, err := s.conn.Read(protocol.ServiceUUID, protocol.ConfigurationUUID)
	if err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	cfg, err := protocol.DecodeConfiguration(data)
	if err != nil {
		return err
	}
	logger.DebugJSON(prefix, "Configuration", data)
	s.ConfigureFrom(cfg)

	if alert, err := s.conn.Read(protocol.ServiceUUID, protocol.AlertUUID); err == nil {
		s.setAlert(protocol.DecodeAlert(alert))
	}

	monitors := []struct {
		uuid string
		fn   gatt.NotifyFunc
	}{
		{protocol.TimerUUID, s.handleTimer},
		{protocol.AlertUUID, s.handleAlert},
		{protocol.ConfigurationUUID, s.handleConfiguration},
	}
	var subs []*gatt.Subscription
	for _, m := range monitors {
		sub, err := s.conn.Monitor(protocol.ServiceUUID, m.uuid, s.cfg.Subscriber, m.fn)
		if err != nil {
			for _, done := range subs {
				done.Remove()
			}
			return fmt.Errorf("failed to monitor %s: %w", protocol.CharacteristicName(m.uuid), err)
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	old := s.subs
	s.subs = subs
	s.mu.Unlock()
	for _, sub := range old {
		sub.Remove()
	}

	logger.Info(prefix, "🔗 Attached (%d valves)", cfg.ValveCount)
	return nil
}

// Detach drops notification subscriptions and local countdowns
func (s *Session) Detach() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.cancelAllLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Remove()
	}
}

func (s *Session) handleDisconnect(id string) {
	logger.Debug(prefix, "Peripheral %s gone, cancelling countdowns", id)
	s.Detach()
}

// Start opens a valve. Momentary valves carry their duration and get a
// local countdown when it is positive.
func (s *Session) Start(id int) error {
	s.mu.Lock()
	v, err := s.valveLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var duration *int
	if v.Mode == Momentary {
		d := v.Duration
		duration = &d
	}
	s.mu.Unlock()

	payload, err := protocol.EncodeValveCommand(id, protocol.ActionOn, duration)
	if err != nil {
		return err
	}
	if err := s.conn.Write(protocol.ServiceUUID, protocol.ValveControlUUID, payload, gatt.WithResponse); err != nil {
		return fmt.Errorf("failed to start valve %d: %w", id, err)
	}

	s.mu.Lock()
	v, err = s.valveLocked(id)
	if err != nil {
		// Reconfigured while the write was in flight
		s.mu.Unlock()
		return err
	}
	v.IsRunning = true
	if v.Mode == Momentary && v.Duration > 0 {
		v.Remaining = v.Duration
		s.startCountdownLocked(id)
	} else {
		s.cancelCountdownLocked(id)
	}
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	logger.Info(prefix, "💧 Started valve %d (%s)", id, v.Mode)
	emit(listeners, snap)
	return nil
}

// Stop closes a valve and cancels its countdown
func (s *Session) Stop(id int) error {
	s.mu.Lock()
	if _, err := s.valveLocked(id); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	payload, err := protocol.EncodeValveCommand(id, protocol.ActionOff, nil)
	if err != nil {
		return err
	}
	if err := s.conn.Write(protocol.ServiceUUID, protocol.ValveControlUUID, payload, gatt.WithResponse); err != nil {
		return fmt.Errorf("failed to stop valve %d: %w", id, err)
	}

	s.mu.Lock()
	if v, err := s.valveLocked(id); err == nil {
		v.IsRunning = false
		v.Remaining = 0
	}
	s.cancelCountdownLocked(id)
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	logger.Info(prefix, "💧 Stopped valve %d", id)
	emit(listeners, snap)
	return nil
}

// RunSequence sends one sequence command covering every active valve in
// ascending id order. Completion is tracked through timer notifications.
func (s *Session) RunSequence() error {
	s.mu.Lock()
	var cmds []protocol.ValveCommand
	for _, v := range s.valves {
		if !v.IsActive {
			continue
		}
		cmds = append(cmds, protocol.ValveCommand{
			Valve:    v.ID,
			Action:   protocol.ActionOn,
			Duration: protocol.IntPtr(v.Duration),
		})
	}
	s.mu.Unlock()

	if len(cmds) == 0 {
		return ErrEmptySequence
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Valve < cmds[j].Valve })

	payload, err := protocol.EncodeSequenceCommand(cmds)
	if err != nil {
		return err
	}
	if err := s.conn.Write(protocol.ServiceUUID, protocol.ValveControlUUID, payload, gatt.WithResponse); err != nil {
		return fmt.Errorf("failed to run sequence: %w", err)
	}

	logger.Info(prefix, "🔁 Sequence of %d valves sent", len(cmds))
	return nil
}

// ApplyTimerUpdate records device-reported remaining times. Unknown ids are
// ignored. A zero marks the valve finished and retires its countdown.
func (s *Session) ApplyTimerUpdate(update protocol.TimerUpdate) {
	s.mu.Lock()
	changed := false
	for _, id := range update.IDs() {
		v, err := s.valveLocked(id)
		if err != nil {
			logger.Trace(prefix, "Ignoring timer for unknown valve %d", id)
			continue
		}
		remaining := update[id]
		v.Remaining = remaining
		if remaining == 0 {
			v.IsRunning = false
			s.cancelCountdownLocked(id)
		}
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	emit(listeners, snap)
}

func (s *Session) handleTimer(value []byte) {
	update, err := protocol.DecodeTimerUpdate(value)
	if err != nil {
		logger.Warn(prefix, "⚠️  Ignoring timer notification: %v", err)
		return
	}
	logger.Trace(prefix, "⏱️  Timer notification %s", value)
	s.ApplyTimerUpdate(update)
}

func (s *Session) handleAlert(value []byte) {
	s.setAlert(protocol.DecodeAlert(value))
}

func (s *Session) handleConfiguration(value []byte) {
	cfg, err := protocol.DecodeConfiguration(value)
	if err != nil {
		logger.Warn(prefix, "⚠️  Ignoring configuration notification: %v", err)
		return
	}
	s.resize(cfg.ValveCount)
}

func (s *Session) setAlert(msg string) {
	s.mu.Lock()
	s.lastAlert = msg
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	logger.Debug(prefix, "🔔 Alert: %s", msg)
	emit(listeners, snap)
}

// SetName renames a valve
func (s *Session) SetName(id int, name string) error {
	return s.update(id, func(v *Valve) error {
		if name == "" {
			name = DefaultName(id)
		}
		v.Name = name
		return nil
	})
}

// SetDuration sets the run time in seconds used by the next Start
func (s *Session) SetDuration(id int, seconds int) error {
	if seconds < 0 {
		return ErrInvalidDuration
	}
	return s.update(id, func(v *Valve) error {
		v.Duration = seconds
		return nil
	})
}

// SetMode switches between momentary and latching
func (s *Session) SetMode(id int, mode Mode) error {
	return s.update(id, func(v *Valve) error {
		v.Mode = mode
		return nil
	})
}

// SetActive includes or excludes a valve from sequence runs
func (s *Session) SetActive(id int, active bool) error {
	return s.update(id, func(v *Valve) error {
		v.IsActive = active
		return nil
	})
}

func (s *Session) update(id int, fn func(v *Valve) error) error {
	s.mu.Lock()
	v, err := s.valveLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := fn(v); err != nil {
		s.mu.Unlock()
		return err
	}
	snap, listeners := s.changedLocked()
	s.mu.Unlock()

	emit(listeners, snap)
	return nil
}

// Valves returns a snapshot of every valve, by id
func (s *Session) Valves() []Valve {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Valve returns a snapshot of one valve
func (s *Session) Valve(id int) (Valve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.valveLocked(id)
	if err != nil {
		return Valve{}, err
	}
	return *v, nil
}

// LastAlert returns the most recent alert text
func (s *Session) LastAlert() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAlert
}

// OnChange registers a listener called with a snapshot after every change.
// Listeners run without the session lock held.
func (s *Session) OnChange(fn func([]Valve)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) valveLocked(id int) (*Valve, error) {
	if id < 1 || id > len(s.valves) {
		return nil, &gatt.NotFoundError{Kind: "valve", ID: strconv.Itoa(id)}
	}
	return s.valves[id-1], nil
}

func (s *Session) snapshotLocked() []Valve {
	out := make([]Valve, len(s.valves))
	for i, v := range s.valves {
		out[i] = *v
	}
	return out
}

func (s *Session) changedLocked() ([]Valve, []func([]Valve)) {
	if len(s.listeners) == 0 {
		return nil, nil
	}
	listeners := make([]func([]Valve), len(s.listeners))
	copy(listeners, s.listeners)
	return s.snapshotLocked(), listeners
}

func emit(listeners []func([]Valve), snap []Valve) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Session) startCountdownLocked(id int) {
	s.cancelCountdownLocked(id)
	s.gen++
	cd := &countdown{gen: s.gen, stop: make(chan struct{})}
	s.countdowns[id] = cd
	go s.runCountdown(id, cd)
}

func (s *Session) cancelCountdownLocked(id int) {
	if cd, ok := s.countdowns[id]; ok {
		close(cd.stop)
		delete(s.countdowns, id)
	}
}

func (s *Session) cancelAllLocked() {
	for id := range s.countdowns {
		s.cancelCountdownLocked(id)
	}
}

func (s *Session) runCountdown(id int, cd *countdown) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cd.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.countdowns[id] != cd {
			// Retired between the tick and the lock
			s.mu.Unlock()
			return
		}
		v := s.valves[id-1]
		if v.Remaining > 0 {
			v.Remaining--
		}
		finished := v.Remaining == 0
		if finished {
			v.IsRunning = false
			delete(s.countdowns, id)
		}
		snap, listeners := s.changedLocked()
		s.mu.Unlock()

		emit(listeners, snap)
		if finished {
			logger.Debug(prefix, "⏱️  Countdown %d for valve %d elapsed", cd.gen, id)
			return
		}
	}
}
