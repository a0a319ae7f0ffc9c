// Package controller emulates the ESP32 irrigation controller firmware on
// top of the gatt peripheral model: it owns the service table, executes
// valve-control writes and counts running valves down, publishing timer and
// alert notifications the way the device does.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/protocol"
	"github.com/user/aquaflush/util"
)

const (
	DefaultID   = "ESP32_MOCK_DEVICE"
	DefaultName = "ESP32_Simulator"

	AlertNone           = "No alert"
	AlertInvalidCommand = "Invalid command"
	AlertSequenceDone   = "Sequence complete"
)

// Config describes the emulated hardware
type Config struct {
	ID           string        // Empty: random UUID
	Name         string        // Advertised name
	Valves       int           // Default: 4
	Pins         []int         // Default: [2 4 5 16]
	TickInterval time.Duration // Wall time per device second; Default: 1s
}

// DefaultConfig returns the stock four-valve board
func DefaultConfig() Config {
	return Config{
		ID:           DefaultID,
		Name:         DefaultName,
		Valves:       4,
		Pins:         []int{2, 4, 5, 16},
		TickInterval: time.Second,
	}
}

// Controller is one emulated irrigation controller
type Controller struct {
	peripheral *gatt.Peripheral
	control    *gatt.Characteristic
	config     *gatt.Characteristic
	timer      *gatt.Characteristic
	alert      *gatt.Characteristic
	tick       time.Duration
	prefix     string

	mu        sync.Mutex
	valves    int
	pins      []int
	running   map[int]int // valve -> remaining seconds
	latched   map[int]bool
	sequence  []protocol.ValveCommand // steps not yet started
	seqValve  int                     // valve of the step in progress, 0 when idle
	seqActive bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the peripheral and its characteristics
func New(cfg Config) (*Controller, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Valves < 0 {
		return nil, fmt.Errorf("valve count %d is negative", cfg.Valves)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	c := &Controller{
		peripheral: gatt.NewPeripheral(cfg.ID, cfg.Name),
		tick:       cfg.TickInterval,
		prefix:     fmt.Sprintf("%s ESP32", util.ShortID(cfg.ID)),
		valves:     cfg.Valves,
		pins:       append([]int(nil), cfg.Pins...),
		running:    make(map[int]int),
		latched:    make(map[int]bool),
	}

	configValue, err := protocol.EncodeConfiguration(protocol.Configuration{ValveCount: cfg.Valves, Pins: cfg.Pins})
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	timerValue, err := protocol.EncodeTimerUpdate(protocol.TimerUpdate{})
	if err != nil {
		return nil, fmt.Errorf("failed to encode timers: %w", err)
	}

	svc, err := c.peripheral.AddService(protocol.ServiceUUID)
	if err != nil {
		return nil, err
	}

	chars := []struct {
		dst     **gatt.Characteristic
		uuid    string
		caps    gatt.Capability
		initial []byte
	}{
		{&c.control, protocol.ValveControlUUID, gatt.Readable | gatt.WritableWithResponse, []byte("OFF")},
		{&c.config, protocol.ConfigurationUUID, gatt.Readable | gatt.Notifiable, configValue},
		{&c.timer, protocol.TimerUUID, gatt.Readable | gatt.Notifiable, timerValue},
		{&c.alert, protocol.AlertUUID, gatt.Readable | gatt.Notifiable, protocol.EncodeAlert(AlertNone)},
	}
	for _, ch := range chars {
		created, err := svc.AddCharacteristic(ch.uuid, ch.caps, ch.initial)
		if err != nil {
			return nil, err
		}
		*ch.dst = created
	}

	// The written value is already stored by the time the handler runs,
	// which gives the firmware's echo behaviour.
	c.control.SetWriteHandler(c.handleControl)

	return c, nil
}

// Peripheral returns the emulated device
func (c *Controller) Peripheral() *gatt.Peripheral {
	return c.peripheral
}

// Running returns remaining seconds per timed valve
func (c *Controller) Running() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int, len(c.running))
	for id, r := range c.running {
		out[id] = r
	}
	return out
}

// IsOpen reports whether a valve is currently on, timed or latched
func (c *Controller) IsOpen(valve int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, timed := c.running[valve]
	return timed || c.latched[valve]
}

// SetAlert publishes a status string
func (c *Controller) SetAlert(msg string) {
	logger.Debug(c.prefix, "🔔 Alert: %s", msg)
	c.alert.Update(protocol.EncodeAlert(msg))
}

// Reconfigure changes the valve count and pins and notifies monitors of the
// configuration characteristic. Valves beyond the new count are closed.
func (c *Controller) Reconfigure(cfg protocol.Configuration) error {
	value, err := protocol.EncodeConfiguration(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.valves = cfg.ValveCount
	c.pins = append([]int(nil), cfg.Pins...)
	closed := protocol.TimerUpdate{}
	for id := range c.running {
		if id > cfg.ValveCount {
			delete(c.running, id)
			closed[id] = 0
		}
	}
	for id := range c.latched {
		if id > cfg.ValveCount {
			delete(c.latched, id)
		}
	}
	c.mu.Unlock()

	logger.Info(c.prefix, "⚙️  Reconfigured: %d valves, pins %v", cfg.ValveCount, cfg.Pins)
	c.config.Update(value)
	if len(closed) > 0 {
		c.publishTimers(closed)
	}
	return nil
}

func (c *Controller) handleControl(value []byte) {
	msg, err := protocol.DecodeValveControl(value)
	if err != nil {
		logger.Warn(c.prefix, "Rejected valve-control write %q: %v", value, err)
		c.SetAlert(AlertInvalidCommand)
		return
	}
	logger.DebugJSON(c.prefix, "Valve control", value)

	if msg.IsSequence() {
		c.startSequence(msg.Sequence.Valves)
		return
	}
	c.execute(*msg.Command)
}

func (c *Controller) execute(cmd protocol.ValveCommand) {
	c.mu.Lock()
	if cmd.Valve > c.valves {
		c.mu.Unlock()
		c.SetAlert(fmt.Sprintf("Unknown valve %d", cmd.Valve))
		return
	}

	update := protocol.TimerUpdate{}
	var alert string
	switch cmd.Action {
	case protocol.ActionOn:
		if cmd.Duration != nil && *cmd.Duration > 0 {
			delete(c.latched, cmd.Valve)
			c.running[cmd.Valve] = *cmd.Duration
			update[cmd.Valve] = *cmd.Duration
			alert = fmt.Sprintf("Valve %d ON for %ds", cmd.Valve, *cmd.Duration)
		} else {
			delete(c.running, cmd.Valve)
			c.latched[cmd.Valve] = true
			if c.seqValve == cmd.Valve {
				// A latched valve no longer times out; the sequence moves on
				c.seqValve = 0
			}
			alert = fmt.Sprintf("Valve %d ON", cmd.Valve)
		}
	case protocol.ActionOff:
		_, wasTimed := c.running[cmd.Valve]
		delete(c.running, cmd.Valve)
		delete(c.latched, cmd.Valve)
		if wasTimed {
			update[cmd.Valve] = 0
		}
		if c.seqValve == cmd.Valve {
			// Manual stop skips to the next step
			c.seqValve = 0
		}
		alert = fmt.Sprintf("Valve %d OFF", cmd.Valve)
	}
	next := c.advanceSequenceLocked(update)
	c.mu.Unlock()

	logger.Info(c.prefix, "💧 %s", alert)
	if len(update) > 0 {
		c.publishTimers(update)
	}
	c.SetAlert(alert)
	if next != "" {
		c.SetAlert(next)
	}
}

func (c *Controller) startSequence(steps []protocol.ValveCommand) {
	c.mu.Lock()
	update := protocol.TimerUpdate{}
	if c.seqValve != 0 {
		// A new sequence replaces the one in progress
		delete(c.running, c.seqValve)
		update[c.seqValve] = 0
		c.seqValve = 0
	}
	c.sequence = nil
	for _, step := range steps {
		if step.Action != protocol.ActionOn || step.Valve > c.valves {
			continue
		}
		c.sequence = append(c.sequence, step)
	}
	count := len(c.sequence)
	c.seqActive = count > 0
	next := c.advanceSequenceLocked(update)
	c.mu.Unlock()

	logger.Info(c.prefix, "🔁 Sequence of %d valves", count)
	if len(update) > 0 {
		c.publishTimers(update)
	}
	if count == 0 {
		c.SetAlert(AlertInvalidCommand)
		return
	}
	c.SetAlert(fmt.Sprintf("Sequence started (%d valves)", count))
	if next != "" {
		c.SetAlert(next)
	}
}

// advanceSequenceLocked starts the next pending step when no step is in
// progress. Steps without a duration complete immediately. Returns the alert
// to publish when the sequence has finished.
func (c *Controller) advanceSequenceLocked(update protocol.TimerUpdate) string {
	if !c.seqActive || c.seqValve != 0 {
		return ""
	}
	for len(c.sequence) > 0 {
		step := c.sequence[0]
		c.sequence = c.sequence[1:]
		if step.Duration == nil || *step.Duration <= 0 {
			continue
		}
		c.seqValve = step.Valve
		c.running[step.Valve] = *step.Duration
		update[step.Valve] = *step.Duration
		return ""
	}
	c.seqActive = false
	return AlertSequenceDone
}

// Tick advances device time by one second
func (c *Controller) Tick() {
	c.mu.Lock()
	if len(c.running) == 0 {
		c.mu.Unlock()
		return
	}
	update := make(protocol.TimerUpdate, len(c.running))
	finishedStep := false
	ids := make([]int, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		remaining := c.running[id] - 1
		if remaining <= 0 {
			remaining = 0
			delete(c.running, id)
			if id == c.seqValve {
				c.seqValve = 0
				finishedStep = true
			}
			logger.Info(c.prefix, "💧 Valve %d finished", id)
		} else {
			c.running[id] = remaining
		}
		update[id] = remaining
	}
	next := ""
	if finishedStep {
		next = c.advanceSequenceLocked(update)
	}
	c.mu.Unlock()

	c.publishTimers(update)
	if next != "" {
		c.SetAlert(next)
	}
}

func (c *Controller) publishTimers(update protocol.TimerUpdate) {
	value, err := protocol.EncodeTimerUpdate(update)
	if err != nil {
		logger.Error(c.prefix, "Failed to encode timers: %v", err)
		return
	}
	logger.Trace(c.prefix, "⏱️  Timers %s", value)
	c.timer.Update(value)
}

// Start runs the device clock until Stop or ctx is done
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()

	logger.Debug(c.prefix, "⏱️  Device clock started (%v per second)", c.tick)
}

// Stop halts the device clock and waits for it to exit
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
