package session

import (
	"context"
	"testing"
	"time"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/controller"
	"github.com/user/aquaflush/wire"
)

// TestSession_EndToEnd drives the emulated controller through the radio and
// connection manager, the way the daemon wires them
func TestSession_EndToEnd(t *testing.T) {
	radio := wire.NewRadio(wire.PerfectSimulationConfig())

	cfg := controller.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	device, err := controller.New(cfg)
	if err != nil {
		t.Fatalf("controller.New failed: %v", err)
	}
	device.Start(context.Background())
	defer device.Stop()
	radio.Advertise(device.Peripheral())

	manager := central.NewManager(radio, central.DefaultConfig())
	s := New(manager, Config{TickInterval: time.Hour}) // device timers only

	if err := manager.Connect(context.Background(), controller.DefaultID); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(s.Valves()) != 4 {
		t.Fatalf("Expected 4 valves from controller, got %d", len(s.Valves()))
	}

	s.SetDuration(2, 3)
	if err := s.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !device.IsOpen(2) {
		t.Fatalf("Controller did not open valve 2")
	}
	if got := s.LastAlert(); got != "Valve 2 ON for 3s" {
		t.Errorf("Unexpected alert %q", got)
	}

	// Device timer notifications close the valve
	waitFor(t, "device to report valve 2 finished", func() bool {
		v, _ := s.Valve(2)
		return !v.IsRunning && v.Remaining == 0
	})

	// Sequence run, completion observed through timer notifications
	s.SetActive(1, true)
	s.SetActive(3, true)
	s.SetDuration(1, 1)
	s.SetDuration(3, 1)
	if err := s.RunSequence(); err != nil {
		t.Fatalf("RunSequence failed: %v", err)
	}
	waitFor(t, "sequence completion alert", func() bool {
		return s.LastAlert() == controller.AlertSequenceDone
	})

	// Latching valve then stop
	s.SetMode(4, Latching)
	s.Start(4)
	if !device.IsOpen(4) {
		t.Fatalf("Controller did not latch valve 4")
	}
	s.Stop(4)
	if device.IsOpen(4) {
		t.Errorf("Controller did not close valve 4")
	}

	// Link loss leaves the session detached
	s.SetDuration(1, 60)
	s.Start(1)
	radio.DropConnection(controller.DefaultID)
	waitFor(t, "manager idle", func() bool {
		return manager.State() == central.StateIdle
	})
	if err := s.Start(1); err == nil {
		t.Errorf("Start after link loss should fail")
	}
}
