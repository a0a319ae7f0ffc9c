package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/protocol"
)

// fakeConn serves a bare peripheral with the controller's service table and
// records valve-control writes
type fakeConn struct {
	t *testing.T
	p *gatt.Peripheral

	mu           sync.Mutex
	connected    bool
	writes       []string
	onDisconnect []func(string)
}

func newFakeConn(t *testing.T, valves int) *fakeConn {
	t.Helper()
	p := gatt.NewPeripheral("fake", "Fake Controller")
	svc, _ := p.AddService(protocol.ServiceUUID)
	cfg, _ := protocol.EncodeConfiguration(protocol.Configuration{ValveCount: valves, Pins: []int{}})
	svc.AddCharacteristic(protocol.ValveControlUUID, gatt.Readable|gatt.WritableWithResponse, []byte("OFF"))
	svc.AddCharacteristic(protocol.ConfigurationUUID, gatt.Readable|gatt.Notifiable, cfg)
	svc.AddCharacteristic(protocol.TimerUUID, gatt.Readable|gatt.Notifiable, []byte("{}"))
	svc.AddCharacteristic(protocol.AlertUUID, gatt.Readable|gatt.Notifiable, []byte("No alert"))
	p.SetState(gatt.StateConnected)
	return &fakeConn{t: t, p: p, connected: true}
}

func (f *fakeConn) characteristic(svc, chr string) (*gatt.Characteristic, error) {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return nil, central.ErrNotConnected
	}
	return f.p.Characteristic(svc, chr)
}

func (f *fakeConn) Read(svc, chr string) ([]byte, error) {
	c, err := f.characteristic(svc, chr)
	if err != nil {
		return nil, err
	}
	return c.Read()
}

func (f *fakeConn) Write(svc, chr string, value []byte, mode gatt.WriteMode) error {
	c, err := f.characteristic(svc, chr)
	if err != nil {
		return err
	}
	if err := c.Write(value, mode); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, string(value))
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Monitor(svc, chr, subscriber string, fn gatt.NotifyFunc) (*gatt.Subscription, error) {
	c, err := f.characteristic(svc, chr)
	if err != nil {
		return nil, err
	}
	return c.Monitor(subscriber, fn)
}

func (f *fakeConn) OnDisconnect(fn func(id string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, fn)
}

func (f *fakeConn) disconnect() {
	f.mu.Lock()
	f.connected = false
	listeners := f.onDisconnect
	f.mu.Unlock()

	f.p.Disconnect()
	for _, fn := range listeners {
		fn(f.p.ID)
	}
}

func (f *fakeConn) notify(chr, value string) {
	c, err := f.p.Characteristic(protocol.ServiceUUID, chr)
	if err != nil {
		f.t.Fatalf("Characteristic %s missing: %v", chr, err)
	}
	c.Update([]byte(value))
}

func (f *fakeConn) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func newTestSession(t *testing.T, valves int, tick time.Duration) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(t, valves)
	s := New(conn, Config{TickInterval: tick})
	s.Configure(valves)
	return s, conn
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func TestSession_ConfigureDefaults(t *testing.T) {
	s, _ := newTestSession(t, 4, time.Second)

	valves := s.Valves()
	if len(valves) != 4 {
		t.Fatalf("Expected 4 valves, got %d", len(valves))
	}
	for i, v := range valves {
		if v.ID != i+1 || v.Name != DefaultName(i+1) || v.Mode != Momentary || v.Duration != 0 {
			t.Errorf("Unexpected defaults for valve %d: %+v", i+1, v)
		}
		if v.IsActive || v.IsRunning || v.Remaining != 0 {
			t.Errorf("Valve %d should start idle: %+v", i+1, v)
		}
	}

	s.SetName(1, "Front lawn")
	s.Configure(2)
	if v, _ := s.Valve(1); v.Name != "Valve 1" {
		t.Errorf("Configure should reset settings, got %q", v.Name)
	}
}

func TestSession_StartEncodesByMode(t *testing.T) {
	s, conn := newTestSession(t, 4, time.Hour)

	s.SetDuration(2, 10)
	if err := s.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.SetMode(3, Latching)
	s.SetDuration(3, 10)
	if err := s.Start(3); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := conn.recorded()
	want := []string{
		`{"valve":2,"action":"ON","duration":10}`,
		`{"valve":3,"action":"ON"}`,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected writes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Write %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	v2, _ := s.Valve(2)
	if !v2.IsRunning || v2.Remaining != 10 {
		t.Errorf("Momentary valve should be running with 10s left: %+v", v2)
	}
	v3, _ := s.Valve(3)
	if !v3.IsRunning || v3.Remaining != 0 {
		t.Errorf("Latching valve should be running without a countdown: %+v", v3)
	}
}

func TestSession_StartErrors(t *testing.T) {
	s, conn := newTestSession(t, 4, time.Second)

	err := s.Start(9)
	var nf *gatt.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "valve" {
		t.Errorf("Expected valve NotFoundError, got %v", err)
	}

	conn.disconnect()
	if err := s.Start(1); !errors.Is(err, central.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if v, _ := s.Valve(1); v.IsRunning {
		t.Errorf("Failed start must not mark the valve running")
	}
}

func TestSession_StopCancelsCountdown(t *testing.T) {
	s, conn := newTestSession(t, 2, 10*time.Millisecond)

	s.SetDuration(1, 100)
	s.Start(1)
	if err := s.Stop(1); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	writes := conn.recorded()
	if writes[len(writes)-1] != `{"valve":1,"action":"OFF"}` {
		t.Errorf("Expected OFF write, got %s", writes[len(writes)-1])
	}

	time.Sleep(50 * time.Millisecond)
	v, _ := s.Valve(1)
	if v.IsRunning || v.Remaining != 0 {
		t.Errorf("Stopped valve changed after stop: %+v", v)
	}
}

func TestSession_RunSequenceEmpty(t *testing.T) {
	s, conn := newTestSession(t, 4, time.Second)

	if err := s.RunSequence(); !errors.Is(err, ErrEmptySequence) {
		t.Fatalf("Expected ErrEmptySequence, got %v", err)
	}
	if len(conn.recorded()) != 0 {
		t.Errorf("No write expected, got %v", conn.recorded())
	}
}

func TestSession_RunSequenceActiveAscending(t *testing.T) {
	s, conn := newTestSession(t, 5, time.Second)

	// Activate out of order; 3 is explicitly inactive
	s.SetActive(5, true)
	s.SetActive(3, false)
	s.SetActive(2, true)
	s.SetDuration(2, 30)
	s.SetDuration(5, 45)

	if err := s.RunSequence(); err != nil {
		t.Fatalf("RunSequence failed: %v", err)
	}

	writes := conn.recorded()
	if len(writes) != 1 {
		t.Fatalf("Expected exactly one write, got %v", writes)
	}
	msg, err := protocol.DecodeValveControl([]byte(writes[0]))
	if err != nil || !msg.IsSequence() {
		t.Fatalf("Expected sequence command, got %s (%v)", writes[0], err)
	}
	cmds := msg.Commands()
	if len(cmds) != 2 || cmds[0].Valve != 2 || cmds[1].Valve != 5 {
		t.Fatalf("Expected valves [2 5], got %+v", cmds)
	}
	for _, c := range cmds {
		if c.Action != protocol.ActionOn {
			t.Errorf("Expected ON, got %s", c.Action)
		}
	}
	if *cmds[0].Duration != 30 || *cmds[1].Duration != 45 {
		t.Errorf("Unexpected durations %d, %d", *cmds[0].Duration, *cmds[1].Duration)
	}
}

func TestSession_DeviceReportedCompletionWins(t *testing.T) {
	s, _ := newTestSession(t, 4, 20*time.Millisecond)

	s.SetDuration(2, 10)
	if err := s.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.ApplyTimerUpdate(protocol.TimerUpdate{2: 0})

	v, _ := s.Valve(2)
	if v.IsRunning || v.Remaining != 0 {
		t.Fatalf("Expected valve 2 stopped immediately, got %+v", v)
	}

	// The retired countdown must not touch the valve again
	time.Sleep(100 * time.Millisecond)
	if v, _ := s.Valve(2); v.IsRunning || v.Remaining != 0 {
		t.Errorf("Retired countdown mutated valve: %+v", v)
	}
}

func TestSession_LocalCountdownElapses(t *testing.T) {
	s, _ := newTestSession(t, 2, 10*time.Millisecond)

	s.SetDuration(1, 3)
	s.Start(1)

	waitFor(t, "countdown to finish", func() bool {
		v, _ := s.Valve(1)
		return !v.IsRunning && v.Remaining == 0
	})
}

func TestSession_TimerUpdatePositiveKeepsRunning(t *testing.T) {
	s, _ := newTestSession(t, 2, time.Hour)

	s.SetDuration(1, 60)
	s.Start(1)
	s.ApplyTimerUpdate(protocol.TimerUpdate{1: 42, 7: 0})

	v, _ := s.Valve(1)
	if !v.IsRunning || v.Remaining != 42 {
		t.Errorf("Expected running with 42s, got %+v", v)
	}
	if len(s.Valves()) != 2 {
		t.Errorf("Unknown ids must not create valves")
	}
}

func TestSession_DisconnectCancelsCountdowns(t *testing.T) {
	s, conn := newTestSession(t, 2, 10*time.Millisecond)

	s.SetDuration(1, 2)
	s.Start(1)
	conn.disconnect()

	before, _ := s.Valve(1)
	time.Sleep(80 * time.Millisecond)
	after, _ := s.Valve(1)

	if after != before {
		t.Errorf("Countdown mutated state after disconnect: %+v -> %+v", before, after)
	}
	if !after.IsRunning {
		t.Errorf("Disconnect should leave IsRunning as last observed")
	}
}

func TestSession_AttachFollowsNotifications(t *testing.T) {
	conn := newFakeConn(t, 3)
	s := New(conn, Config{TickInterval: time.Hour})

	var mu sync.Mutex
	changes := 0
	s.OnChange(func([]Valve) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	if err := s.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(s.Valves()) != 3 || s.LastAlert() != "No alert" {
		t.Fatalf("Attach did not configure: %d valves, alert %q", len(s.Valves()), s.LastAlert())
	}

	conn.notify(protocol.TimerUUID, `{"1":5,"9":3}`)
	if v, _ := s.Valve(1); v.Remaining != 5 {
		t.Errorf("Expected remaining 5, got %d", v.Remaining)
	}

	conn.notify(protocol.TimerUUID, `{"TIMERS":{"2":7}}`)
	if v, _ := s.Valve(2); v.Remaining != 7 {
		t.Errorf("Expected remaining 7 from envelope, got %d", v.Remaining)
	}

	// Malformed payloads keep the stale state
	conn.notify(protocol.TimerUUID, `{"1":"soon"}`)
	if v, _ := s.Valve(1); v.Remaining != 5 {
		t.Errorf("Malformed notification changed state: %+v", v)
	}
	conn.notify(protocol.ConfigurationUUID, `not json`)
	if len(s.Valves()) != 3 {
		t.Errorf("Malformed configuration changed valve count")
	}

	conn.notify(protocol.AlertUUID, "Low pressure")
	if s.LastAlert() != "Low pressure" {
		t.Errorf("Expected alert to update, got %q", s.LastAlert())
	}

	s.SetName(1, "Beds")
	conn.notify(protocol.ConfigurationUUID, `{"VALVES":5,"PINS":[]}`)
	valves := s.Valves()
	if len(valves) != 5 || valves[0].Name != "Beds" || valves[4].Name != "Valve 5" {
		t.Errorf("Resize should keep surviving settings: %+v", valves)
	}

	mu.Lock()
	defer mu.Unlock()
	if changes == 0 {
		t.Errorf("Expected change notifications")
	}
}

func TestSession_AttachRejectsBadConfiguration(t *testing.T) {
	conn := newFakeConn(t, 1)
	conn.notify(protocol.ConfigurationUUID, `{"PINS":[1]}`)
	s := New(conn, DefaultConfig())

	if err := s.Attach(); !protocol.IsMalformed(err) {
		t.Errorf("Expected malformed payload error, got %v", err)
	}
}

func TestSession_Setters(t *testing.T) {
	s, _ := newTestSession(t, 2, time.Second)

	if err := s.SetDuration(1, -1); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Expected ErrInvalidDuration, got %v", err)
	}
	if err := s.SetMode(3, Latching); !gatt.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	s.SetName(2, "")
	if v, _ := s.Valve(2); v.Name != "Valve 2" {
		t.Errorf("Empty name should fall back to default, got %q", v.Name)
	}

	m, err := ParseMode("Latching")
	if err != nil || m != Latching {
		t.Errorf("ParseMode failed: %v", err)
	}
	if _, err := ParseMode("pulse"); err == nil {
		t.Errorf("Expected error for unknown mode")
	}
}
