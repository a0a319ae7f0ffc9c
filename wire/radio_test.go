package wire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/aquaflush/gatt"
)

func newTestPeripheral(t *testing.T, id string) *gatt.Peripheral {
	t.Helper()
	p := gatt.NewPeripheral(id, "Device "+id)
	s, err := p.AddService("svc")
	if err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if _, err := s.AddCharacteristic("chr", gatt.Readable|gatt.Notifiable, nil); err != nil {
		t.Fatalf("AddCharacteristic failed: %v", err)
	}
	return p
}

func TestRadio_ScanReportsEachPeripheralOnce(t *testing.T) {
	radio := NewRadio(PerfectSimulationConfig())
	radio.Advertise(newTestPeripheral(t, "a"))
	radio.Advertise(newTestPeripheral(t, "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	counts := make(map[string]int)
	if err := radio.Scan(ctx, func(p *gatt.Peripheral, rssi int) {
		counts[p.ID]++
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if counts["a"] != 1 || counts["b"] != 1 || len(counts) != 2 {
		t.Errorf("Expected each peripheral exactly once, got %v", counts)
	}
}

func TestRadio_ScanPicksUpLateAdvertisers(t *testing.T) {
	radio := NewRadio(PerfectSimulationConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	found := make(chan string, 1)
	go radio.Scan(ctx, func(p *gatt.Peripheral, rssi int) {
		found <- p.ID
		cancel()
	})

	time.Sleep(30 * time.Millisecond)
	radio.Advertise(newTestPeripheral(t, "late"))

	select {
	case id := <-found:
		if id != "late" {
			t.Errorf("Expected late, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for late advertiser")
	}
}

func TestRadio_ConnectAndDisconnect(t *testing.T) {
	radio := NewRadio(PerfectSimulationConfig())
	p := newTestPeripheral(t, "dev")
	radio.Advertise(p)

	got, err := radio.Connect(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got != p || !p.IsConnected() || !radio.IsConnected("dev") {
		t.Fatalf("Expected connected peripheral")
	}

	c, _ := p.Characteristic("svc", "chr")
	sub, _ := c.Monitor("test", func([]byte) {})

	if err := radio.Disconnect("dev"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if p.IsConnected() || sub.Active() {
		t.Errorf("Disconnect should tear down state and subscriptions")
	}

	// Idempotent
	if err := radio.Disconnect("dev"); err != nil {
		t.Errorf("Second Disconnect failed: %v", err)
	}
}

func TestRadio_ConnectUnknown(t *testing.T) {
	radio := NewRadio(PerfectSimulationConfig())

	_, err := radio.Connect(context.Background(), "ghost")
	if !gatt.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestRadio_ConnectFailureRate(t *testing.T) {
	cfg := PerfectSimulationConfig()
	cfg.ConnectionFailureRate = 1
	radio := NewRadio(cfg)
	p := newTestPeripheral(t, "dev")
	radio.Advertise(p)

	_, err := radio.Connect(context.Background(), "dev")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Expected ErrConnectionFailed, got %v", err)
	}
	if p.State() != gatt.StateDisconnected {
		t.Errorf("Failed connect should leave peripheral disconnected, got %s", p.State())
	}
}

func TestRadio_ConnectRespectsContext(t *testing.T) {
	cfg := PerfectSimulationConfig()
	cfg.MinConnectionDelay = 500
	cfg.MaxConnectionDelay = 500
	radio := NewRadio(cfg)
	radio.Advertise(newTestPeripheral(t, "dev"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := radio.Connect(ctx, "dev")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Errorf("Connect did not stop at the deadline")
	}
}

func TestRadio_DropConnectionFiresCallback(t *testing.T) {
	radio := NewRadio(PerfectSimulationConfig())
	radio.Advertise(newTestPeripheral(t, "dev"))

	lost := make(chan string, 1)
	radio.SetDisconnectCallback(func(id string) { lost <- id })

	if _, err := radio.Connect(context.Background(), "dev"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Explicit disconnects are not link loss
	radio.Disconnect("dev")
	select {
	case id := <-lost:
		t.Fatalf("Unexpected link-loss callback for %s", id)
	default:
	}

	radio.Connect(context.Background(), "dev")
	radio.Remove("dev")

	select {
	case id := <-lost:
		if id != "dev" {
			t.Errorf("Expected dev, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for link-loss callback")
	}
}

func TestSimulator_FixedDelays(t *testing.T) {
	cfg := PerfectSimulationConfig()
	cfg.MinConnectionDelay = 100
	cfg.MaxConnectionDelay = 100
	sim := NewSimulator(cfg)

	if d := sim.ConnectionDelay(); d != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", d)
	}
	if d := sim.DiscoveryDelay(); d != 0 {
		t.Errorf("Expected 0 discovery delay, got %v", d)
	}
	if !sim.ShouldConnectionSucceed() {
		t.Errorf("Perfect config should always connect")
	}
	if rssi := sim.GenerateRSSI(3); rssi != cfg.BaseRSSI {
		t.Errorf("RSSI disabled should return base, got %d", rssi)
	}
}
