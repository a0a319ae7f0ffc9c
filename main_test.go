package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/controller"
	"github.com/user/aquaflush/devicestore"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "aquaflush-test-*")
	if err != nil {
		panic(err)
	}
	os.Setenv("AQUAFLUSH_DIR", dir)
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("AQUAFLUSH_ADDR", "127.0.0.1:9999")
	t.Setenv("AQUAFLUSH_LOG_LEVEL", "DEBUG")

	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.addr != "127.0.0.1:9999" {
		t.Errorf("Expected env addr, got %q", opts.addr)
	}
	if opts.logLevel != "DEBUG" {
		t.Errorf("Expected env log level, got %q", opts.logLevel)
	}

	opts, err = parseFlags([]string{"-addr", ":1234", "-sim", "perfect", "-tick", "50ms"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.addr != ":1234" || opts.sim != "perfect" || opts.tick != 50*time.Millisecond {
		t.Errorf("Flags not applied: %+v", opts)
	}
}

func TestSimulationConfig(t *testing.T) {
	if cfg := simulationConfig("perfect"); cfg.MaxConnectionDelay != 0 {
		t.Errorf("Perfect simulation should have no connection delay")
	}
	if cfg := simulationConfig("realistic"); cfg.ConnectionFailureRate != 0 {
		t.Errorf("Emulated controller should always accept connections")
	}
}

func TestBuild_StartupReconnect(t *testing.T) {
	opts := options{sim: "perfect", tick: 10 * time.Millisecond}

	a, err := build(opts)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer a.device.Stop()

	if a.radio.Simulator().Config().MaxConnectionDelay != 0 {
		t.Errorf("Expected the perfect radio model")
	}

	// Nothing known yet: Idle
	if err := a.api.ReconnectLast(context.Background()); err == nil {
		t.Errorf("Expected error with no known device")
	}
	if a.manager.State() != central.StateIdle {
		t.Errorf("Expected idle, got %s", a.manager.State())
	}

	if err := a.store.Add(devicestore.Device{ID: controller.DefaultID, Name: controller.DefaultName}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := a.store.SetLastConnected(controller.DefaultID); err != nil {
		t.Fatalf("SetLastConnected failed: %v", err)
	}

	if err := a.api.ReconnectLast(context.Background()); err != nil {
		t.Fatalf("ReconnectLast failed: %v", err)
	}
	if len(a.session.Valves()) != 4 {
		t.Errorf("Expected 4 valves after reconnect, got %d", len(a.session.Valves()))
	}
	a.manager.Disconnect()
}
