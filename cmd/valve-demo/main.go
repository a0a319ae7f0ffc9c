package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/controller"
	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/session"
	"github.com/user/aquaflush/wire"
)

func main() {
	tick := flag.Duration("tick", 200*time.Millisecond, "wall time per emulated device second")
	duration := flag.Int("duration", 3, "seconds to run each valve")
	logLevel := flag.String("log-level", "WARN", "TRACE, DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(*logLevel))

	fmt.Println("=== Valve Controller Demo ===")
	fmt.Println()

	config := wire.PerfectSimulationConfig() // Zero delays for demo
	radio := wire.NewRadio(config)

	devCfg := controller.DefaultConfig()
	devCfg.TickInterval = *tick
	device, err := controller.New(devCfg)
	if err != nil {
		fmt.Printf("❌ Could not build controller: %v\n", err)
		os.Exit(1)
	}
	device.Start(context.Background())
	defer device.Stop()
	radio.Advertise(device.Peripheral())

	manager := central.NewManager(radio, central.DefaultConfig())
	sessCfg := session.DefaultConfig()
	sessCfg.TickInterval = *tick
	s := session.New(manager, sessCfg)

	// Scenario 1: discovery
	fmt.Println("Scenario 1: Scan for controllers")
	found := make(chan *gatt.Peripheral, 1)
	err = manager.Scan(central.HasName(), func(p *gatt.Peripheral) {
		select {
		case found <- p:
		default:
		}
	}, 2*time.Second)
	if err != nil {
		fmt.Printf("  ❌ Scan failed: %v\n", err)
		os.Exit(1)
	}

	var target *gatt.Peripheral
	select {
	case target = <-found:
		fmt.Printf("  Discovered %q (%s) ✅\n", target.Name, target.ID)
	case <-time.After(3 * time.Second):
		fmt.Println("  ❌ No controller found")
		os.Exit(1)
	}
	fmt.Println()

	// Scenario 2: connect and read configuration
	fmt.Println("Scenario 2: Connect and attach")
	if err := manager.Connect(context.Background(), target.ID); err != nil {
		fmt.Printf("  ❌ Connect failed: %v\n", err)
		os.Exit(1)
	}
	if err := s.Attach(); err != nil {
		fmt.Printf("  ❌ Attach failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  State: %s, %d valves\n", manager.State(), len(s.Valves()))
	fmt.Println()

	// Scenario 3: momentary run, closed by the device timer
	fmt.Printf("Scenario 3: Run valve 1 for %ds\n", *duration)
	s.SetName(1, "Front lawn")
	s.SetDuration(1, *duration)
	if err := s.Start(1); err != nil {
		fmt.Printf("  ❌ Start failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Alert: %s\n", s.LastAlert())
	waitUntil(time.Duration(*duration+2)*(*tick), func() bool {
		v, _ := s.Valve(1)
		return !v.IsRunning
	})
	v, _ := s.Valve(1)
	fmt.Printf("  %s running=%v remaining=%d ✅\n", v.Name, v.IsRunning, v.Remaining)
	fmt.Println()

	// Scenario 4: latching valve
	fmt.Println("Scenario 4: Latching valve 2")
	s.SetMode(2, session.Latching)
	s.Start(2)
	fmt.Printf("  Controller reports valve 2 open: %v\n", device.IsOpen(2))
	s.Stop(2)
	fmt.Printf("  After stop: %v ✅\n", device.IsOpen(2))
	fmt.Println()

	// Scenario 5: sequence
	fmt.Println("Scenario 5: Sequence over valves 1 and 3")
	s.SetActive(1, true)
	s.SetActive(3, true)
	s.SetDuration(3, *duration)
	if err := s.RunSequence(); err != nil {
		fmt.Printf("  ❌ Sequence failed: %v\n", err)
		os.Exit(1)
	}
	waitUntil(time.Duration(2*(*duration)+4)*(*tick), func() bool {
		return s.LastAlert() == controller.AlertSequenceDone
	})
	fmt.Printf("  Alert: %s\n", s.LastAlert())
	fmt.Println()

	// Scenario 6: link loss
	fmt.Println("Scenario 6: Link loss")
	radio.DropConnection(target.ID)
	waitUntil(time.Second, func() bool {
		return manager.State() == central.StateIdle
	})
	fmt.Printf("  State: %s\n", manager.State())
	if err := s.Start(1); err != nil {
		fmt.Printf("  Start rejected: %v ✅\n", err)
	}
	fmt.Println()

	fmt.Println("✅ Demo complete")
}

func waitUntil(limit time.Duration, cond func() bool) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) && !cond() {
		time.Sleep(10 * time.Millisecond)
	}
}
