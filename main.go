// Command aquaflush runs the valve controller daemon: an emulated irrigation
// controller on a simulated radio, the connection manager and valve session,
// and the HTTP/websocket API in front of them.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/controller"
	"github.com/user/aquaflush/debug"
	"github.com/user/aquaflush/devicestore"
	"github.com/user/aquaflush/httpapi"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/session"
	"github.com/user/aquaflush/wire"
)

const prefix = "Main"

type options struct {
	addr     string
	logLevel string
	sim      string
	trace    bool
	tick     time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("aquaflush", flag.ContinueOnError)
	fs.StringVar(&opts.addr, "addr", envOr("AQUAFLUSH_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&opts.logLevel, "log-level", envOr("AQUAFLUSH_LOG_LEVEL", "INFO"), "TRACE, DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&opts.sim, "sim", "realistic", "radio simulation: perfect or realistic")
	fs.BoolVar(&opts.trace, "trace", false, "write a JSONL trace of GATT operations")
	fs.DurationVar(&opts.tick, "tick", time.Second, "wall time per emulated device second")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func simulationConfig(mode string) *wire.SimulationConfig {
	if mode == "perfect" {
		return wire.PerfectSimulationConfig()
	}
	if mode != "realistic" {
		logger.Warn(prefix, "Unknown -sim %q, using realistic", mode)
	}
	cfg := wire.DefaultSimulationConfig()
	// The emulated controller is always reachable
	cfg.ConnectionFailureRate = 0
	return cfg
}

// app holds the wired components
type app struct {
	radio   *wire.Radio
	device  *controller.Controller
	manager *central.Manager
	session *session.Session
	store   *devicestore.Store
	api     *httpapi.Server
	tracer  *debug.Tracer
}

func build(opts options) (*app, error) {
	radio := wire.NewRadio(simulationConfig(opts.sim))

	cfg := controller.DefaultConfig()
	cfg.TickInterval = opts.tick
	device, err := controller.New(cfg)
	if err != nil {
		return nil, err
	}

	tracer := debug.NewDefaultTracer(opts.trace)
	device.Peripheral().SetObserver(tracer)
	radio.Advertise(device.Peripheral())

	manager := central.NewManager(radio, central.DefaultConfig())
	sessCfg := session.DefaultConfig()
	sessCfg.TickInterval = opts.tick
	sess := session.New(manager, sessCfg)
	store := devicestore.NewDefault()

	return &app{
		radio:   radio,
		device:  device,
		manager: manager,
		session: sess,
		store:   store,
		api:     httpapi.New(manager, sess, store, httpapi.DefaultOptions()),
		tracer:  tracer,
	}, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger.SetLevel(logger.ParseLevel(opts.logLevel))
	logger.SetTimestamps(true)

	a, err := build(opts)
	if err != nil {
		logger.Error(prefix, "❌ Startup failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.device.Start(ctx)

	sim := a.radio.Simulator().Config()
	logger.Info(prefix, "📡 Radio simulation %s: connect %d-%dms, failure rate %.3f",
		opts.sim, sim.MinConnectionDelay, sim.MaxConnectionDelay, sim.ConnectionFailureRate)

	if path := a.tracer.Path(); path != "" {
		logger.Info(prefix, "📝 Tracing GATT operations to %s", path)
	}

	// Startup reconnect: one attempt, Idle on failure
	if err := a.api.ReconnectLast(ctx); err != nil {
		logger.Info(prefix, "No startup connection: %v", err)
	}

	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      a.api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(prefix, "🚀 Listening on %s", opts.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(prefix, "Server failed: %v", err)
			os.Exit(1)
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn(prefix, "sd_notify failed: %v", err)
	} else if ok {
		logger.Debug(prefix, "Notified systemd of readiness")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(prefix, "Shutting down...")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn(prefix, "sd_notify failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	a.api.Hub().Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(prefix, "Server shutdown failed: %v", err)
	}
	a.manager.Disconnect()
	a.device.Stop()

	logger.Info(prefix, "Stopped")
}
