// Package httpapi is the presentation layer: a JSON API over the connection
// manager, valve session and known-device store, plus a websocket stream of
// state changes.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/devicestore"
	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/session"
	"github.com/user/aquaflush/util"
)

const prefix = "HTTP"

// Options holds API knobs
type Options struct {
	ScanTimeout    time.Duration // Default: 10s
	RequestTimeout time.Duration // Default: 30s
}

// DefaultOptions returns the standard API options
func DefaultOptions() Options {
	return Options{
		ScanTimeout:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// DeviceInfo describes a peripheral in API responses
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	State     string      `json:"state"`
	Device    *DeviceInfo `json:"device"`
	Alert     string      `json:"alert"`
	Clients   int         `json:"clients"`
	LastKnown string      `json:"last_known,omitempty"`
}

// Server wires the core components to HTTP
type Server struct {
	manager *central.Manager
	session *session.Session
	store   *devicestore.Store
	hub     *Hub
	opts    Options

	upgrader websocket.Upgrader

	mu        sync.Mutex
	scan      *scanResults // latest accepted scan
	lastAlert string
}

type scanResults struct {
	devices []DeviceInfo
}

// New creates the API and subscribes to manager and session changes
func New(manager *central.Manager, sess *session.Session, store *devicestore.Store, opts Options) *Server {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultOptions().ScanTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}

	s := &Server{
		manager: manager,
		session: sess,
		store:   store,
		hub:     NewHub(),
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	manager.OnStateChange(func(st central.State) {
		s.hub.Broadcast(Event{Type: EventState, Payload: st.String()})
	})
	sess.OnChange(func(valves []session.Valve) {
		s.hub.Broadcast(Event{Type: EventValves, Payload: valves})

		alert := sess.LastAlert()
		s.mu.Lock()
		fresh := alert != s.lastAlert
		s.lastAlert = alert
		s.mu.Unlock()
		if fresh {
			s.hub.Broadcast(Event{Type: EventAlert, Payload: alert})
		}
	})

	return s
}

// Hub exposes the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Websocket stream stays outside the request timeout
	r.Get("/api/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok","service":"aquaflush"}`))
		})

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)

			r.Route("/scan", func(r chi.Router) {
				r.Post("/", s.handleStartScan)
				r.Get("/", s.handleScanResults)
				r.Delete("/", s.handleStopScan)
			})

			r.Post("/connect/{id}", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Delete("/{id}", s.handleForgetDevice)
			})

			r.Route("/valves", func(r chi.Router) {
				r.Get("/", s.handleListValves)
				r.Get("/{id}", s.handleGetValve)
				r.Patch("/{id}", s.handleUpdateValve)
				r.Post("/{id}/start", s.handleStartValve)
				r.Post("/{id}/stop", s.handleStopValve)
			})

			r.Post("/sequence", s.handleRunSequence)
		})
	})

	return r
}

// ConnectAndAttach connects to id, attaches the session and remembers the
// device as the startup reconnect target
func (s *Server) ConnectAndAttach(ctx context.Context, id string) error {
	if err := s.manager.Connect(ctx, id); err != nil {
		return err
	}
	return s.attach(id)
}

// ReconnectLast makes the single startup attempt to reach the last
// connected device. A failure leaves the manager idle.
func (s *Server) ReconnectLast(ctx context.Context) error {
	id, err := s.store.LastConnected()
	if err != nil {
		return err
	}
	if err := s.manager.Reconnect(ctx, id); err != nil {
		return err
	}
	return s.attach(id)
}

func (s *Server) attach(id string) error {
	if err := s.session.Attach(); err != nil {
		logger.Warn(prefix, "Attach to %s failed: %v", util.ShortID(id), err)
		s.manager.Disconnect()
		return err
	}

	name := id
	if p := s.manager.Active(); p != nil {
		name = p.Name
	}
	if err := s.store.Add(devicestore.Device{ID: id, Name: name}); err != nil {
		logger.Warn(prefix, "Could not remember %s: %v", util.ShortID(id), err)
	} else if err := s.store.SetLastConnected(id); err != nil {
		logger.Warn(prefix, "Could not record last connected device: %v", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:   s.manager.State().String(),
		Alert:   s.session.LastAlert(),
		Clients: s.hub.Len(),
	}
	if p := s.manager.Active(); p != nil {
		resp.Device = &DeviceInfo{ID: p.ID, Name: p.Name}
	}
	if id, err := s.store.LastConnected(); err == nil {
		resp.LastKnown = id
	}
	jsonResponse(w, http.StatusOK, resp)
}

type scanRequest struct {
	TimeoutMs  int  `json:"timeout_ms"`
	IncludeAll bool `json:"include_known"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	timeout := s.opts.ScanTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	filter := central.HasName()
	if !req.IncludeAll {
		known, err := s.store.IDs()
		if err != nil {
			failure(w, err)
			return
		}
		filter = central.All(filter, central.NotKnown(known...))
	}

	// Results become visible only once this scan is accepted; a rejected
	// request leaves the running scan's results alone
	results := &scanResults{}
	err := s.manager.Scan(filter, func(p *gatt.Peripheral) {
		info := DeviceInfo{ID: p.ID, Name: p.Name}
		s.mu.Lock()
		results.devices = append(results.devices, info)
		s.mu.Unlock()
		s.hub.Broadcast(Event{Type: EventDiscovered, Payload: info})
	}, timeout)
	if err != nil {
		failure(w, err)
		return
	}

	s.mu.Lock()
	s.scan = results
	s.mu.Unlock()

	jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"status":     "scanning",
		"timeout_ms": timeout.Milliseconds(),
	})
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	found := []DeviceInfo{}
	if s.scan != nil {
		found = append(found, s.scan.devices...)
	}
	s.mu.Unlock()

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"state":   s.manager.State().String(),
		"devices": found,
	})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	s.manager.StopScan()
	successResponse(w, "scan stopped")
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ConnectAndAttach(r.Context(), id); err != nil {
		failure(w, err)
		return
	}
	successResponse(w, "connected to "+id)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(); err != nil {
		failure(w, err)
		return
	}
	successResponse(w, "disconnected")
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Load()
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

func (s *Server) handleForgetDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(chi.URLParam(r, "id")); err != nil {
		failure(w, err)
		return
	}
	successResponse(w, "device removed")
}

func (s *Server) handleListValves(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.session.Valves())
}

func (s *Server) handleGetValve(w http.ResponseWriter, r *http.Request) {
	id, ok := valveID(w, r)
	if !ok {
		return
	}
	v, err := s.session.Valve(id)
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, v)
}

type valveUpdate struct {
	Name     *string       `json:"name"`
	Duration *int          `json:"duration"`
	Mode     *session.Mode `json:"mode"`
	IsActive *bool         `json:"is_active"`
}

func (s *Server) handleUpdateValve(w http.ResponseWriter, r *http.Request) {
	id, ok := valveID(w, r)
	if !ok {
		return
	}
	var req valveUpdate
	if err := decodeJSON(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Validate everything before changing anything
	if _, err := s.session.Valve(id); err != nil {
		failure(w, err)
		return
	}
	if req.Duration != nil && *req.Duration < 0 {
		failure(w, session.ErrInvalidDuration)
		return
	}

	if req.Name != nil {
		if err := s.session.SetName(id, *req.Name); err != nil {
			failure(w, err)
			return
		}
	}
	if req.Duration != nil {
		if err := s.session.SetDuration(id, *req.Duration); err != nil {
			failure(w, err)
			return
		}
	}
	if req.Mode != nil {
		if err := s.session.SetMode(id, *req.Mode); err != nil {
			failure(w, err)
			return
		}
	}
	if req.IsActive != nil {
		if err := s.session.SetActive(id, *req.IsActive); err != nil {
			failure(w, err)
			return
		}
	}

	s.handleGetValve(w, r)
}

func (s *Server) handleStartValve(w http.ResponseWriter, r *http.Request) {
	id, ok := valveID(w, r)
	if !ok {
		return
	}
	if err := s.session.Start(id); err != nil {
		failure(w, err)
		return
	}
	s.handleGetValve(w, r)
}

func (s *Server) handleStopValve(w http.ResponseWriter, r *http.Request) {
	id, ok := valveID(w, r)
	if !ok {
		return
	}
	if err := s.session.Stop(id); err != nil {
		failure(w, err)
		return
	}
	s.handleGetValve(w, r)
}

func (s *Server) handleRunSequence(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RunSequence(); err != nil {
		failure(w, err)
		return
	}
	successResponse(w, "sequence started")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(prefix, "WebSocket upgrade failed: %v", err)
		return
	}
	logger.Debug(prefix, "WebSocket connection established with %s", r.RemoteAddr)

	c := s.hub.add(conn)
	defer func() {
		logger.Debug(prefix, "WebSocket connection closed with %s", r.RemoteAddr)
		s.hub.remove(conn)
	}()

	// Initial snapshot so clients need not poll first
	c.send(Event{Type: EventState, Payload: s.manager.State().String()})
	c.send(Event{Type: EventValves, Payload: s.session.Valves()})
	c.send(Event{Type: EventAlert, Payload: s.session.LastAlert()})

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Debug(prefix, "WebSocket error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func valveID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "valve id must be an integer")
		return 0, false
	}
	return id, true
}
