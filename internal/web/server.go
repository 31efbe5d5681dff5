// Package web is the HTTP boundary: the device-facing firmware endpoints,
// the operator REST API and the WebSocket state feed.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"omnihub/internal/device"
	"omnihub/internal/discovery"
	"omnihub/internal/state"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithDiscovery wires the discovery engine into the /api/discovery routes.
// Without it those routes answer 503.
func WithDiscovery(engine *discovery.Engine) ServerOption {
	return func(s *Server) {
		s.engine = engine
	}
}

// Server is the HTTP server for devices and operators.
type Server struct {
	mgr    *device.Manager
	store  *state.Store
	engine *discovery.Engine
	wsHub  *WSHub
	logger *slog.Logger
	mux    *http.ServeMux

	apiKey         string
	allowedOrigins []string

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates the server and subscribes the WebSocket hub to state
// store changes.
func NewServer(mgr *device.Manager, store *state.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		mgr:    mgr,
		store:  store,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every store change goes to all WebSocket clients as a full snapshot.
	s.unsubEvents = store.Subscribe(func(snap state.Snapshot) {
		s.wsHub.Broadcast(stateMessage(snap))
	})

	s.routes()
	return s
}

// Stop unsubscribes from the store and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Device-facing endpoints. These speak the firmware's plain-text
	// protocol, not the JSON envelope.
	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("GET /should-remain-awake", s.handleShouldRemainAwake)
	s.mux.HandleFunc("POST /wifi-failures", s.handleWiFiFailures)
	s.mux.HandleFunc("GET /is-up", s.handleIsUp)

	// Operator REST API.
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/control", s.handleControlDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/rename", s.handleRenameDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/force-awake", s.handleForceAwake)
	s.mux.HandleFunc("POST /api/devices/wake-all", s.handleWakeAll)
	s.mux.HandleFunc("POST /api/devices/sleep-all", s.handleSleepAll)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("POST /api/commands/{id}/cancel", s.handleCancelCommand)
	s.mux.HandleFunc("POST /api/commands/{id}/retry", s.handleRetryCommand)
	s.mux.HandleFunc("GET /api/commands/stats", s.handleCommandStats)

	s.mux.HandleFunc("GET /api/discovery/devices", s.handleDiscoveryDevices)
	s.mux.HandleFunc("GET /api/discovery/devices/{ip}", s.handleDiscoveryDevice)
	s.mux.HandleFunc("POST /api/discovery/scan", s.handleDiscoveryScan)
	s.mux.HandleFunc("POST /api/discovery/configure/{ip}", s.handleDiscoveryConfigure)
	s.mux.HandleFunc("GET /api/discovery/stats", s.handleDiscoveryStats)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" {
		// Only /api/ routes are key-protected: the device endpoints must
		// stay open because the firmware cannot send custom headers, and
		// browsers cannot set them on a WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// envelope is the uniform operator API response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, envelope{Success: true, Data: data})
}

func (s *Server) respondErr(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
