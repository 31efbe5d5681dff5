package web

import (
	"encoding/json"
	"net/http"
	"time"

	"omnihub/internal/device"
	"omnihub/internal/state"
)

// Device-facing endpoints. The firmware speaks plain text and expects the
// exact bodies below; changing them breaks deployed devices.

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg device.Registration
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if reg.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	s.mgr.HandleRegistration(reg)
	w.Write([]byte("OK"))
}

// handleShouldRemainAwake answers the stay-awake poll with "1" or "0".
// Unknown devices get "0" so a device wiped from memory by a restart goes
// back to sleep until it re-registers.
func (s *Server) handleShouldRemainAwake(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("id")
	if deviceID == "" {
		w.Write([]byte("0"))
		return
	}
	if s.mgr.ShouldRemainAwake(deviceID) {
		w.Write([]byte("1"))
		return
	}
	w.Write([]byte("0"))
}

func (s *Server) handleWiFiFailures(w http.ResponseWriter, r *http.Request) {
	var report device.WiFiFailureReport
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if report.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	s.mgr.HandleWiFiFailures(report)
	w.Write([]byte("OK"))
}

// handleIsUp is the liveness probe devices use to check their configured
// server. The body must be exactly "yes".
func (s *Server) handleIsUp(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("yes"))
}

// Operator REST API.

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.mgr.AllDevicesStatus())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	status, ok := s.mgr.DeviceStatus(r.PathValue("id"))
	if !ok {
		s.respondErr(w, http.StatusNotFound, "device not found")
		return
	}
	s.respond(w, http.StatusOK, status)
}

type controlRequest struct {
	Action string  `json:"action"`
	Delay  float64 `json:"delay,omitempty"` // seconds
}

func (s *Server) handleControlDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req controlRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action := state.CommandType(req.Action)
	if !device.ControlActions[action] {
		s.respondErr(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}
	if req.Delay < 0 {
		s.respondErr(w, http.StatusBadRequest, "delay must not be negative")
		return
	}

	delay := time.Duration(req.Delay * float64(time.Second))
	id, ok := s.mgr.Control(deviceID, action, delay)
	if !ok {
		s.respondErr(w, http.StatusNotFound, "device not found")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"commandId": id})
}

type renameRequest struct {
	Alias string `json:"alias"`
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req renameRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Alias == "" {
		s.respondErr(w, http.StatusBadRequest, "alias must not be empty")
		return
	}
	if !s.mgr.Rename(deviceID, req.Alias) {
		s.respondErr(w, http.StatusNotFound, "device not found")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"alias": req.Alias})
}

type forceAwakeRequest struct {
	ForceAwake *bool `json:"forceAwake"`
}

// handleForceAwake sets the stay-awake override when the body carries a
// value, and toggles it otherwise.
func (s *Server) handleForceAwake(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req forceAwakeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var next, ok bool
	if req.ForceAwake != nil {
		next = *req.ForceAwake
		ok = s.mgr.SetForceAwake(deviceID, next)
	} else {
		next, ok = s.mgr.ToggleForceAwake(deviceID)
	}
	if !ok {
		s.respondErr(w, http.StatusNotFound, "device not found")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"forceAwake": next})
}

func (s *Server) handleWakeAll(w http.ResponseWriter, r *http.Request) {
	ids := s.mgr.WakeAll()
	s.respond(w, http.StatusOK, map[string]any{"queued": len(ids), "commandIds": ids})
}

func (s *Server) handleSleepAll(w http.ResponseWriter, r *http.Request) {
	ids := s.mgr.SleepAll()
	s.respond(w, http.StatusOK, map[string]any{"queued": len(ids), "commandIds": ids})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.mgr.SystemHealth())
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.mgr.CancelCommand(id) {
		s.respondErr(w, http.StatusNotFound, "command not found or not pending")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"commandId": id})
}

func (s *Server) handleRetryCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.mgr.RetryCommand(id) {
		s.respondErr(w, http.StatusNotFound, "command not found or not failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"commandId": id})
}

func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.mgr.QueueStats())
}
