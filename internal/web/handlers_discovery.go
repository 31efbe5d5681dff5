package web

import (
	"net/http"
)

// discoveryEnabled guards the /api/discovery routes; the engine is only
// wired when discovery is enabled in the configuration.
func (s *Server) discoveryEnabled(w http.ResponseWriter) bool {
	if s.engine == nil {
		s.respondErr(w, http.StatusServiceUnavailable, "discovery disabled")
		return false
	}
	return true
}

func (s *Server) handleDiscoveryDevices(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryEnabled(w) {
		return
	}
	s.respond(w, http.StatusOK, s.engine.Devices())
}

func (s *Server) handleDiscoveryDevice(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryEnabled(w) {
		return
	}
	dev, ok := s.engine.DeviceByIP(r.PathValue("ip"))
	if !ok {
		s.respondErr(w, http.StatusNotFound, "device not found")
		return
	}
	s.respond(w, http.StatusOK, dev)
}

func (s *Server) handleDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryEnabled(w) {
		return
	}
	s.engine.ForceScan()
	s.respond(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}

func (s *Server) handleDiscoveryConfigure(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryEnabled(w) {
		return
	}
	ip := r.PathValue("ip")
	if !s.engine.ConfigureByIP(r.Context(), ip) {
		s.respondErr(w, http.StatusBadGateway, "device could not be configured")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"ip": ip})
}

func (s *Server) handleDiscoveryStats(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryEnabled(w) {
		return
	}
	s.respond(w, http.StatusOK, s.engine.RegistryStats())
}
