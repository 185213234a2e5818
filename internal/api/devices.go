package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hwm-core/internal/audit"
	"github.com/nerrad567/hwm-core/internal/driver"
)

// handleListDevices returns every device with its derived status.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	h, err := s.devices.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Info())
}

// handleGetDeviceState returns the driver's state report.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.devices.Get(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"state":     h.State(),
	})
}

type setStatusRequest struct {
	Status driver.Status `json:"status"`
}

// handleSetDeviceStatus applies an administrative status override.
func (s *Server) handleSetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.devices.SetStatus(id, req.Status); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action:     audit.ActionDeviceStatus,
		EntityType: audit.EntityDevice,
		EntityID:   id,
		UserID:     claimsFrom(r).UserID(),
		Source:     "api",
		Details:    map[string]any{"status": string(req.Status)},
	})

	h, err := s.devices.Get(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Info())
}
