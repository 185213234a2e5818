package api

import (
	"net/http"

	"github.com/nerrad567/hwm-core/internal/audit"
)

// handleReloadPermissions re-reads the grant source now. On failure the
// previous grants stay in force.
func (s *Server) handleReloadPermissions(w http.ResponseWriter, r *http.Request) {
	if s.permissions == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeNotConfigured, "no permission source configured")
		return
	}

	n, err := s.permissions.Refresh(r.Context())
	entry := &audit.Entry{
		Action:     audit.ActionPermissionsReload,
		EntityType: audit.EntityPermissions,
		UserID:     claimsFrom(r).UserID(),
		Source:     "api",
		Details:    map[string]any{"users": n, "success": err == nil},
	}
	s.recordAudit(r.Context(), entry)

	if err != nil {
		s.logger.Warn("permission reload failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": n})
}
