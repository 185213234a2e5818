package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	pipelines := s.pipelines.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipelines.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePipelineSchedule lists the scheduled and active sessions on a
// pipeline in start order, so operators can find a free window.
func (s *Server) handlePipelineSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.pipelines.Get(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	schedule := s.sessions.Schedule(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline_id": id,
		"sessions":    schedule,
	})
}
