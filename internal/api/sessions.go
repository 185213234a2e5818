package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hwm-core/internal/audit"
	"github.com/nerrad567/hwm-core/internal/session"
)

type sessionRequest struct {
	PipelineID string    `json:"pipeline_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	// UserID books on behalf of another user; admin only.
	UserID string `json:"user_id,omitempty"`
	// Services selects pipeline services by type.
	Services map[string]string `json:"services,omitempty"`
}

// handleListSessions lists sessions. Non-admin callers only see their own.
//
// Query parameters: user_id, pipeline_id, state (comma separated).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	q := r.URL.Query()

	f := session.Filter{
		UserID:     q.Get("user_id"),
		PipelineID: q.Get("pipeline_id"),
	}
	if !c.Admin {
		f.UserID = c.UserID()
	}
	if states := q.Get("state"); states != "" {
		for _, st := range strings.Split(states, ",") {
			state := session.State(strings.TrimSpace(st))
			if !state.Valid() {
				writeBadRequest(w, fmt.Sprintf("unknown state %q", st))
				return
			}
			f.States = append(f.States, state)
		}
	}

	sessions := s.sessions.List(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRequestSession submits and commits a session for the caller.
// A conflict is reported as 409 with the rejected session in the body.
func (s *Server) handleRequestSession(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	userID := c.UserID()
	if req.UserID != "" && req.UserID != userID {
		if !c.Admin {
			writeForbidden(w, "only admin operators may book for other users")
			return
		}
		userID = req.UserID
	}

	sess, err := s.sessions.Request(r.Context(), userID, req.PipelineID,
		session.Interval{Start: req.Start, End: req.End}, session.WithServices(req.Services))
	if err != nil {
		if errors.Is(err, session.ErrResourceConflict) && sess != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   Error{Status: http.StatusConflict, Code: ErrCodeConflict, Message: err.Error()},
				"session": sess,
			})
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleGetSession returns one session. Other users' sessions are
// reported as not found to non-admin callers.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.visibleSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleCancelSession cancels a pending or scheduled session.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.visibleSession(w, r)
	if !ok {
		return
	}

	cancelled, err := s.sessions.Cancel(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action:     audit.ActionSessionCancel,
		EntityType: audit.EntitySession,
		EntityID:   sess.ID,
		UserID:     claimsFrom(r).UserID(),
		Source:     "api",
		Details:    map[string]any{"pipeline_id": sess.PipelineID, "owner": sess.UserID},
	})
	writeJSON(w, http.StatusOK, cancelled)
}

// handleSessionStream writes the request body into the input device of
// the session's pipeline. Ownership and permissions are checked by the
// dispatcher so admins with session override can write too.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body failed")
		return
	}
	if len(data) == 0 {
		writeBadRequest(w, "empty stream payload")
		return
	}

	if err := s.commands.WriteStream(r.Context(), claimsFrom(r).UserID(), chi.URLParam(r, "id"), data); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"bytes": len(data)})
}

func (s *Server) visibleSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	c := claimsFrom(r)
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err == nil && !c.Admin && sess.UserID != c.UserID() {
		err = fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	return sess, true
}
