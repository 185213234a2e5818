package api

import (
	"io"
	"mime"
	"net/http"

	"github.com/nerrad567/hwm-core/internal/command"
)

const contentTypeCBOR = "application/cbor"

// handleCommand dispatches one command as the caller. CBOR requests get a
// CBOR response envelope, anything else is treated as JSON.
//
// The envelope is returned for failures too, with the HTTP status derived
// from the error.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body failed")
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")) //nolint:errcheck // empty on a bad header
	asCBOR := mediaType == contentTypeCBOR

	var cmd *command.Command
	if asCBOR {
		cmd, err = command.ParseCBOR(body)
	} else {
		cmd, err = command.Parse(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	cmd.UserID = claimsFrom(r).UserID()
	cmd.Source = "api"

	resp, err := s.commands.Dispatch(r.Context(), cmd)
	status := http.StatusOK
	if err != nil {
		status, _ = errorStatus(err)
	}

	if asCBOR {
		payload, encErr := resp.MarshalCBOR()
		if encErr != nil {
			s.logger.Error("encoding CBOR response failed", "command_id", resp.ID, "error", encErr)
			writeInternalError(w, "encoding response failed")
			return
		}
		w.Header().Set("Content-Type", contentTypeCBOR)
		w.WriteHeader(status)
		//nolint:errcheck // Best-effort write to response; connection may be closed
		w.Write(payload)
		return
	}
	writeJSON(w, status, resp)
}

// handleSystemCommands lists the verbs that need no device target.
func (s *Server) handleSystemCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": s.commands.SystemCommands(),
	})
}
