package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/dragon-core/internal/audit"
)

// recordCommand hands an entry for an operate command to the audit
// recorder. It never blocks the request.
func (s *Server) recordCommand(r *http.Request, command string, params map[string]any, transformationID string, err error) {
	if s.audit == nil {
		return
	}
	e := audit.Entry{
		DeviceID:         s.deviceID,
		Command:          command,
		Source:           audit.SourceAPI,
		Actor:            subjectOf(r),
		Outcome:          audit.OutcomeAccepted,
		TransformationID: transformationID,
		Parameters:       params,
	}
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		e.Error = err.Error()
		e.TransformationID = ""
	}
	s.audit.Record(e)
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters: command, source, outcome, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Command: q.Get("command"),
		Source:  q.Get("source"),
		Outcome: audit.Outcome(q.Get("outcome")),
	}
	var err error
	if filter.Limit, err = limitParam(r); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if raw := q.Get("offset"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	res, err := s.auditLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
