package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dragon-core/internal/audit"
	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/journal"
)

// StateResponse is the body of GET /device/state.
type StateResponse struct {
	DeviceID  string               `json:"device_id"`
	Connected bool                 `json:"connected"`
	State     dragon.StateSnapshot `json:"state"`
	Stats     dragon.Stats         `json:"stats"`
}

// TransformRequest is the body of POST /device/transform.
type TransformRequest struct {
	A          *int `json:"a"`
	B          *int `json:"b"`
	Obfuscated bool `json:"obfuscated"`
}

// MoveFanRequest is the body of POST /device/fans/{id}.
type MoveFanRequest struct {
	Percent *int `json:"percent"`
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		DeviceID:  s.deviceID,
		Connected: s.device.IsConnected(),
		State:     s.device.State(),
		Stats:     s.device.Stats(),
	})
}

// handleRefreshState sends STATE. The reply arrives asynchronously on the
// device.state channel.
func (s *Server) handleRefreshState(w http.ResponseWriter, r *http.Request) {
	err := s.device.RequestState()
	s.recordCommand(r, audit.CommandRequestState, nil, "", err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req TransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.A == nil || req.B == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "both 'a' and 'b' are required")
		return
	}

	var (
		t       dragon.Transformation
		err     error
		command = audit.CommandTransform
	)
	if req.Obfuscated {
		command = audit.CommandTransformObfuscated
		t, err = s.device.TransformObfuscated(*req.A, *req.B)
	} else {
		t, err = s.device.Transform(*req.A, *req.B)
	}
	s.recordCommand(r, command, map[string]any{"a": *req.A, "b": *req.B}, t.ID, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	s.logger.Info("transformation requested",
		"id", t.ID,
		"kind", t.Kind,
		"a", *req.A,
		"b", *req.B,
		"subject", subjectOf(r))
	writeJSON(w, http.StatusOK, t.Snapshot(time.Now()))
}

func (s *Server) handleMoveFan(w http.ResponseWriter, r *http.Request) {
	id, err := dragon.ParseActuator(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	var req MoveFanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Percent == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "'percent' is required")
		return
	}

	t, err := s.device.TransformOne(id, *req.Percent)
	s.recordCommand(r, audit.CommandTransformOne,
		map[string]any{"actuator": id.String(), "percent": *req.Percent}, t.ID, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	s.logger.Info("fan move requested",
		"id", t.ID,
		"actuator", id.String(),
		"percent", *req.Percent,
		"subject", subjectOf(r))
	writeJSON(w, http.StatusOK, t.Snapshot(time.Now()))
}

// handleGetTransformation evaluates the last transformation now.
func (s *Server) handleGetTransformation(w http.ResponseWriter, _ *http.Request) {
	t, ok := s.device.LastTransformation()
	if !ok {
		writeNotFound(w, "no transformation issued yet")
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot(time.Now()))
}

func (s *Server) handleListTransformations(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "journal not configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	recs, err := s.journal.ListTransformations(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing transformations", "error", err)
		writeInternalError(w, "failed to list transformations")
		return
	}
	if recs == nil {
		recs = []journal.TransformationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transformations": recs,
		"count":           len(recs),
	})
}

func (s *Server) handleListButtons(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "journal not configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	events, err := s.journal.ListButtonEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing button events", "error", err)
		writeInternalError(w, "failed to list button events")
		return
	}
	if events == nil {
		events = []journal.ButtonEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buttons": events,
		"count":   len(events),
	})
}

func (s *Server) handleListPorts(w http.ResponseWriter, _ *http.Request) {
	ports, err := s.ports()
	if err != nil {
		s.logger.Warn("listing serial ports", "error", err)
		writeInternalError(w, "failed to list serial ports")
		return
	}
	if ports == nil {
		ports = []dragon.PortInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

// limitParam reads ?limit=. Zero (or absent) lets the journal apply its
// default; the journal also clamps large values.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func subjectOf(r *http.Request) string {
	if c := claimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}
