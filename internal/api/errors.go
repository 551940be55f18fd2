package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeUnauthorized      = "unauthorised"
	ErrCodeForbidden         = "forbidden"
	ErrCodeInternal          = "internal_error"
	ErrCodeValidation        = "validation_error"
	ErrCodeUnavailable       = "service_unavailable"
	ErrCodeDeviceUnavailable = "device_unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// The client may already be gone; nothing useful to do with the error.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// deviceErrors maps driver sentinels to a status and code. Anything not
// listed is a 500.
var deviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{dragon.ErrInvalidPercent, http.StatusBadRequest, ErrCodeValidation},
	{dragon.ErrInvalidActuator, http.StatusBadRequest, ErrCodeValidation},
	{dragon.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeDeviceUnavailable},
	{dragon.ErrClosed, http.StatusServiceUnavailable, ErrCodeDeviceUnavailable},
	{dragon.ErrWriteFailed, http.StatusServiceUnavailable, ErrCodeDeviceUnavailable},
	{dragon.ErrLinkLost, http.StatusServiceUnavailable, ErrCodeDeviceUnavailable},
}

func writeDeviceError(w http.ResponseWriter, err error) {
	for _, m := range deviceErrors {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	writeInternalError(w, err.Error())
}
