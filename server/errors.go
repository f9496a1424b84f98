package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Hint    string   `json:"hint,omitempty"`
	Details []string `json:"details,omitempty"`
}

// statusFor maps the shared sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err), errors.Is(err, errors.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFor writes err with the status its sentinel implies. Server
// errors are logged with their details; client errors only at debug.
func writeErrorFor(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:   err.Error(),
		Hint:    strings.Join(errors.GetAllHints(err), "; "),
		Details: errors.GetAllDetails(err),
	}
	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed", logger.FieldError, err, logger.FieldStatus, status, "details", resp.Details)
		// internals stay in the log
		resp.Details = nil
	} else {
		log.Debugw("Request rejected", logger.FieldError, err, logger.FieldStatus, status)
	}
	writeJSON(w, status, resp)
}
