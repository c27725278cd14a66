// Package handlers provides the local REST API used by UI components.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// writeError maps err to a status code and writes {"error", "code"}.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Local API request failed", string(code), err, nil)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound, errors.ErrQueueItemNotFound:
		return http.StatusNotFound
	case errors.ErrInvalid, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrConfirmationRequired:
		return http.StatusPreconditionRequired
	case errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case errors.ErrSyncTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func entityParam(r *http.Request) (models.EntityType, error) {
	entity, err := models.ParseEntity(chi.URLParam(r, "entity"))
	if err != nil {
		return "", errors.Wrap(errors.ErrNotFound, "unknown entity", err)
	}
	return entity, nil
}
