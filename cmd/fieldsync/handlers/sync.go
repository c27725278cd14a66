package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/sync"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
)

// RemoteStatusChecker reports the remote API's health.
type RemoteStatusChecker interface {
	Status(ctx context.Context) (*remote.StatusResponse, error)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	svc    sync.SyncService
	remote RemoteStatusChecker
}

// NewSyncHandler creates a new SyncHandler. remote may be nil.
func NewSyncHandler(svc sync.SyncService, remote RemoteStatusChecker) *SyncHandler {
	return &SyncHandler{svc: svc, remote: remote}
}

// Routes mounts the handler on r.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/now", h.TriggerSync)
	r.Get("/queue", h.ListQueue)
	r.Post("/queue/retry", h.RetryQueue)
	r.Delete("/queue", h.ClearQueue)
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/refresh/{entity}", h.Refresh)
	r.Get("/remote-status", h.RemoteStatus)
}

// =====================================================
// Status
// =====================================================

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// RemoteStatus handles GET /sync/remote-status
func (h *SyncHandler) RemoteStatus(w http.ResponseWriter, r *http.Request) {
	if h.remote == nil {
		writeError(w, errors.New(errors.ErrSyncOffline, "no remote configured"))
		return
	}
	status, err := h.remote.Status(r.Context())
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrSyncTransport, "remote status", err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// =====================================================
// Operations
// =====================================================

// TriggerSync handles POST /sync/now and waits for the pass.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Refresh handles POST /sync/refresh/{entity}
func (h *SyncHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.Refresh(r.Context(), entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListQueue handles GET /sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items := h.svc.QueueItems()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":   items,
		"pending": h.svc.PendingCount(),
	})
}

// RetryQueue handles POST /sync/queue/retry
func (h *SyncHandler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// ClearQueue handles DELETE /sync/queue?confirm=true
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if err := h.svc.ClearQueue(r.Context(), confirm); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /sync/conflicts?limit=
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, errors.New(errors.ErrInvalid, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	conflicts, err := h.svc.Conflicts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": conflicts})
}
