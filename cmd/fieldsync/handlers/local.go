package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/store"
	"github.com/sitesafe/fieldsync/internal/sync"
)

// maxBody bounds a mutation request body.
const maxBody = 1 << 20

// LocalHandler serves entity reads and writes. Every write goes through the
// sync service, so it is stored and queued before the response is sent.
type LocalHandler struct {
	svc sync.SyncService
}

// NewLocalHandler creates a new LocalHandler.
func NewLocalHandler(svc sync.SyncService) *LocalHandler {
	return &LocalHandler{svc: svc}
}

// Routes mounts the handler on r.
func (h *LocalHandler) Routes(r chi.Router) {
	r.Get("/{entity}", h.List)
	r.Post("/{entity}", h.Create)
	r.Get("/{entity}/{id}", h.Get)
	r.Put("/{entity}/{id}", h.Update)
	r.Delete("/{entity}/{id}", h.Delete)
}

// List handles GET /local/{entity}?site_id=&status=&order_by=&desc=&limit=
func (h *LocalHandler) List(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := store.Filter{
		SiteID:  q.Get("site_id"),
		Status:  q.Get("status"),
		OrderBy: q.Get("order_by"),
	}
	filter.Desc, _ = strconv.ParseBool(q.Get("desc"))
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, errors.New(errors.ErrInvalid, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	records, err := h.svc.List(r.Context(), entity, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

// Get handles GET /local/{entity}/{id}
func (h *LocalHandler) Get(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.svc.Get(r.Context(), entity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create handles POST /local/{entity}
func (h *LocalHandler) Create(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fields, err := decodeFields(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.Create(r.Context(), entity, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Update handles PUT /local/{entity}/{id}
func (h *LocalHandler) Update(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fields, err := decodeFields(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.Update(r.Context(), entity, chi.URLParam(r, "id"), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Delete handles DELETE /local/{entity}/{id}
func (h *LocalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.Delete(r.Context(), entity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var fields map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&fields); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return fields, nil
}
