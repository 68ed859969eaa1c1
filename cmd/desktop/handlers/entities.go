package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/kimhsiao/practicesync/backend/internal/data"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/store"
)

// EntityHandler serves CRUD over the hybrid data facade. The caller
// never learns whether a read came from the backend or the local
// store; writes always succeed locally and sync in the background.
type EntityHandler struct {
	svc *data.Service
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(svc *data.Service) *EntityHandler {
	return &EntityHandler{svc: svc}
}

// Register installs the entity routes on the mux.
func (h *EntityHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/data/{type}", h.List)
	mux.HandleFunc("POST /api/data/{type}", h.Create)
	mux.HandleFunc("GET /api/data/{type}/{id}", h.Get)
	mux.HandleFunc("PATCH /api/data/{type}/{id}", h.Update)
	mux.HandleFunc("DELETE /api/data/{type}/{id}", h.Delete)
}

// List handles GET /api/data/{type}
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")

	opts := store.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("modified_since"); v != "" {
		opts.ModifiedSince, _ = strconv.ParseInt(v, 10, 64)
	}

	records, err := h.svc.Collection(entityType).List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.EntityRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"count": len(records),
	})
}

// Create handles POST /api/data/{type}
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "read request body", err))
		return
	}

	rec, err := h.svc.Collection(entityType).Create(r.Context(), json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Get handles GET /api/data/{type}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Collection(r.PathValue("type")).Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Update handles PATCH /api/data/{type}/{id}
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "read request body", err))
		return
	}

	rec, err := h.svc.Collection(r.PathValue("type")).Update(r.Context(), r.PathValue("id"), json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/data/{type}/{id}
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Collection(r.PathValue("type")).Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
