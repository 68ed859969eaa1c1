package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/practicesync/backend/internal/crypto"
	"github.com/kimhsiao/practicesync/backend/internal/db"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/netmon"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	enginesync "github.com/kimhsiao/practicesync/backend/internal/sync"
)

// SyncHandler exposes queue health, manual sync controls, dead-letter
// management, and backend credential configuration.
type SyncHandler struct {
	queue     *queue.Queue
	engine    *enginesync.Engine
	monitor   *netmon.Monitor
	repo      *db.Repository
	tenantID  string
	machineID string
	log       *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(q *queue.Queue, engine *enginesync.Engine, monitor *netmon.Monitor,
	repo *db.Repository, tenantID, machineID string) *SyncHandler {
	return &SyncHandler{
		queue:     q,
		engine:    engine,
		monitor:   monitor,
		repo:      repo,
		tenantID:  tenantID,
		machineID: machineID,
		log:       logging.Get().Component("handlers"),
	}
}

// Register installs the sync routes on the mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.Status)
	mux.HandleFunc("POST /api/sync/trigger", h.Trigger)
	mux.HandleFunc("GET /api/sync/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("POST /api/sync/dead-letters/{seq}/retry", h.RetryDeadLetter)
	mux.HandleFunc("POST /api/sync/dead-letters/{seq}/discard", h.DiscardDeadLetter)
	mux.HandleFunc("GET /api/sync/credentials", h.GetCredential)
	mux.HandleFunc("PUT /api/sync/credentials", h.SaveCredential)
	mux.HandleFunc("DELETE /api/sync/credentials/{id}", h.DeleteCredential)
}

// Status handles GET /api/sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(h.tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":        h.monitor.Online(),
		"draining":      h.engine.Draining(),
		"last_probe_at": h.monitor.LastProbe().UnixMilli(),
		"queue":         stats,
	})
}

// Trigger handles POST /api/sync/trigger. The drain runs in the
// background; a drain already in progress makes this a no-op.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.CheckNow(r.Context()) {
		writeError(w, apperrors.New(apperrors.ErrNetwork, "backend unreachable"))
		return
	}

	go func() {
		if _, err := h.engine.Drain(context.Background(), h.tenantID); err != nil {
			h.log.Error("manual drain", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "drain started",
	})
}

// ListDeadLetters handles GET /api/sync/dead-letters
func (h *SyncHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.DeadLetters(h.tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.MutationOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": ops,
		"count": len(ops),
	})
}

// RetryDeadLetter handles POST /api/sync/dead-letters/{seq}/retry
func (h *SyncHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "invalid sequence number"))
		return
	}
	if err := h.queue.RetryDeadLetter(seq); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "requeued"})
}

// DiscardDeadLetter handles POST /api/sync/dead-letters/{seq}/discard
func (h *SyncHandler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "invalid sequence number"))
		return
	}
	if err := h.queue.DiscardDeadLetter(seq); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCredential handles GET /api/sync/credentials. The token is never
// returned, only whether one is configured.
func (h *SyncHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := h.repo.GetCredential()
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrStorage, "load credential", err))
		return
	}
	if cred == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": true,
		"id":         cred.ID,
		"base_url":   cred.BaseURL,
		"is_enabled": cred.IsEnabled,
		"updated_at": cred.UpdatedAt,
	})
}

// SaveCredential handles PUT /api/sync/credentials
func (h *SyncHandler) SaveCredential(w http.ResponseWriter, r *http.Request) {
	var request struct {
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if request.BaseURL == "" || request.Token == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "base_url and token are required"))
		return
	}

	encrypted, err := crypto.EncryptToken(request.Token, h.machineID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrCryptoFailed, "encrypt token", err))
		return
	}

	cred := &models.APICredential{
		BaseURL:        request.BaseURL,
		TokenEncrypted: encrypted,
		IsEnabled:      true,
	}
	if err := h.repo.SaveCredential(cred); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrStorage, "save credential", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       cred.ID,
		"base_url": cred.BaseURL,
	})
}

// DeleteCredential handles DELETE /api/sync/credentials/{id}
func (h *SyncHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteCredential(r.PathValue("id")); err != nil {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "credential not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
