package handlers

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/kimhsiao/practicesync/backend/internal/backup"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
)

// BackupHandler exposes on-demand snapshots and restores.
type BackupHandler struct {
	svc     *backup.Service
	dir     string
	encrypt bool
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(svc *backup.Service, dir string, encrypt bool) *BackupHandler {
	return &BackupHandler{svc: svc, dir: dir, encrypt: encrypt}
}

// Register installs the backup routes on the mux.
func (h *BackupHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/backup", h.List)
	mux.HandleFunc("POST /api/backup", h.Create)
	mux.HandleFunc("POST /api/backup/restore", h.Restore)
}

// List handles GET /api/backup
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	archives, err := backup.ListArchives(h.dir)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrStorage, "list backups", err))
		return
	}
	if archives == nil {
		archives = []*backup.ArchiveInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": archives,
		"count": len(archives),
	})
}

// Create handles POST /api/backup
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(h.dir,
		"practicesync_"+time.Now().Format("20060102_150405")+".tar.gz")
	result, err := h.svc.Export(backup.Options{OutputPath: path, Encrypt: h.encrypt})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Restore handles POST /api/backup/restore
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if request.Path == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "path is required"))
		return
	}

	result, err := h.svc.Restore(request.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
