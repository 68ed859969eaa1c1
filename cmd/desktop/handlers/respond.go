// Package handlers provides the localhost REST API surface for the
// desktop client.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError maps application error codes to HTTP statuses and emits
// the error as a JSON body so the UI can branch on the code.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrServerValidation:
		status = http.StatusBadRequest
	case apperrors.ErrPermission, apperrors.ErrSyncAuthFailed:
		status = http.StatusForbidden
	case apperrors.ErrConflict:
		status = http.StatusConflict
	case apperrors.ErrNetwork, apperrors.ErrTimeout:
		status = http.StatusBadGateway
	case apperrors.ErrSyncUnconfigured:
		status = http.StatusPreconditionFailed
	}

	writeJSON(w, status, map[string]interface{}{
		"code":  string(code),
		"error": err.Error(),
	})
}
