// Package store implements the local entity store: the offline-readable
// copy of backend entities, partitioned by tenant.
package store

import (
	"github.com/kimhsiao/practicesync/backend/internal/models"
)

// ListOptions filters and pages List results.
type ListOptions struct {
	// IncludeDeleted returns soft-deleted records too.
	IncludeDeleted bool
	// SyncStatus filters by sync status when non-empty.
	SyncStatus models.SyncStatus
	// ModifiedSince returns records with last_modified >= the given
	// unix-millisecond timestamp when > 0.
	ModifiedSince int64
	// Limit caps the result size; 0 means no limit.
	Limit int
	// Offset skips the first n records.
	Offset int
}

// Store is the local entity store. All operations are tenant-scoped;
// records from one tenant are never visible through another tenant's
// calls.
type Store interface {
	// Put inserts or replaces a record keyed by (tenant, type, id).
	Put(rec *models.EntityRecord) error
	// Get returns a record, including soft-deleted ones. Missing
	// records return a NOT_FOUND error.
	Get(tenantID, entityType, id string) (*models.EntityRecord, error)
	// List returns records of one type ordered by last_modified
	// descending.
	List(tenantID, entityType string, opts ListOptions) ([]*models.EntityRecord, error)
	// SoftDelete tombstones a record and stamps it pending.
	SoftDelete(tenantID, entityType, id string, now int64) error
	// Remove hard-deletes a record. Used when a queued create is
	// cancelled before ever reaching the backend.
	Remove(tenantID, entityType, id string) error
	// SetSyncStatus updates only the sync status of a record.
	SetSyncStatus(tenantID, entityType, id string, status models.SyncStatus) error
	// ReplaceID rewrites a record's id, moving the row. Used when the
	// backend assigns the permanent id for a locally created entity.
	ReplaceID(tenantID, entityType, oldID, newID string) error
	// EntityTypes returns the distinct entity types stored for a tenant.
	EntityTypes(tenantID string) ([]string, error)
	// Purge removes every record for a tenant. Used on sign-out.
	Purge(tenantID string) error
}
