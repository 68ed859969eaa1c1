package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
)

// MemoryStore is an in-memory Store used by tests and the mobile FFI
// preview mode. It applies the same tenant scoping as SQLiteStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.EntityRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.EntityRecord)}
}

func memKey(tenantID, entityType, id string) string {
	return tenantID + "\x00" + entityType + "\x00" + id
}

// Put inserts or replaces a record.
func (s *MemoryStore) Put(rec *models.EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[memKey(rec.TenantID, rec.EntityType, string(rec.ID))] = rec.Clone()
	return nil
}

// Get returns a record, including soft-deleted ones.
func (s *MemoryStore) Get(tenantID, entityType, id string) (*models.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[memKey(tenantID, entityType, id)]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, id))
	}
	return rec.Clone(), nil
}

// List returns records of one type ordered by last_modified descending.
func (s *MemoryStore) List(tenantID, entityType string, opts ListOptions) ([]*models.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := tenantID + "\x00" + entityType + "\x00"
	var records []*models.EntityRecord
	for key, rec := range s.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !opts.IncludeDeleted && rec.IsDeleted {
			continue
		}
		if opts.SyncStatus != "" && rec.SyncStatus != opts.SyncStatus {
			continue
		}
		if opts.ModifiedSince > 0 && rec.LastModified < opts.ModifiedSince {
			continue
		}
		records = append(records, rec.Clone())
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastModified > records[j].LastModified
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return nil, nil
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}

// SoftDelete tombstones a record and stamps it pending.
func (s *MemoryStore) SoftDelete(tenantID, entityType, id string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memKey(tenantID, entityType, id)]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, id))
	}
	rec.IsDeleted = true
	rec.SyncStatus = models.SyncStatusPending
	rec.LastModified = now
	rec.UpdatedAt = now
	return nil
}

// Remove hard-deletes a record.
func (s *MemoryStore) Remove(tenantID, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(tenantID, entityType, id)
	if _, ok := s.records[key]; !ok {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, id))
	}
	delete(s.records, key)
	return nil
}

// SetSyncStatus updates only the sync status of a record.
func (s *MemoryStore) SetSyncStatus(tenantID, entityType, id string, status models.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memKey(tenantID, entityType, id)]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, id))
	}
	rec.SyncStatus = status
	return nil
}

// ReplaceID rewrites a record's id, moving the row.
func (s *MemoryStore) ReplaceID(tenantID, entityType, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldKey := memKey(tenantID, entityType, oldID)
	rec, ok := s.records[oldKey]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, oldID))
	}
	delete(s.records, oldKey)
	rec.ID = models.EntityID(newID)
	s.records[memKey(tenantID, entityType, newID)] = rec
	return nil
}

// EntityTypes returns the distinct entity types stored for a tenant.
func (s *MemoryStore) EntityTypes(tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, rec := range s.records {
		if rec.TenantID == tenantID {
			seen[rec.EntityType] = true
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Purge removes every record for a tenant.
func (s *MemoryStore) Purge(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tenantID + "\x00"
	for key := range s.records {
		if strings.HasPrefix(key, prefix) {
			delete(s.records, key)
		}
	}
	return nil
}
