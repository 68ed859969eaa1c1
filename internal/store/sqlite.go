package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
)

// SQLiteStore persists entity records in the entity_records table.
type SQLiteStore struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewSQLiteStore creates a store over an open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *SQLiteStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Put inserts or replaces a record keyed by (tenant, type, id).
func (s *SQLiteStore) Put(rec *models.EntityRecord) error {
	query := `
	INSERT INTO entity_records (tenant_id, entity_type, id, payload, practice_id, user_id,
		sync_status, is_deleted, last_modified, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, entity_type, id) DO UPDATE SET
		payload = excluded.payload,
		practice_id = excluded.practice_id,
		user_id = excluded.user_id,
		sync_status = excluded.sync_status,
		is_deleted = excluded.is_deleted,
		last_modified = excluded.last_modified,
		updated_at = excluded.updated_at
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "put entity record", err)
	}
	_, err = stmt.Exec(rec.TenantID, rec.EntityType, rec.ID, string(rec.Payload),
		rec.PracticeID, rec.UserID, rec.SyncStatus, rec.IsDeleted,
		rec.LastModified, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "put entity record", err)
	}
	return nil
}

// Get returns a record, including soft-deleted ones.
func (s *SQLiteStore) Get(tenantID, entityType, id string) (*models.EntityRecord, error) {
	query := `
	SELECT tenant_id, entity_type, id, payload, practice_id, user_id,
		   sync_status, is_deleted, last_modified, created_at, updated_at
	FROM entity_records WHERE tenant_id = ? AND entity_type = ? AND id = ?
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get entity record", err)
	}

	rec, err := scanRecord(stmt.QueryRow(tenantID, entityType, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get entity record", err)
	}
	return rec, nil
}

// List returns records of one type ordered by last_modified descending.
func (s *SQLiteStore) List(tenantID, entityType string, opts ListOptions) ([]*models.EntityRecord, error) {
	var sb strings.Builder
	sb.WriteString(`
	SELECT tenant_id, entity_type, id, payload, practice_id, user_id,
		   sync_status, is_deleted, last_modified, created_at, updated_at
	FROM entity_records WHERE tenant_id = ? AND entity_type = ?`)
	args := []interface{}{tenantID, entityType}

	if !opts.IncludeDeleted {
		sb.WriteString(" AND is_deleted = 0")
	}
	if opts.SyncStatus != "" {
		sb.WriteString(" AND sync_status = ?")
		args = append(args, opts.SyncStatus)
	}
	if opts.ModifiedSince > 0 {
		sb.WriteString(" AND last_modified >= ?")
		args = append(args, opts.ModifiedSince)
	}
	sb.WriteString(" ORDER BY last_modified DESC")
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list entity records", err)
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan entity record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list entity records", err)
	}
	return records, nil
}

// SoftDelete tombstones a record and stamps it pending.
func (s *SQLiteStore) SoftDelete(tenantID, entityType, id string, now int64) error {
	query := `
	UPDATE entity_records
	SET is_deleted = 1, sync_status = ?, last_modified = ?, updated_at = ?
	WHERE tenant_id = ? AND entity_type = ? AND id = ?
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "soft delete entity record", err)
	}
	result, err := stmt.Exec(models.SyncStatusPending, now, now, tenantID, entityType, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "soft delete entity record", err)
	}
	return checkAffected(result, entityType, id)
}

// Remove hard-deletes a record.
func (s *SQLiteStore) Remove(tenantID, entityType, id string) error {
	result, err := s.db.Exec(
		"DELETE FROM entity_records WHERE tenant_id = ? AND entity_type = ? AND id = ?",
		tenantID, entityType, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "remove entity record", err)
	}
	return checkAffected(result, entityType, id)
}

// SetSyncStatus updates only the sync status of a record.
func (s *SQLiteStore) SetSyncStatus(tenantID, entityType, id string, status models.SyncStatus) error {
	query := `
	UPDATE entity_records SET sync_status = ?
	WHERE tenant_id = ? AND entity_type = ? AND id = ?
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "set sync status", err)
	}
	result, err := stmt.Exec(status, tenantID, entityType, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "set sync status", err)
	}
	return checkAffected(result, entityType, id)
}

// ReplaceID rewrites a record's id, moving the row.
func (s *SQLiteStore) ReplaceID(tenantID, entityType, oldID, newID string) error {
	query := `
	UPDATE entity_records SET id = ?
	WHERE tenant_id = ? AND entity_type = ? AND id = ?
	`
	result, err := s.db.Exec(query, newID, tenantID, entityType, oldID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "replace entity id", err)
	}
	return checkAffected(result, entityType, oldID)
}

// EntityTypes returns the distinct entity types stored for a tenant.
func (s *SQLiteStore) EntityTypes(tenantID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT DISTINCT entity_type FROM entity_records WHERE tenant_id = ? ORDER BY entity_type",
		tenantID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list entity types", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "list entity types", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list entity types", err)
	}
	return types, nil
}

// Purge removes every record for a tenant.
func (s *SQLiteStore) Purge(tenantID string) error {
	if _, err := s.db.Exec("DELETE FROM entity_records WHERE tenant_id = ?", tenantID); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "purge tenant records", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.EntityRecord, error) {
	var rec models.EntityRecord
	var payload string
	err := row.Scan(&rec.TenantID, &rec.EntityType, &rec.ID, &payload,
		&rec.PracticeID, &rec.UserID, &rec.SyncStatus, &rec.IsDeleted,
		&rec.LastModified, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}

func checkAffected(result sql.Result, entityType, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "rows affected", err)
	}
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s %s not found", entityType, id))
	}
	return nil
}
