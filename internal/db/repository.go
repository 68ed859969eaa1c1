// Package db provides repository operations for PracticeSync data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/uuid"
)

// Repository provides access to backend credential storage with a
// prepared statement cache for frequently used queries.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// APICredential Operations
// =====================================================

// SaveCredential inserts or replaces the backend API credential.
// The local process keeps a single credential row at a time.
func (r *Repository) SaveCredential(cred *models.APICredential) error {
	now := time.Now().UnixMilli()
	if cred.ID == "" {
		cred.ID = models.UUID(uuid.New())
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	query := `
	INSERT INTO api_credentials (id, base_url, token_encrypted, is_enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		base_url = excluded.base_url,
		token_encrypted = excluded.token_encrypted,
		is_enabled = excluded.is_enabled,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, cred.ID, cred.BaseURL, cred.TokenEncrypted,
		cred.IsEnabled, cred.CreatedAt, cred.UpdatedAt)
	return err
}

// GetCredential returns the most recently updated enabled credential,
// or nil when none is configured.
func (r *Repository) GetCredential() (*models.APICredential, error) {
	query := `
	SELECT id, base_url, token_encrypted, is_enabled, created_at, updated_at
	FROM api_credentials WHERE is_enabled = 1
	ORDER BY updated_at DESC LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var cred models.APICredential
	err = stmt.QueryRow().Scan(
		&cred.ID, &cred.BaseURL, &cred.TokenEncrypted,
		&cred.IsEnabled, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// DeleteCredential removes a stored credential by id.
func (r *Repository) DeleteCredential(id string) error {
	result, err := r.db.Exec("DELETE FROM api_credentials WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
