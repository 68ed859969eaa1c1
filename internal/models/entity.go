// Package models provides data model definitions for the PracticeSync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus describes how a locally stored record relates to the server.
type SyncStatus string

const (
	// SyncStatusSynced means the record matches the last server-confirmed state.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending means a local mutation has not yet been confirmed.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusError means the last delivery attempt failed terminally.
	SyncStatusError SyncStatus = "error"
)

// EntityID is a wrapper around string for entity identifier type safety.
// It holds either a server-assigned id or a temporary local id.
type EntityID string

// Value implements driver.Valuer for EntityID.
func (id EntityID) Value() (driver.Value, error) {
	return string(id), nil
}

// Scan implements sql.Scanner for EntityID.
func (id *EntityID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = EntityID(v)
	case []byte:
		*id = EntityID(v)
	default:
		return fmt.Errorf("cannot scan %T into EntityID", value)
	}
	return nil
}

// String returns the string representation of the id.
func (id EntityID) String() string {
	return string(id)
}

// EntityRecord is the latest known state of one domain record, either
// server-confirmed or locally pending. The payload is opaque to the engine.
type EntityRecord struct {
	EntityType   string          `db:"entity_type" json:"entity_type"`
	ID           EntityID        `db:"id" json:"id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	TenantID     string          `db:"tenant_id" json:"tenant_id"`
	PracticeID   string          `db:"practice_id" json:"practice_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	SyncStatus   SyncStatus      `db:"sync_status" json:"sync_status"`
	IsDeleted    bool            `db:"is_deleted" json:"is_deleted"`
	LastModified int64           `db:"last_modified" json:"last_modified"` // unix millis
	CreatedAt    int64           `db:"created_at" json:"created_at"`       // unix millis
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`       // unix millis
}

// TableName returns the table name for EntityRecord.
func (EntityRecord) TableName() string {
	return "entity_records"
}

// Touch updates the modification timestamps.
func (r *EntityRecord) Touch() {
	now := time.Now().UnixMilli()
	r.LastModified = now
	r.UpdatedAt = now
}

// LastModifiedTime returns LastModified as time.Time.
func (r *EntityRecord) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified)
}

// Clone returns a deep copy of the record.
func (r *EntityRecord) Clone() *EntityRecord {
	out := *r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &out
}
