// Package models provides data model definitions for the PracticeSync engine.
package models

// APICredential holds the connection settings for the authoritative backend.
// The bearer token is stored encrypted at rest; only one credential row is
// enabled at a time.
type APICredential struct {
	ID             UUID   `db:"id" json:"id"`
	BaseURL        string `db:"base_url" json:"base_url"`
	TokenEncrypted string `db:"token_encrypted" json:"-"`
	IsEnabled      bool   `db:"is_enabled" json:"is_enabled"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for APICredential.
func (APICredential) TableName() string {
	return "api_credentials"
}
