// Package models provides data model definitions for the PracticeSync engine.
package models

import "fmt"

// SessionContext carries the scoping fields copied onto every record at write
// time. Local storage is partitioned per tenant so nothing leaks across
// tenants on a shared device.
type SessionContext struct {
	TenantID   string `yaml:"tenant_id" json:"tenant_id"`
	PracticeID string `yaml:"practice_id" json:"practice_id"`
	UserID     string `yaml:"user_id" json:"user_id"`
}

// Validate returns an error when the session is missing its tenant scope.
// Practice and user are informational; the tenant id is the partition key.
func (s SessionContext) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("session context requires a tenant id")
	}
	return nil
}
