// Package models provides data model definitions for the PracticeSync engine.
package models

import (
	"encoding/json"
	"time"
)

// OpKind identifies the kind of a queued write operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the lifecycle state of a queued operation.
type OpStatus string

const (
	// OpPending means the operation is waiting for delivery.
	OpPending OpStatus = "pending"
	// OpProcessing means the sync engine has an attempt in flight.
	OpProcessing OpStatus = "processing"
	// OpCompleted means the server confirmed the operation.
	OpCompleted OpStatus = "completed"
	// OpFailed means the operation was dead-lettered and will not be
	// retried until the user explicitly retries or discards it.
	OpFailed OpStatus = "failed"
)

// MutationOperation is one entry of the durable write-ahead queue. Operations
// for the same entity are delivered strictly in enqueue order.
type MutationOperation struct {
	Seq           int64           `db:"seq" json:"seq"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      EntityID        `db:"entity_id" json:"entity_id"`
	OpKind        OpKind          `db:"op_kind" json:"op_kind"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status        OpStatus        `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	EnqueuedAt    int64           `db:"enqueued_at" json:"enqueued_at"`         // unix millis
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at"` // unix millis, 0 = never
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"` // unix millis
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	ServerPayload json.RawMessage `db:"server_payload" json:"server_payload,omitempty"`
}

// TableName returns the table name for MutationOperation.
func (MutationOperation) TableName() string {
	return "mutation_queue"
}

// Eligible reports whether the operation may be dispatched at the given time.
func (op *MutationOperation) Eligible(now time.Time) bool {
	return op.Status == OpPending && op.NextAttemptAt <= now.UnixMilli()
}
