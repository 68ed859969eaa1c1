// Package remote talks to the authoritative backend API. It delivers
// queued mutations, reads entities, and probes reachability.
package remote

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/practicesync/backend/internal/models"
)

// Result is the backend's confirmation of a delivered mutation.
type Result struct {
	// ServerID is the permanent id the backend assigned. For creates it
	// replaces the temporary local id; for updates and deletes it
	// echoes the entity id.
	ServerID string
	// Payload is the backend's canonical entity document, when the
	// response carried one.
	Payload json.RawMessage
}

// Client is the backend gateway used by the sync engine and the data
// facade. Implementations must send the operation's correlation id as
// an idempotency key so retries of a delivered operation do not apply
// twice.
type Client interface {
	// Deliver sends one queued mutation. Errors carry a code that
	// classifies them as retryable or terminal.
	Deliver(ctx context.Context, op *models.MutationOperation) (*Result, error)
	// Fetch reads a single entity from the backend.
	Fetch(ctx context.Context, session models.SessionContext, entityType, id string) (json.RawMessage, error)
	// List reads entities of one type, optionally changed since the
	// given unix-millisecond timestamp.
	List(ctx context.Context, session models.SessionContext, entityType string, modifiedSince int64) ([]json.RawMessage, error)
	// Probe checks backend reachability without side effects.
	Probe(ctx context.Context) error
}
