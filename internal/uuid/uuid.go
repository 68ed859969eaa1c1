// Package uuid provides UUID v4 generation plus temporary-id helpers for
// records created before server confirmation.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix tags locally generated identifiers that the server has never
// seen. They are replaced by server-assigned ids during reconciliation.
const TempPrefix = "temp_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemp generates a temporary entity id for an offline create.
func NewTemp() string {
	return TempPrefix + uuid.New().String()
}

// NewCorrelationID generates the idempotency key attached to a queued
// operation. It stays stable across retries of the same operation.
func NewCorrelationID() string {
	return uuid.New().String()
}

// IsTemp reports whether an entity id is a local temporary id.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
