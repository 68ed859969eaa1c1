// Package models provides data model definitions for the PracticeSync engine.
package models

import (
	"encoding/json"
	"fmt"
)

// MergePayload merges a partial patch into a base JSON object at field-set
// granularity: top-level fields from patch replace fields in base, fields
// absent from patch are kept. This is the only structural knowledge the
// engine has about domain payloads.
func MergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	if len(base) == 0 {
		return patch, nil
	}

	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, fmt.Errorf("merge base payload: %w", err)
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("merge patch payload: %w", err)
	}

	for k, v := range patchMap {
		baseMap[k] = v
	}

	merged, err := json.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("marshal merged payload: %w", err)
	}
	return merged, nil
}
