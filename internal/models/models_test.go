package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEntityRecordTouch(t *testing.T) {
	rec := &EntityRecord{
		EntityType: "appointments",
		ID:         "appt-1",
		Payload:    json.RawMessage(`{"status":"scheduled"}`),
	}

	before := time.Now().UnixMilli()
	rec.Touch()
	after := time.Now().UnixMilli()

	if rec.LastModified < before || rec.LastModified > after {
		t.Errorf("LastModified %d not in [%d, %d]", rec.LastModified, before, after)
	}
	if rec.UpdatedAt != rec.LastModified {
		t.Errorf("UpdatedAt %d != LastModified %d", rec.UpdatedAt, rec.LastModified)
	}
}

func TestEntityRecordClone(t *testing.T) {
	rec := &EntityRecord{
		EntityType: "boarding_stays",
		ID:         "stay-1",
		Payload:    json.RawMessage(`{"kennel":"A3"}`),
	}

	clone := rec.Clone()
	clone.Payload[2] = 'X'

	if string(rec.Payload) != `{"kennel":"A3"}` {
		t.Errorf("clone shares payload backing array: %s", rec.Payload)
	}
}

func TestEntityIDScan(t *testing.T) {
	var id EntityID
	if err := id.Scan([]byte("temp_abc")); err != nil {
		t.Fatalf("Scan bytes: %v", err)
	}
	if id != "temp_abc" {
		t.Errorf("got %q, want temp_abc", id)
	}

	if err := id.Scan("srv-42"); err != nil {
		t.Fatalf("Scan string: %v", err)
	}
	if id != "srv-42" {
		t.Errorf("got %q, want srv-42", id)
	}

	if err := id.Scan(42); err == nil {
		t.Error("expected error scanning int, got nil")
	}
}

func TestMutationOperationEligible(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		op   MutationOperation
		want bool
	}{
		{"pending due", MutationOperation{Status: OpPending, NextAttemptAt: now.UnixMilli() - 1000}, true},
		{"pending backoff not elapsed", MutationOperation{Status: OpPending, NextAttemptAt: now.UnixMilli() + 60000}, false},
		{"processing", MutationOperation{Status: OpProcessing}, false},
		{"failed", MutationOperation{Status: OpFailed}, false},
		{"completed", MutationOperation{Status: OpCompleted}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.op.Eligible(now); got != tc.want {
				t.Errorf("Eligible() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMergePayload(t *testing.T) {
	base := json.RawMessage(`{"status":"scheduled","kennel":"A3"}`)
	patch := json.RawMessage(`{"status":"checked_in"}`)

	merged, err := MergePayload(base, patch)
	if err != nil {
		t.Fatalf("MergePayload: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if out["status"] != "checked_in" {
		t.Errorf("status = %q, want checked_in", out["status"])
	}
	if out["kennel"] != "A3" {
		t.Errorf("kennel = %q, want A3 (field absent from patch must be kept)", out["kennel"])
	}
}

func TestMergePayloadEmptySides(t *testing.T) {
	patch := json.RawMessage(`{"a":1}`)

	merged, err := MergePayload(nil, patch)
	if err != nil {
		t.Fatalf("MergePayload(nil, patch): %v", err)
	}
	if string(merged) != `{"a":1}` {
		t.Errorf("got %s, want patch unchanged", merged)
	}

	merged, err = MergePayload(patch, nil)
	if err != nil {
		t.Fatalf("MergePayload(patch, nil): %v", err)
	}
	if string(merged) != `{"a":1}` {
		t.Errorf("got %s, want base unchanged", merged)
	}
}

func TestMergePayloadRejectsNonObjects(t *testing.T) {
	if _, err := MergePayload(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`)); err == nil {
		t.Error("expected error merging into array payload, got nil")
	}
}
