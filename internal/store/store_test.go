package store

import (
	"encoding/json"
	"testing"

	"github.com/kimhsiao/practicesync/backend/internal/db"
	"github.com/kimhsiao/practicesync/backend/internal/db/migrations"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	m := db.NewMigrator(database.DB, migrations.Files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewSQLiteStore(database.DB)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(tenantID, entityType, id string, modified int64) *models.EntityRecord {
	return &models.EntityRecord{
		TenantID:     tenantID,
		EntityType:   entityType,
		ID:           models.EntityID(id),
		Payload:      json.RawMessage(`{"name":"Ada"}`),
		PracticeID:   "practice-1",
		UserID:       "user-1",
		SyncStatus:   models.SyncStatusPending,
		LastModified: modified,
		CreatedAt:    modified,
		UpdatedAt:    modified,
	}
}

// Both implementations must behave identically.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestPutGetRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		rec := testRecord("tenant-1", "patients", "p1", 1000)
		if err := s.Put(rec); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := s.Get("tenant-1", "patients", "p1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SyncStatus != models.SyncStatusPending {
			t.Errorf("sync status = %q", got.SyncStatus)
		}
		if string(got.Payload) != `{"name":"Ada"}` {
			t.Errorf("payload = %s", got.Payload)
		}

		// Replacing the row keeps the key.
		rec.Payload = json.RawMessage(`{"name":"Grace"}`)
		rec.LastModified = 2000
		if err := s.Put(rec); err != nil {
			t.Fatalf("Put replace: %v", err)
		}
		got, err = s.Get("tenant-1", "patients", "p1")
		if err != nil {
			t.Fatalf("Get after replace: %v", err)
		}
		if string(got.Payload) != `{"name":"Grace"}` {
			t.Errorf("payload after replace = %s", got.Payload)
		}
	})
}

func TestGetMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get("tenant-1", "patients", "nope")
		if apperrors.CodeOf(err) != apperrors.ErrNotFound {
			t.Errorf("got %v, want NOT_FOUND", err)
		}
	})
}

func TestTenantIsolation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.Put(testRecord("tenant-a", "patients", "p1", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}

		// Same type and id under another tenant is invisible.
		if _, err := s.Get("tenant-b", "patients", "p1"); apperrors.CodeOf(err) != apperrors.ErrNotFound {
			t.Errorf("cross-tenant Get must fail, got %v", err)
		}

		records, err := s.List("tenant-b", "patients", ListOptions{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("cross-tenant List returned %d records", len(records))
		}

		// Purging tenant-b must not touch tenant-a.
		if err := s.Purge("tenant-b"); err != nil {
			t.Fatalf("Purge: %v", err)
		}
		if _, err := s.Get("tenant-a", "patients", "p1"); err != nil {
			t.Errorf("purge of another tenant removed the record: %v", err)
		}
	})
}

func TestListOrderingAndFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		for _, rec := range []*models.EntityRecord{
			testRecord("tenant-1", "appointments", "a1", 100),
			testRecord("tenant-1", "appointments", "a2", 300),
			testRecord("tenant-1", "appointments", "a3", 200),
		} {
			if err := s.Put(rec); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		synced := testRecord("tenant-1", "appointments", "a4", 400)
		synced.SyncStatus = models.SyncStatusSynced
		if err := s.Put(synced); err != nil {
			t.Fatalf("Put: %v", err)
		}

		records, err := s.List("tenant-1", "appointments", ListOptions{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(records) != 4 {
			t.Fatalf("got %d records, want 4", len(records))
		}
		// Newest first.
		if string(records[0].ID) != "a4" || string(records[1].ID) != "a2" {
			t.Errorf("order wrong: %s, %s", records[0].ID, records[1].ID)
		}

		pending, err := s.List("tenant-1", "appointments", ListOptions{
			SyncStatus: models.SyncStatusPending,
		})
		if err != nil {
			t.Fatalf("List pending: %v", err)
		}
		if len(pending) != 3 {
			t.Errorf("pending count = %d, want 3", len(pending))
		}

		recent, err := s.List("tenant-1", "appointments", ListOptions{ModifiedSince: 250})
		if err != nil {
			t.Fatalf("List recent: %v", err)
		}
		if len(recent) != 2 {
			t.Errorf("recent count = %d, want 2", len(recent))
		}

		paged, err := s.List("tenant-1", "appointments", ListOptions{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("List paged: %v", err)
		}
		if len(paged) != 2 || string(paged[0].ID) != "a2" {
			t.Errorf("paged result wrong: %+v", paged)
		}
	})
}

func TestSoftDeleteHidesFromList(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.Put(testRecord("tenant-1", "patients", "p1", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.SoftDelete("tenant-1", "patients", "p1", 2000); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}

		records, err := s.List("tenant-1", "patients", ListOptions{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("soft-deleted record visible in List")
		}

		// Still addressable directly; tombstone carries pending status.
		got, err := s.Get("tenant-1", "patients", "p1")
		if err != nil {
			t.Fatalf("Get tombstone: %v", err)
		}
		if !got.IsDeleted || got.SyncStatus != models.SyncStatusPending {
			t.Errorf("tombstone state wrong: deleted=%v status=%s", got.IsDeleted, got.SyncStatus)
		}
		if got.LastModified != 2000 {
			t.Errorf("last_modified = %d, want 2000", got.LastModified)
		}

		all, err := s.List("tenant-1", "patients", ListOptions{IncludeDeleted: true})
		if err != nil {
			t.Fatalf("List all: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("IncludeDeleted list count = %d, want 1", len(all))
		}
	})
}

func TestRemove(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.Put(testRecord("tenant-1", "patients", "temp_x", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Remove("tenant-1", "patients", "temp_x"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, err := s.Get("tenant-1", "patients", "temp_x"); apperrors.CodeOf(err) != apperrors.ErrNotFound {
			t.Errorf("record still present after Remove: %v", err)
		}
		if err := s.Remove("tenant-1", "patients", "temp_x"); apperrors.CodeOf(err) != apperrors.ErrNotFound {
			t.Errorf("second Remove: got %v, want NOT_FOUND", err)
		}
	})
}

func TestSetSyncStatus(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.Put(testRecord("tenant-1", "patients", "p1", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.SetSyncStatus("tenant-1", "patients", "p1", models.SyncStatusSynced); err != nil {
			t.Fatalf("SetSyncStatus: %v", err)
		}
		got, err := s.Get("tenant-1", "patients", "p1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SyncStatus != models.SyncStatusSynced {
			t.Errorf("status = %q, want synced", got.SyncStatus)
		}

		err = s.SetSyncStatus("tenant-1", "patients", "missing", models.SyncStatusSynced)
		if apperrors.CodeOf(err) != apperrors.ErrNotFound {
			t.Errorf("got %v, want NOT_FOUND", err)
		}
	})
}

func TestReplaceID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.Put(testRecord("tenant-1", "patients", "temp_abc", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.ReplaceID("tenant-1", "patients", "temp_abc", "srv-123"); err != nil {
			t.Fatalf("ReplaceID: %v", err)
		}

		if _, err := s.Get("tenant-1", "patients", "temp_abc"); apperrors.CodeOf(err) != apperrors.ErrNotFound {
			t.Errorf("old id still resolves: %v", err)
		}
		got, err := s.Get("tenant-1", "patients", "srv-123")
		if err != nil {
			t.Fatalf("Get new id: %v", err)
		}
		if string(got.Payload) != `{"name":"Ada"}` {
			t.Errorf("payload lost in id rewrite: %s", got.Payload)
		}
	})
}

func TestEntityTypes(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.Put(testRecord("tenant-1", "patients", "p1", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Put(testRecord("tenant-1", "appointments", "a1", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Put(testRecord("tenant-2", "invoices", "i1", 1000)); err != nil {
			t.Fatalf("Put: %v", err)
		}

		types, err := s.EntityTypes("tenant-1")
		if err != nil {
			t.Fatalf("EntityTypes: %v", err)
		}
		if len(types) != 2 || types[0] != "appointments" || types[1] != "patients" {
			t.Errorf("types = %v, want [appointments patients]", types)
		}

		types, err = s.EntityTypes("tenant-3")
		if err != nil {
			t.Fatalf("EntityTypes empty tenant: %v", err)
		}
		if len(types) != 0 {
			t.Errorf("types for unknown tenant = %v", types)
		}
	})
}
