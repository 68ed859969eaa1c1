package data

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kimhsiao/practicesync/backend/internal/db"
	"github.com/kimhsiao/practicesync/backend/internal/db/migrations"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/netmon"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	"github.com/kimhsiao/practicesync/backend/internal/remote"
	"github.com/kimhsiao/practicesync/backend/internal/store"
)

// fakeBackend scripts reads; Deliver is never used by the facade.
type fakeBackend struct {
	fetch func(entityType, id string) (json.RawMessage, error)
	list  func(entityType string) ([]json.RawMessage, error)
}

func (f *fakeBackend) Deliver(ctx context.Context, op *models.MutationOperation) (*remote.Result, error) {
	return nil, apperrors.New(apperrors.ErrInternal, "not scripted")
}

func (f *fakeBackend) Fetch(ctx context.Context, s models.SessionContext, entityType, id string) (json.RawMessage, error) {
	if f.fetch == nil {
		return nil, apperrors.New(apperrors.ErrNetwork, "backend unreachable")
	}
	return f.fetch(entityType, id)
}

func (f *fakeBackend) List(ctx context.Context, s models.SessionContext, entityType string, since int64) ([]json.RawMessage, error) {
	if f.list == nil {
		return nil, apperrors.New(apperrors.ErrNetwork, "backend unreachable")
	}
	return f.list(entityType)
}

func (f *fakeBackend) Probe(ctx context.Context) error { return nil }

type testEnv struct {
	svc     *Service
	queue   *queue.Queue
	store   *store.MemoryStore
	backend *fakeBackend
	monitor *netmon.Monitor
}

func newTestEnv(t *testing.T) *testEnv {
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

	env := &testEnv{
		queue:   queue.New(database.DB, queue.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 5),
		store:   store.NewMemoryStore(),
		backend: &fakeBackend{},
	}
	env.monitor = netmon.New(env.backend, time.Minute)
	session := models.SessionContext{TenantID: "tenant-1", PracticeID: "practice-1", UserID: "user-1"}
	env.svc = New(env.store, env.queue, env.backend, env.monitor, nil, session)
	return env
}

func (e *testEnv) goOnline()  { e.monitor.ReportOutcome(true) }
func (e *testEnv) goOffline() { e.monitor.ReportOutcome(false) }

func TestOfflineCreateIsImmediatelyReadable(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	rec, err := patients.Create(context.Background(), json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(string(rec.ID), "temp_") {
		t.Errorf("id = %s, want temporary prefix", rec.ID)
	}
	if rec.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %s, want pending", rec.SyncStatus)
	}

	got, err := patients.Get(context.Background(), string(rec.ID))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != `{"name":"Ada"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	batch, err := env.queue.NextBatch("tenant-1", time.Now(), 10)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].OpKind != models.OpCreate {
		t.Fatalf("queue contents wrong: %+v", batch)
	}
}

func TestOfflineUpdateCoalescesIntoQueuedCreate(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	rec, err := patients.Create(context.Background(), json.RawMessage(`{"name":"Ada","phone":"111"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := patients.Update(context.Background(), string(rec.ID), json.RawMessage(`{"phone":"222"}`))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(updated.Payload, &payload); err != nil {
		t.Fatalf("payload invalid: %v", err)
	}
	if payload["name"] != "Ada" || payload["phone"] != "222" {
		t.Errorf("merged payload = %v", payload)
	}

	// A single queued create carries the merged document.
	batch, _ := env.queue.NextBatch("tenant-1", time.Now(), 10)
	if len(batch) != 1 || batch[0].OpKind != models.OpCreate {
		t.Fatalf("queue contents wrong: %+v", batch)
	}
	var queued map[string]interface{}
	if err := json.Unmarshal(batch[0].Payload, &queued); err != nil {
		t.Fatalf("queued payload invalid: %v", err)
	}
	if queued["phone"] != "222" {
		t.Errorf("queued phone = %v, want 222", queued["phone"])
	}
}

func TestOfflineDeleteOfUnsyncedEntityLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	rec, err := patients.Create(context.Background(), json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := patients.Delete(context.Background(), string(rec.ID)); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := patients.Get(context.Background(), string(rec.ID)); apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("deleted entity still readable: %v", err)
	}
	batch, _ := env.queue.NextBatch("tenant-1", time.Now(), 10)
	if len(batch) != 0 {
		t.Errorf("queue should be empty, got %+v", batch)
	}
}

func TestOfflineDeleteOfSyncedEntityTombstones(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	now := time.Now().UnixMilli()
	if err := env.store.Put(&models.EntityRecord{
		TenantID: "tenant-1", EntityType: "patients", ID: "srv-1",
		Payload: json.RawMessage(`{"name":"Ada"}`), SyncStatus: models.SyncStatusSynced,
		LastModified: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := patients.Delete(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := patients.Get(context.Background(), "srv-1"); apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("tombstoned entity still readable: %v", err)
	}
	records, err := patients.List(context.Background(), store.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("tombstoned entity in list: %+v", records)
	}

	batch, _ := env.queue.NextBatch("tenant-1", time.Now(), 10)
	if len(batch) != 1 || batch[0].OpKind != models.OpDelete {
		t.Fatalf("queue contents wrong: %+v", batch)
	}
}

func TestUpdateOfDeletedEntityFails(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	rec, _ := patients.Create(context.Background(), json.RawMessage(`{"name":"Ada"}`))
	// Tombstone directly to bypass the create-cancel shortcut.
	if err := env.store.SoftDelete("tenant-1", "patients", string(rec.ID), time.Now().UnixMilli()); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	_, err := patients.Update(context.Background(), string(rec.ID), json.RawMessage(`{"a":1}`))
	if apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("update of deleted entity: got %v, want NOT_FOUND", err)
	}
}

func TestWritesRejectNonObjectDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	if _, err := patients.Create(context.Background(), json.RawMessage(`[1,2]`)); apperrors.CodeOf(err) != apperrors.ErrInvalid {
		t.Errorf("array document accepted: %v", err)
	}
	if _, err := patients.Create(context.Background(), nil); apperrors.CodeOf(err) != apperrors.ErrInvalid {
		t.Errorf("empty document accepted: %v", err)
	}
}

func TestOnlineGetRefreshesLocalStore(t *testing.T) {
	env := newTestEnv(t)
	env.goOnline()
	env.backend.fetch = func(entityType, id string) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"srv-1","name":"Fresh"}`), nil
	}
	patients := env.svc.Collection("patients")

	rec, err := patients.Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(rec.Payload), "Fresh") {
		t.Errorf("payload = %s", rec.Payload)
	}
	if rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced", rec.SyncStatus)
	}

	// The refreshed copy now serves offline reads too.
	env.goOffline()
	cached, err := patients.Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("offline Get after refresh: %v", err)
	}
	if !strings.Contains(string(cached.Payload), "Fresh") {
		t.Errorf("cached payload = %s", cached.Payload)
	}
}

func TestRefreshKeepsTimestampsWhenDocumentUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.goOnline()
	doc := `{"id":"srv-1","name":"Ada"}`
	env.backend.fetch = func(entityType, id string) (json.RawMessage, error) {
		return json.RawMessage(doc), nil
	}
	patients := env.svc.Collection("patients")

	first, err := patients.Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := patients.Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if second.LastModified != first.LastModified {
		t.Errorf("unchanged document bumped last_modified: %d -> %d",
			first.LastModified, second.LastModified)
	}

	// A changed document moves the clock forward.
	env.backend.fetch = func(entityType, id string) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"srv-1","name":"Renamed"}`), nil
	}
	time.Sleep(2 * time.Millisecond)
	third, err := patients.Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("third Get: %v", err)
	}
	if third.LastModified <= first.LastModified {
		t.Errorf("changed document kept stale last_modified %d", third.LastModified)
	}
}

func TestOnlineGetPrefersLocalWhenOpsQueued(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	now := time.Now().UnixMilli()
	if err := env.store.Put(&models.EntityRecord{
		TenantID: "tenant-1", EntityType: "patients", ID: "srv-1",
		Payload: json.RawMessage(`{"name":"Stale"}`), SyncStatus: models.SyncStatusSynced,
		LastModified: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := patients.Update(context.Background(), "srv-1", json.RawMessage(`{"name":"LocalEdit"}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	env.goOnline()
	env.backend.fetch = func(entityType, id string) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"srv-1","name":"ServerCopy"}`), nil
	}

	rec, err := patients.Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(rec.Payload), "LocalEdit") {
		t.Errorf("payload = %s, want the unsynced local edit", rec.Payload)
	}
}

func TestOnlineGetFallsBackToLocalOnNetworkError(t *testing.T) {
	env := newTestEnv(t)
	env.goOnline()
	env.backend.fetch = nil // every fetch returns a network error

	now := time.Now().UnixMilli()
	if err := env.store.Put(&models.EntityRecord{
		TenantID: "tenant-1", EntityType: "patients", ID: "srv-1",
		Payload: json.RawMessage(`{"name":"Cached"}`), SyncStatus: models.SyncStatusSynced,
		LastModified: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, err := env.svc.Collection("patients").Get(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(rec.Payload), "Cached") {
		t.Errorf("payload = %s", rec.Payload)
	}
	if env.monitor.Online() {
		t.Error("failed fetch must flip the monitor offline")
	}
}

func TestOnlineListMergesBackendAndOptimisticRecords(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	// An offline create awaits sync.
	local, err := patients.Create(context.Background(), json.RawMessage(`{"name":"LocalOnly"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.goOnline()
	env.backend.list = func(entityType string) ([]json.RawMessage, error) {
		return []json.RawMessage{
			json.RawMessage(`{"id":"srv-1","name":"FromServer"}`),
		}, nil
	}

	records, err := patients.List(context.Background(), store.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("list size = %d, want 2 (server + optimistic)", len(records))
	}

	byID := map[string]*models.EntityRecord{}
	for _, r := range records {
		byID[string(r.ID)] = r
	}
	if _, ok := byID["srv-1"]; !ok {
		t.Error("server record missing from merged list")
	}
	if _, ok := byID[string(local.ID)]; !ok {
		t.Error("optimistic record missing from merged list")
	}
}

func TestMapIDResolvesReconciledIDs(t *testing.T) {
	env := newTestEnv(t)
	env.goOffline()
	patients := env.svc.Collection("patients")

	rec, err := patients.Create(context.Background(), json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tempID := string(rec.ID)

	// Simulate the engine confirming the create.
	if err := env.store.ReplaceID("tenant-1", "patients", tempID, "srv-50"); err != nil {
		t.Fatalf("ReplaceID: %v", err)
	}
	env.svc.RecordMapping("tenant-1", "patients", tempID, "srv-50")

	got, err := patients.Get(context.Background(), tempID)
	if err != nil {
		t.Fatalf("Get by stale temp id: %v", err)
	}
	if string(got.ID) != "srv-50" {
		t.Errorf("resolved id = %s, want srv-50", got.ID)
	}

	// Mappings for other tenants are ignored.
	env.svc.RecordMapping("tenant-other", "patients", "temp_x", "srv-99")
	if env.svc.MapID("temp_x") != "temp_x" {
		t.Error("cross-tenant mapping recorded")
	}
}
