package db

import (
	"testing"
	"testing/fstest"

	"github.com/kimhsiao/practicesync/backend/internal/db/migrations"
)

func newTestMigrator(t *testing.T, files fstest.MapFS) (*DB, *Migrator) {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	m := NewMigrator(database.DB, files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize migrator: %v", err)
	}
	return database, m
}

func TestMigratorUpAndVersion(t *testing.T) {
	files := fstest.MapFS{
		"V1__create_widgets.up.sql": &fstest.MapFile{
			Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);"),
		},
		"V1__create_widgets.down.sql": &fstest.MapFile{
			Data: []byte("DROP TABLE widgets;"),
		},
		"V2__add_name.up.sql": &fstest.MapFile{
			Data: []byte("ALTER TABLE widgets ADD COLUMN name TEXT;"),
		},
		"V2__add_name.down.sql": &fstest.MapFile{
			Data: []byte("ALTER TABLE widgets DROP COLUMN name;"),
		},
	}
	database, m := newTestMigrator(t, files)

	if err := m.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	// Both columns exist after V2.
	if _, err := database.Exec("INSERT INTO widgets (id, name) VALUES ('w1', 'gear')"); err != nil {
		t.Errorf("schema incomplete after Up: %v", err)
	}
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	files := fstest.MapFS{
		"V1__t.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE t (id TEXT);")},
		"V1__t.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE t;")},
	}
	_, m := newTestMigrator(t, files)

	if err := m.Up(); err != nil {
		t.Fatalf("first Up: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up must be a no-op: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("applied count = %d, want 1", len(applied))
	}
	if len(applied) > 0 && len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

func TestMigratorDown(t *testing.T) {
	files := fstest.MapFS{
		"V1__t.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE t (id TEXT);")},
		"V1__t.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE t;")},
	}
	database, m := newTestMigrator(t, files)

	if err := m.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("version after rollback = %d, want 0", version)
	}
	if _, err := database.Exec("INSERT INTO t (id) VALUES ('x')"); err == nil {
		t.Error("table should not exist after rollback")
	}
}

func TestMigratorDownWithNothingApplied(t *testing.T) {
	_, m := newTestMigrator(t, fstest.MapFS{})
	if err := m.Down(); err == nil {
		t.Error("Down with no applied migrations should fail")
	}
}

func TestEmbeddedMigrationsApply(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer database.Close()

	m := NewMigrator(database.DB, migrations.Files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("embedded migrations failed: %v", err)
	}

	for _, table := range []string{"entity_records", "mutation_queue", "api_credentials"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}
