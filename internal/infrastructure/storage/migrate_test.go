package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"

	"ArticlesIngest/internal/infrastructure/storage/migrations"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "raw.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("lookup table %s: %v", name, err)
	}
	return n == 1
}

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0002_second.sql":     {Data: []byte("-- +migrate Up\nCREATE TABLE b (id INTEGER);\n-- +migrate Down\nDROP TABLE b;\n")},
		"0001_first_step.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE a (id INTEGER);\n")},
		"README.md":           {Data: []byte("ignored")},
	}

	got, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(got))
	}
	if got[0].Version != 1 || got[0].Description != "first step" || got[0].Down != "" {
		t.Fatalf("unexpected first migration %+v", got[0])
	}
	if got[1].Version != 2 || got[1].Down == "" {
		t.Fatalf("unexpected second migration %+v", got[1])
	}
}

func TestLoadMigrationsRejectsBadFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{
			name: "duplicate version",
			fsys: fstest.MapFS{
				"0001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
				"0001_b.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
			},
		},
		{
			name: "missing version prefix",
			fsys: fstest.MapFS{
				"init.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
			},
		},
		{
			name: "empty up section",
			fsys: fstest.MapFS{
				"0001_a.sql": {Data: []byte("-- +migrate Up\n-- +migrate Down\nDROP TABLE a;")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := LoadMigrations(tt.fsys); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMigrateAndRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openRawDB(t)
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n")},
		"0002_b.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE b (id INTEGER);\n-- +migrate Down\nDROP TABLE b;\n")},
	}

	version, err := Migrate(ctx, db, fsys)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if version != 2 || !tableExists(t, db, "a") || !tableExists(t, db, "b") {
		t.Fatalf("expected both tables at version 2, got %d", version)
	}

	// Running again is a no-op.
	if version, err = Migrate(ctx, db, fsys); err != nil || version != 2 {
		t.Fatalf("second migrate: version=%d err=%v", version, err)
	}

	version, err = Rollback(ctx, db, fsys, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if version != 1 || tableExists(t, db, "b") || !tableExists(t, db, "a") {
		t.Fatalf("expected only table a at version 1, got %d", version)
	}

	if _, err := Rollback(ctx, db, fsys, -1); err == nil {
		t.Fatalf("expected negative target to fail")
	}
}

func TestMigrateFailureRollsBackStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openRawDB(t)
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INTEGER);\nTHIS IS NOT SQL;")},
	}

	version, err := Migrate(ctx, db, fsys)
	if err == nil {
		t.Fatalf("expected broken migration to fail")
	}
	if version != 1 {
		t.Fatalf("expected version 1 after failure, got %d", version)
	}
	if tableExists(t, db, "b") {
		t.Fatalf("failed migration left table b behind")
	}
}

func TestRollbackWithoutDownFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openRawDB(t)
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
	}

	if _, err := Migrate(ctx, db, fsys); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := Rollback(ctx, db, fsys, 0); err == nil {
		t.Fatalf("expected rollback without down section to fail")
	}
}

func TestEmbeddedMigrationsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	version, err := store.RollbackTo(ctx, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if version != 1 || tableExists(t, store.db, "source_runs") {
		t.Fatalf("expected source_runs to be dropped at version 1, got %d", version)
	}
	if !tableExists(t, store.db, "items") {
		t.Fatalf("items table must survive rollback to 1")
	}

	version, err = Migrate(ctx, store.db, migrations.FS)
	if err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if version != 2 || !tableExists(t, store.db, "source_runs") {
		t.Fatalf("expected source_runs back at version 2, got %d", version)
	}
}
