package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	migrateUpMarker   = "-- +migrate Up"
	migrateDownMarker = "-- +migrate Down"
)

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// LoadMigrations reads NNNN_description.sql files from fsys in version order.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []Migration
	seen := map[int]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		stem := strings.TrimSuffix(name, ".sql")
		prefix, desc, _ := strings.Cut(stem, "_")
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: file name must start with a positive version", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", name, version, prev)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		up, down := splitMigration(string(content))
		if strings.TrimSpace(up) == "" {
			return nil, fmt.Errorf("migration %s: empty up section", name)
		}

		out = append(out, Migration{
			Version:     version,
			Description: strings.ReplaceAll(desc, "_", " "),
			Up:          up,
			Down:        down,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// splitMigration returns the SQL in the Up and Down sections.
func splitMigration(content string) (string, string) {
	upIdx := strings.Index(content, migrateUpMarker)
	downIdx := strings.Index(content, migrateDownMarker)

	switch {
	case upIdx == -1 && downIdx == -1:
		return content, ""
	case upIdx == -1:
		return content[:downIdx], content[downIdx+len(migrateDownMarker):]
	case downIdx == -1:
		return content[upIdx+len(migrateUpMarker):], ""
	case downIdx < upIdx:
		return content[upIdx+len(migrateUpMarker):], content[downIdx+len(migrateDownMarker) : upIdx]
	default:
		return content[upIdx+len(migrateUpMarker) : downIdx], content[downIdx+len(migrateDownMarker):]
	}
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);
`)
	if err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}
	return nil
}

func schemaVersion(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (int, error) {
	var version sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// Migrate applies every pending Up section, one transaction per version,
// and returns the resulting schema version.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS) (int, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyStep(ctx, db, m.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UTC().UnixMilli(), m.Description,
			)
			return err
		}); err != nil {
			return current, fmt.Errorf("apply migration %04d: %w", m.Version, err)
		}
		current = m.Version
	}
	return current, nil
}

// Rollback runs Down sections in reverse order until the schema is at
// target. Rolling back a version without a Down section is an error.
func Rollback(ctx context.Context, db *sql.DB, fsys fs.FS, target int) (int, error) {
	if target < 0 {
		return 0, fmt.Errorf("rollback target must not be negative")
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.Version > current || m.Version <= target {
			continue
		}
		if strings.TrimSpace(m.Down) == "" {
			return current, fmt.Errorf("migration %04d has no down section", m.Version)
		}
		if err := applyStep(ctx, db, m.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", m.Version)
			return err
		}); err != nil {
			return current, fmt.Errorf("roll back migration %04d: %w", m.Version, err)
		}
	}
	return schemaVersion(ctx, db)
}

func applyStep(ctx context.Context, db *sql.DB, script string, record func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, rollbackErr(tx.Rollback()))
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if err = record(tx); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func rollbackErr(err error) error {
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return fmt.Errorf("rollback: %w", err)
}
