package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/infrastructure/storage/migrations"
	"ArticlesIngest/internal/metrics"
	"ArticlesIngest/internal/ports"
)

// SQLiteStore is the durable state store. Reads run concurrently under
// WAL; every write goes through one mutex-guarded transaction at a time.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	sb      sq.StatementBuilderType
	canon   *canon.Canonicalizer
	metrics ports.MetricsRecorder
	logger  *slog.Logger
}

var (
	_ ports.CacheStore = (*SQLiteStore)(nil)
	_ ports.RunStore   = (*SQLiteStore)(nil)
	_ ports.ItemReader = (*SQLiteStore)(nil)
)

// Option customizes a store.
type Option func(*SQLiteStore)

// WithCanonicalizer sets the URL rules used to key items.
func WithCanonicalizer(c *canon.Canonicalizer) Option {
	return func(s *SQLiteStore) { s.canon = c }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec ports.MetricsRecorder) Option {
	return func(s *SQLiteStore) { s.metrics = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// Open opens the SQLite file at path in WAL mode and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		_ = db.Close()
		return nil, fmt.Errorf("journal mode is %q, want wal", mode)
	}

	s := &SQLiteStore{
		db:      db,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Question),
		canon:   canon.New(nil),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := Migrate(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetSchemaVersion returns the highest applied migration.
func (s *SQLiteStore) GetSchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// RollbackTo reverts the schema to target.
func (s *SQLiteStore) RollbackTo(ctx context.Context, target int) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return Rollback(ctx, s.db, migrations.FS, target)
}

// withTx runs fn inside a serialized write transaction. Any error rolls
// the whole transaction back.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.txFailed(op, err)
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, rollbackErr(tx.Rollback()))
			s.txFailed(op, err)
		}
	}()

	if err = fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (s *SQLiteStore) txFailed(op string, err error) {
	s.metrics.IncCounter(metrics.StoreTxFailures, map[string]string{"op": op}, 1)
	if s.logger != nil {
		s.logger.Error("store transaction failed", "op", op, "error_class", domain.ErrorClass(err))
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execBuilder(ctx context.Context, e execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return e.ExecContext(ctx, query, args...)
}

func queryRowBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

func queryBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
