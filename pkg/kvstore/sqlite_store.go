package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cfengined/cfengined/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteDB backs a single named database with a single-table
// "key BLOB PRIMARY KEY, value BLOB" schema, opened with the engine's
// WAL-mode DSN tuning.
type sqliteDB struct {
	db   *sql.DB
	path string
}

// sqliteConfig holds connection tuning for one database file.
type sqliteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func openSQLiteDB(ctx context.Context, cfg sqliteConfig) (*sqliteDB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.Path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &sqliteDB{db: sqlDB, path: cfg.Path}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteDB) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return engine.NewKVCorruptionError("failed to create database driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return engine.NewKVCorruptionError("database unusable", err)
	}
	return nil
}

func (s *sqliteDB) closeDB() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteDB) Read(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore read: %w", err)
	}
	return value, true, nil
}

func (s *sqliteDB) Write(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("kvstore write: %w", err)
	}
	return nil
}

func (s *sqliteDB) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("kvstore delete: %w", err)
	}
	return nil
}

func (s *sqliteDB) Has(ctx context.Context, key []byte) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore has: %w", err)
	}
	return true, nil
}

func (s *sqliteDB) ValueSize(ctx context.Context, key []byte) (int, bool, error) {
	value, ok, err := s.Read(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	return len(value), true, nil
}

func (s *sqliteDB) Overwrite(ctx context.Context, key, value []byte, predicate OverwritePredicate) error {
	existing, exists, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if predicate != nil && !predicate(existing, exists) {
		return nil
	}
	return s.Write(ctx, key, value)
}

func (s *sqliteDB) LoadIntoMap(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("kvstore load_into_map: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("kvstore load_into_map scan: %w", err)
		}
		out[string(key)] = value
	}
	return out, rows.Err()
}

func (s *sqliteDB) OpenCursor(ctx context.Context) (Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("kvstore open_cursor: %w", err)
	}
	return &sqliteCursor{db: s, rows: rows, ctx: ctx}, nil
}

// sqliteCursor buffers the current row's key/value so WriteCurrent/
// DeleteCurrent can act on it after rows.Next() advances.
type sqliteCursor struct {
	db   *sqliteDB
	rows *sql.Rows
	ctx  context.Context

	key   []byte
	value []byte
}

func (c *sqliteCursor) Advance(ctx context.Context) bool {
	if !c.rows.Next() {
		return false
	}
	if err := c.rows.Scan(&c.key, &c.value); err != nil {
		return false
	}
	return true
}

func (c *sqliteCursor) Key() []byte   { return c.key }
func (c *sqliteCursor) Value() []byte { return c.value }

func (c *sqliteCursor) DeleteCurrent(ctx context.Context) error {
	return c.db.Delete(ctx, c.key)
}

func (c *sqliteCursor) WriteCurrent(ctx context.Context, value []byte) error {
	c.value = value
	return c.db.Write(ctx, c.key, value)
}

func (c *sqliteCursor) Close() error {
	return c.rows.Close()
}

func (s *sqliteDB) healthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
