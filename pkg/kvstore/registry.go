package kvstore

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// dbHandle is one entry in the registry: a refcounted reference to an
// opened sqliteDB, with a mutex guarding first-open/close races and a
// frozen flag that blocks further opens after an unrecoverable error.
type dbHandle struct {
	mu       sync.Mutex
	id       DBID
	db       *sqliteDB
	refcount int
	frozen   bool
	brokenOnce bool
	openTS   time.Time
}

// SQLiteRegistry is the C7 handle-lifecycle manager: one long-lived
// sqliteDB per DBID, refcounted across concurrent Open/Close pairs, with
// rename-and-recreate corruption recovery.
type SQLiteRegistry struct {
	resolver *PathResolver

	mu      sync.Mutex
	handles map[DBID]*dbHandle
}

func NewSQLiteRegistry(resolver *PathResolver) *SQLiteRegistry {
	return &SQLiteRegistry{resolver: resolver, handles: make(map[DBID]*dbHandle)}
}

// Open opens (or increments the refcount of) the named database. A
// previously frozen handle always fails.
func (r *SQLiteRegistry) Open(ctx context.Context, id DBID) (Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		h = &dbHandle{id: id}
		r.handles[id] = h
	}
	r.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.frozen {
		return nil, engine.NewKVCorruptionError("database frozen after repeated corruption", nil).
			WithCode(engine.ErrCodeFrozen).WithDetail("dbid", string(id))
	}

	if h.db == nil {
		db, err := r.openOrRecover(ctx, h)
		if err != nil {
			return nil, err
		}
		h.db = db
		h.openTS = time.Now()
	}
	h.refcount++

	return &registryHandle{registry: r, entry: h}, nil
}

func (r *SQLiteRegistry) openOrRecover(ctx context.Context, h *dbHandle) (*sqliteDB, error) {
	path := r.resolver.Resolve(h.id)
	db, err := openSQLiteDB(ctx, sqliteConfig{Path: path})
	if err == nil {
		return db, nil
	}
	if !engine.IsKVCorruption(err) {
		return nil, err
	}

	if h.brokenOnce {
		h.frozen = true
		return nil, engine.NewKVCorruptionError("database broken twice, handle frozen", err).
			WithCode(engine.ErrCodeFrozen).WithDetail("dbid", string(h.id))
	}
	h.brokenOnce = true

	if renameErr := os.Rename(path, path+".broken"); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, engine.NewKVCorruptionError("failed to rename broken database", renameErr)
	}

	db, err = openSQLiteDB(ctx, sqliteConfig{Path: path})
	if err != nil {
		h.frozen = true
		return nil, engine.NewKVCorruptionError("failed to recreate database after corruption", err).WithCode(engine.ErrCodeFrozen)
	}
	return db, nil
}

func (r *SQLiteRegistry) closeHandle(ctx context.Context, h *dbHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refcount > 0 {
		h.refcount--
	}
	if h.refcount == 0 && h.db != nil {
		err := h.db.closeDB()
		h.db = nil
		return err
	}
	return nil
}

// Shutdown waits up to ~10 seconds, polling every 10ms, for every open
// handle's refcount to drain, then force-closes whatever remains.
func (r *SQLiteRegistry) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)

	for {
		allDrained := true
		r.mu.Lock()
		for _, h := range r.handles {
			h.mu.Lock()
			if h.refcount > 0 {
				allDrained = false
			}
			h.mu.Unlock()
		}
		r.mu.Unlock()

		if allDrained || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break
		case <-time.After(10 * time.Millisecond):
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, h := range r.handles {
		h.mu.Lock()
		if h.db != nil {
			if err := h.db.closeDB(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.db = nil
			h.refcount = 0
		}
		h.mu.Unlock()
	}
	return firstErr
}

// Backup copies every existing database file the resolver knows about
// into dest as raw file bytes. Databases that have never been opened are
// read directly from disk; open ones are flushed with a WAL checkpoint
// first. No lock is held while a file is read.
func (r *SQLiteRegistry) Backup(ctx context.Context, dest BackupWriter) error {
	for _, id := range AllDBIDs() {
		path := r.resolver.Resolve(id)
		if !fileExists(path) {
			continue
		}

		r.mu.Lock()
		h := r.handles[id]
		r.mu.Unlock()
		if h != nil {
			h.mu.Lock()
			if h.db != nil {
				_, _ = h.db.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
			}
			h.mu.Unlock()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return engine.NewSystemError("backup: failed to read database", err).WithDetail("dbid", string(id))
		}
		if err := dest.WriteFile(dbFilenames[id], data); err != nil {
			return engine.NewSystemError("backup: failed to write snapshot entry", err).WithDetail("dbid", string(id))
		}
	}
	return nil
}

// Restore replaces every named database with the contents of src. Any
// database currently open has its connection closed before the file is
// overwritten; the handle is not frozen, so the next Open reopens the
// restored file.
func (r *SQLiteRegistry) Restore(ctx context.Context, src BackupReader) error {
	for _, name := range src.Names() {
		var id DBID
		for candidate, filename := range dbFilenames {
			if filename == name {
				id = candidate
				break
			}
		}
		if id == "" {
			continue
		}

		data, ok, err := src.ReadFile(name)
		if err != nil {
			return engine.NewSystemError("restore: failed to read snapshot entry", err).WithDetail("dbid", string(id))
		}
		if !ok {
			continue
		}

		r.mu.Lock()
		h, exists := r.handles[id]
		r.mu.Unlock()
		if exists {
			h.mu.Lock()
			if h.db != nil {
				_ = h.db.closeDB()
				h.db = nil
			}
			h.mu.Unlock()
		}

		path := r.resolver.Resolve(id)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return engine.NewSystemError("restore: failed to write database file", err).WithDetail("dbid", string(id))
		}
	}
	return nil
}

// registryHandle is the Handle returned from Open; it forwards DB
// operations to the shared sqliteDB and releases the refcount on Close.
type registryHandle struct {
	registry *SQLiteRegistry
	entry    *dbHandle
}

func (h *registryHandle) Read(ctx context.Context, key []byte) ([]byte, bool, error) {
	return h.entry.db.Read(ctx, key)
}
func (h *registryHandle) Write(ctx context.Context, key, value []byte) error {
	return h.entry.db.Write(ctx, key, value)
}
func (h *registryHandle) Delete(ctx context.Context, key []byte) error {
	return h.entry.db.Delete(ctx, key)
}
func (h *registryHandle) Has(ctx context.Context, key []byte) (bool, error) {
	return h.entry.db.Has(ctx, key)
}
func (h *registryHandle) ValueSize(ctx context.Context, key []byte) (int, bool, error) {
	return h.entry.db.ValueSize(ctx, key)
}
func (h *registryHandle) Overwrite(ctx context.Context, key, value []byte, predicate OverwritePredicate) error {
	return h.entry.db.Overwrite(ctx, key, value, predicate)
}
func (h *registryHandle) OpenCursor(ctx context.Context) (Cursor, error) {
	return h.entry.db.OpenCursor(ctx)
}
func (h *registryHandle) LoadIntoMap(ctx context.Context) (map[string][]byte, error) {
	return h.entry.db.LoadIntoMap(ctx)
}
func (h *registryHandle) Close(ctx context.Context) error {
	return h.registry.closeHandle(ctx, h.entry)
}
