// Package kvstore implements the persistent KV store (C7): a family of
// named, single-table SQLite databases identified by a small dbid enum,
// each reached through a refcounted, mutex-guarded handle.
package kvstore

import (
	"context"
	"time"
)

// DBID names one of the well-known databases the engine and its
// actuators open over the lifetime of a run. Paths are derived from
// these in paths.go, mirroring the original dbm_api.c path tables.
type DBID string

const (
	DBClasses            DBID = "classes"
	DBVariables          DBID = "variables"
	DBPerformance        DBID = "performance"
	DBChecksums          DBID = "checksums"
	DBFilestats          DBID = "filestats"
	DBChanges            DBID = "changes"
	DBObservations       DBID = "observations"
	DBState              DBID = "state"
	DBLastseen           DBID = "lastseen"
	DBAudit              DBID = "audit"
	DBLocks              DBID = "locks"
	DBHistory            DBID = "history"
	DBPackagesInstalled  DBID = "packages_installed"
	DBPackagesUpdates    DBID = "packages_updates"
	DBCookies            DBID = "cookies"
	DBHosts              DBID = "hosts"
)

// allDBIDs enumerates every known database. SQLiteRegistry.Backup, and
// through it TarBackupManager, walks this list; no startup integrity
// check reads it.
var allDBIDs = []DBID{
	DBClasses, DBVariables, DBPerformance, DBChecksums, DBFilestats,
	DBChanges, DBObservations, DBState, DBLastseen, DBAudit, DBLocks,
	DBHistory, DBPackagesInstalled, DBPackagesUpdates, DBCookies, DBHosts,
}

// AllDBIDs returns every well-known database identifier.
func AllDBIDs() []DBID {
	out := make([]DBID, len(allDBIDs))
	copy(out, allDBIDs)
	return out
}

// OverwritePredicate inspects the existing value (nil if absent) and
// decides whether Overwrite should proceed.
type OverwritePredicate func(existing []byte, exists bool) bool

// Cursor iterates over the (key, value) pairs of one database in an
// unspecified but stable order for the lifetime of the cursor.
type Cursor interface {
	Advance(ctx context.Context) bool
	Key() []byte
	Value() []byte
	DeleteCurrent(ctx context.Context) error
	WriteCurrent(ctx context.Context, value []byte) error
	Close() error
}

// DB is one opened named database.
type DB interface {
	Read(ctx context.Context, key []byte) ([]byte, bool, error)
	Write(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Has(ctx context.Context, key []byte) (bool, error)
	ValueSize(ctx context.Context, key []byte) (int, bool, error)
	Overwrite(ctx context.Context, key, value []byte, predicate OverwritePredicate) error

	OpenCursor(ctx context.Context) (Cursor, error)

	// LoadIntoMap materialises the whole database into memory, for the
	// handful of call sites (class sets, small lookup tables) that want
	// an in-memory snapshot rather than point lookups.
	LoadIntoMap(ctx context.Context) (map[string][]byte, error)
}

// Registry is the handle-lifecycle manager for the full family of named
// databases: Open/Close implement the refcount/frozen-flag/corruption
// semantics described in registry.go.
type Registry interface {
	Open(ctx context.Context, id DBID) (Handle, error)

	// Shutdown waits up to ten seconds for outstanding handles to close,
	// then force-closes whatever remains.
	Shutdown(ctx context.Context) error

	// Backup and Restore snapshot/restore every known database file.
	Backup(ctx context.Context, dest BackupWriter) error
	Restore(ctx context.Context, src BackupReader) error
}

// Handle is a refcounted reference to an opened DB; Close must be called
// exactly once per successful Open.
type Handle interface {
	DB
	Close(ctx context.Context) error
}

// BackupWriter receives one named blob per database file during a backup.
type BackupWriter interface {
	WriteFile(name string, data []byte) error
}

// BackupReader yields the named blobs captured by a prior backup.
type BackupReader interface {
	ReadFile(name string) ([]byte, bool, error)
	Names() []string
}

// Fact is a discovered, TTL-bounded piece of environment information,
// persisted in DBObservations for reuse across runs (e.g. the remote host
// inventory used by the commands/files remote_exec/remote_copy body
// attributes).
type Fact struct {
	TargetID  string
	Namespace string
	Key       string
	Value     []byte
	ExpiresAt time.Time
}
