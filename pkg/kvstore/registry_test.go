package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryOpenWriteReadClose(t *testing.T) {
	dir := t.TempDir()
	reg := NewSQLiteRegistry(NewPathResolver(dir, "", nil))
	ctx := context.Background()

	h, err := reg.Open(ctx, DBClasses)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := h.Write(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, ok, err := h.Read(ctx, []byte("k1"))
	if err != nil || !ok {
		t.Fatalf("read: %v ok=%v", err, ok)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want v1", got)
	}

	if err := h.Write(ctx, []byte("k1"), []byte("v2")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, _, _ = h.Read(ctx, []byte("k1"))
	if string(got) != "v2" {
		t.Fatalf("idempotence: got %q, want v2", got)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRegistryRefcount(t *testing.T) {
	dir := t.TempDir()
	reg := NewSQLiteRegistry(NewPathResolver(dir, "", nil))
	ctx := context.Background()

	h1, err := reg.Open(ctx, DBLocks)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	h2, err := reg.Open(ctx, DBLocks)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}

	if err := h1.Write(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("write via h1: %v", err)
	}
	if _, ok, _ := h2.Read(ctx, []byte("a")); !ok {
		t.Fatalf("h2 should observe h1's write through the shared underlying db")
	}

	if err := h1.Close(ctx); err != nil {
		t.Fatalf("close h1: %v", err)
	}
	// h2 still holds a reference; the underlying file must still be usable.
	if _, ok, err := h2.Read(ctx, []byte("a")); err != nil || !ok {
		t.Fatalf("h2 read after h1 close: %v ok=%v", err, ok)
	}
	if err := h2.Close(ctx); err != nil {
		t.Fatalf("close h2: %v", err)
	}
}

func TestRegistryCorruptionRecovery(t *testing.T) {
	dir := t.TempDir()
	reg := NewSQLiteRegistry(NewPathResolver(dir, "", nil))
	ctx := context.Background()

	h, err := reg.Open(ctx, DBState)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.Write(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := reg.resolver.Resolve(DBState)
	if err := os.WriteFile(path, []byte("not a sqlite file"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	h2, err := reg.Open(ctx, DBState)
	if err != nil {
		t.Fatalf("reopen after corruption should recover, got: %v", err)
	}
	if _, ok, _ := h2.Read(ctx, []byte("k")); ok {
		t.Fatalf("recovered database should be empty")
	}
	if _, err := os.Stat(path + ".broken"); err != nil {
		t.Fatalf("expected broken sibling file: %v", err)
	}
	_ = h2.Close(ctx)
}

func TestPathResolverPrefersExistingWorkdirFile(t *testing.T) {
	stateDir := t.TempDir()
	workDir := t.TempDir()

	legacy := filepath.Join(workDir, dbFilenames[DBAudit])
	if err := os.WriteFile(legacy, []byte("legacy"), 0o644); err != nil {
		t.Fatalf("seed legacy file: %v", err)
	}

	r := NewPathResolver(stateDir, workDir, nil)
	if got := r.Resolve(DBAudit); got != legacy {
		t.Fatalf("got %q, want legacy path %q", got, legacy)
	}

	// Once a state-dir file exists, it takes priority over the legacy one.
	statePath := filepath.Join(stateDir, dbFilenames[DBAudit])
	if err := os.WriteFile(statePath, []byte("new"), 0o644); err != nil {
		t.Fatalf("seed state file: %v", err)
	}
	if got := r.Resolve(DBAudit); got != statePath {
		t.Fatalf("got %q, want state path %q", got, statePath)
	}
}
