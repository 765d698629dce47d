package lockregistry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/kvstore"
)

func newTestRegistry(t *testing.T) (*Registry, kvstore.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := kvstore.NewSQLiteRegistry(kvstore.NewPathResolver(dir, "", nil))
	h, err := reg.Open(context.Background(), kvstore.DBLocks)
	if err != nil {
		t.Fatalf("open locks db: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	r, err := New(h, filepath.Join(dir, "lock"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, reg
}

func TestAcquireReleaseRoundtrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "bundle/commands/echo hi/", 0, time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release(true)

	release2, err := r.Acquire(ctx, "bundle/commands/echo hi/", 0, time.Hour)
	if err != nil {
		t.Fatalf("second acquire should succeed after release: %v", err)
	}
	release2(true)
}

func TestAcquireTooSoon(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "bundle/commands/x/", time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	release(true)

	_, err = r.Acquire(ctx, "bundle/commands/x/", time.Hour, time.Hour)
	if err == nil {
		t.Fatalf("expected TOO_SOON error")
	}
	if !engine.IsLockContention(err) {
		t.Fatalf("expected a lock-contention error, got %v", err)
	}
}

func TestAcquireLockedByOtherWithinSameProcess(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "bundle/commands/y/", 0, time.Hour)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release(true)

	_, err = r.Acquire(ctx, "bundle/commands/y/", 0, time.Hour)
	if err == nil {
		t.Fatalf("expected contention error while first lock is held")
	}
	if !engine.IsLockContention(err) {
		t.Fatalf("expected a lock-contention error, got %v", err)
	}
}
