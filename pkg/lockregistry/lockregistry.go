// Package lockregistry implements the lock registry (C6): ifelapsed/
// expireafter gating for non-idempotent actuators, backed by the
// "locks" named database and a cross-process advisory file lock,
// grounded on libpromises/dbm_api.c's lock-key hashing and the
// TOO_SOON/steal/LOCKED_BY_OTHER protocol it implements over last<key>/
// lock<key> entries.
package lockregistry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/kvstore"
)

// Registry is the C6 lock registry. One Registry is shared by every
// promise dispatch in a single agent run.
type Registry struct {
	db      kvstore.Handle
	lockDir string

	mu           sync.Mutex
	processLocks map[string]*sync.Mutex
}

// New wires a Registry to the "locks" database handle and a directory for
// per-key advisory lock files (created if absent).
func New(db kvstore.Handle, lockDir string) (*Registry, error) {
	if err := os.MkdirAll(lockDir, 0o750); err != nil {
		return nil, engine.NewSystemError("failed to create lock directory", err)
	}
	return &Registry{db: db, lockDir: lockDir, processLocks: make(map[string]*sync.Mutex)}, nil
}

type lockRecord struct {
	pid        int
	acquiredAt time.Time
}

func encodeLockRecord(r lockRecord) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.pid))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.acquiredAt.Unix()))
	return buf
}

func decodeLockRecord(b []byte) (lockRecord, bool) {
	if len(b) != 12 {
		return lockRecord{}, false
	}
	pid := binary.BigEndian.Uint32(b[0:4])
	sec := binary.BigEndian.Uint64(b[4:12])
	return lockRecord{pid: int(pid), acquiredAt: time.Unix(int64(sec), 0)}, true
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}

func decodeTime(b []byte) (time.Time, bool) {
	if len(b) != 8 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint64(b)), 0), true
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Acquire implements engine.LockAcquirer. key is the dispatcher's
// composite lock string (bundle/promise-type/promiser/handle); it is
// hashed here, and the digest follows the "last"/"lock" KV key prefixes
// and names the advisory lock file.
func (r *Registry) Acquire(ctx context.Context, key string, ifElapsed, expireAfter time.Duration) (func(success bool), error) {
	digest := hashKey(key)
	now := time.Now()

	processMu := r.processMutexFor(digest)
	if !processMu.TryLock() {
		return nil, engine.NewLockError("lock held by another goroutine in this process", nil).
			WithCode(engine.ErrCodeLockedByOther).WithDetail("key", key)
	}

	unwindProcess := true
	defer func() {
		if unwindProcess {
			processMu.Unlock()
		}
	}()

	if ifElapsed > 0 {
		if last, ok, err := r.readTime(ctx, "last"+digest); err == nil && ok {
			if now.Sub(last) < ifElapsed {
				return nil, engine.NewLockError("promise checked too recently", nil).
					WithCode(engine.ErrCodeTooSoon).WithDetail("key", key)
			}
		}
	}

	flockPath := filepath.Join(r.lockDir, digest+".lock")
	fd, err := syscall.Open(flockPath, syscall.O_CREAT|syscall.O_RDWR, 0o640)
	if err != nil {
		return nil, engine.NewSystemError("failed to open lock file", err).WithDetail("path", flockPath)
	}

	if flockErr := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); flockErr != nil {
		_ = syscall.Close(fd)

		record, ok, readErr := r.readLockRecord(ctx, "lock"+digest)
		if readErr == nil && ok && expireAfter > 0 && now.Sub(record.acquiredAt) >= expireAfter {
			// The record is stale (holder likely crashed without releasing
			// the KV entry); the flock itself has already been released by
			// the OS in that case, so retry once.
			return r.retryAfterSteal(ctx, key, digest, flockPath, now)
		}
		return nil, engine.NewLockError("lock held by another process", flockErr).
			WithCode(engine.ErrCodeLockedByOther).WithDetail("key", key)
	}

	if err := r.db.Write(ctx, []byte("lock"+digest), encodeLockRecord(lockRecord{pid: os.Getpid(), acquiredAt: now})); err != nil {
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		_ = syscall.Close(fd)
		return nil, engine.NewSystemError("failed to record lock ownership", err)
	}

	unwindProcess = false
	return r.releaseFunc(digest, fd, processMu), nil
}

func (r *Registry) retryAfterSteal(ctx context.Context, key, digest, flockPath string, now time.Time) (func(success bool), error) {
	fd, err := syscall.Open(flockPath, syscall.O_CREAT|syscall.O_RDWR, 0o640)
	if err != nil {
		return nil, engine.NewSystemError("failed to reopen lock file after steal", err)
	}
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = syscall.Close(fd)
		return nil, engine.NewLockError("lock held by another process", err).
			WithCode(engine.ErrCodeLockedByOther).WithDetail("key", key)
	}
	if err := r.db.Write(ctx, []byte("lock"+digest), encodeLockRecord(lockRecord{pid: os.Getpid(), acquiredAt: now})); err != nil {
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		_ = syscall.Close(fd)
		return nil, engine.NewSystemError("failed to record lock ownership after steal", err)
	}
	processMu := r.processMutexFor(digest)
	return r.releaseFunc(digest, fd, processMu), nil
}

func (r *Registry) releaseFunc(digest string, fd int, processMu *sync.Mutex) func(success bool) {
	return func(success bool) {
		ctx := context.Background()
		if success {
			_ = r.db.Write(ctx, []byte("last"+digest), encodeTime(time.Now()))
		}
		_ = r.db.Delete(ctx, []byte("lock"+digest))
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		_ = syscall.Close(fd)
		processMu.Unlock()
	}
}

func (r *Registry) processMutexFor(digest string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.processLocks[digest]
	if !ok {
		m = &sync.Mutex{}
		r.processLocks[digest] = m
	}
	return m
}

func (r *Registry) readTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := r.db.Read(ctx, []byte(key))
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	t, valid := decodeTime(raw)
	if !valid {
		return time.Time{}, false, fmt.Errorf("corrupt lock timestamp for %s", key)
	}
	return t, true, nil
}

func (r *Registry) readLockRecord(ctx context.Context, key string) (lockRecord, bool, error) {
	raw, ok, err := r.db.Read(ctx, []byte(key))
	if err != nil || !ok {
		return lockRecord{}, ok, err
	}
	rec, valid := decodeLockRecord(raw)
	if !valid {
		return lockRecord{}, false, fmt.Errorf("corrupt lock record for %s", key)
	}
	return rec, true, nil
}
