package kvstore

import (
	"context"
	"strings"
	"time"
)

// ClassStore adapts an opened DBClasses Handle to engine.PersistentClassStore,
// so the evaluation context (C1) can read and write persistent classes
// without importing this package directly.
type ClassStore struct {
	handle Handle
}

// NewClassStore wraps an already-open DBClasses handle. The caller owns
// the handle's lifetime (open at daemon start, close at shutdown).
func NewClassStore(handle Handle) *ClassStore {
	return &ClassStore{handle: handle}
}

// classKey mirrors the engine's "keys include their terminator byte"
// invariant: namespace and name are joined with a NUL so a namespace
// that is itself a prefix of another can't collide.
func classKey(namespace, name string) []byte {
	return []byte(namespace + "\x00" + name)
}

func (s *ClassStore) PutClass(namespace, name string, expiresAt time.Time) error {
	ctx := context.Background()
	if expiresAt.IsZero() {
		return s.handle.Delete(ctx, classKey(namespace, name))
	}
	return s.handle.Write(ctx, classKey(namespace, name), []byte(expiresAt.Format(time.RFC3339Nano)))
}

func (s *ClassStore) GetClasses(namespace string) (map[string]time.Time, error) {
	ctx := context.Background()
	all, err := s.handle.LoadIntoMap(ctx)
	if err != nil {
		return nil, err
	}

	prefix := namespace + "\x00"
	out := make(map[string]time.Time)
	for k, v := range all {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = expiresAt
	}
	return out, nil
}
