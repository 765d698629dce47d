package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Host is a remote target reachable over a Transport, for remote_exec and
// remote_copy body attributes.
type Host struct {
	ID          string            `json:"id"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	User        string            `json:"user"`
	KeyPath     string            `json:"key_path"`
	Labels      map[string]string `json:"labels"`
	OnboardedAt time.Time         `json:"onboarded_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// HostStore is the subset of the persistent KV store (C7) the host
// registry needs, kept minimal so this package does not import
// pkg/kvstore directly.
type HostStore interface {
	Read(ctx context.Context, key []byte) ([]byte, bool, error)
	Write(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	LoadIntoMap(ctx context.Context) (map[string][]byte, error)
}

// HostRegistry manages the remote-host inventory backing remote_exec/
// remote_copy targets, adapted from the teacher's host registry to store
// JSON-encoded Host records in a generic KV handle instead of a
// dedicated hosts table.
type HostRegistry struct {
	store HostStore
}

func NewHostRegistry(store HostStore) *HostRegistry {
	return &HostRegistry{store: store}
}

func hostKey(id string) []byte { return []byte("host:" + id) }

func (r *HostRegistry) AddHost(ctx context.Context, h *Host) error {
	now := time.Now()
	h.OnboardedAt = now
	h.UpdatedAt = now
	data, err := json.Marshal(h)
	if err != nil {
		return NewSystemError("failed to encode host record", err)
	}
	return r.store.Write(ctx, hostKey(h.ID), data)
}

func (r *HostRegistry) GetHost(ctx context.Context, id string) (*Host, error) {
	data, ok, err := r.store.Read(ctx, hostKey(id))
	if err != nil {
		return nil, NewSystemError("failed to read host record", err)
	}
	if !ok {
		return nil, NewSystemError("host not found", nil).WithDetail("id", id)
	}
	var h Host
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, NewSystemError("failed to decode host record", err)
	}
	return &h, nil
}

func (r *HostRegistry) GetHostByAddress(ctx context.Context, address string) (*Host, error) {
	hosts, err := r.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.Address == address {
			return h, nil
		}
	}
	return nil, NewSystemError("host not found", nil).WithDetail("address", address)
}

func (r *HostRegistry) ListHosts(ctx context.Context) ([]*Host, error) {
	all, err := r.store.LoadIntoMap(ctx)
	if err != nil {
		return nil, NewSystemError("failed to list hosts", err)
	}
	var hosts []*Host
	for key, data := range all {
		if !strings.HasPrefix(key, "host:") {
			continue
		}
		var h Host
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		hosts = append(hosts, &h)
	}
	return hosts, nil
}

// SelectHosts returns every host whose labels are a superset of selector.
func (r *HostRegistry) SelectHosts(ctx context.Context, selector map[string]string) ([]*Host, error) {
	hosts, err := r.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Host
	for _, h := range hosts {
		if matchesLabels(h.Labels, selector) {
			matched = append(matched, h)
		}
	}
	return matched, nil
}

func matchesLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (r *HostRegistry) UpdateHost(ctx context.Context, h *Host) error {
	h.UpdatedAt = time.Now()
	data, err := json.Marshal(h)
	if err != nil {
		return NewSystemError("failed to encode host record", err)
	}
	return r.store.Write(ctx, hostKey(h.ID), data)
}

func (r *HostRegistry) DeleteHost(ctx context.Context, id string) error {
	return r.store.Delete(ctx, hostKey(id))
}

// TargetSpec renders h into the "user@host:port" form Transport.Connect
// expects.
func (h *Host) TargetSpec() string {
	if h.Port != 0 && h.Port != 22 {
		return fmt.Sprintf("%s@%s:%d", h.User, h.Address, h.Port)
	}
	return fmt.Sprintf("%s@%s", h.User, h.Address)
}
