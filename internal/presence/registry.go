// Package presence tracks which connections are online and under which
// display name.
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry maps connection IDs to display names. Every change bumps a version
// so that consumers can order snapshots taken at different times.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string // connection ID -> display name
	version uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// SetIdentity records name for connID, replacing any previous name. Setting
// the same name again is a no-op and does not change the version.
func (r *Registry) SetIdentity(connID, name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[connID]; ok && cur == name {
		return r.version
	}
	r.entries[connID] = name
	r.version++
	return r.version
}

// Remove deletes connID and reports whether it was present.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[connID]; !ok {
		return false
	}
	delete(r.entries, connID)
	r.version++
	return true
}

// Name returns the display name registered for connID.
func (r *Registry) Name(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.entries[connID]
	return name, ok
}

// Has reports whether connID is online.
func (r *Registry) Has(connID string) bool {
	_, ok := r.Name(connID)
	return ok
}

// Len returns the number of online connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the online connection IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := lo.Keys(r.entries)
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the online set.
func (r *Registry) Snapshot() map[string]string {
	snap, _ := r.VersionedSnapshot()
	return snap
}

// VersionedSnapshot returns a copy of the online set together with the
// version it reflects.
func (r *Registry) VersionedSnapshot() (map[string]string, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Assign(r.entries), r.version
}

// Version returns the current version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
