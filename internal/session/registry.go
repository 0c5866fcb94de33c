package session

import (
	"context"
	"sync"

	"cobrazap/internal/channel"
)

// Registry is the process-wide map of tenant id to session entry. It is the
// only shared mutable state in the subsystem and is constructed once at
// startup and passed by reference (no package-level globals).
//
// Locking is two-level: the registry mutex only guards the map itself;
// each entry carries its own mutex so one tenant's (possibly slow) start or
// stop never blocks another tenant.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// entry is one tenant's session slot.
//
// gen increments whenever the slot is (re)started or torn down; event loops
// capture the generation they belong to and their updates are discarded once
// it moves on. That keeps exactly one live handle per tenant even when an
// old loop is still draining.
type entry struct {
	mu sync.Mutex

	state  State
	qr     string
	client channel.Client
	cancel context.CancelFunc
	gen    uint64
}

// get returns the entry for a tenant, creating it on first use.
func (r *Registry) get(tenantID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{state: StateDisconnected}
		r.entries[tenantID] = e
	}
	return e
}

// lookup returns the entry without creating it.
func (r *Registry) lookup(tenantID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	return e, ok
}

// tenantIDs snapshots the registered tenant ids.
func (r *Registry) tenantIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
