// Package registry tracks which session owns which entity. The mapping is
// bidirectional so authoritative-write gating and bulk cleanup on disconnect
// are both O(1) lookups.
package registry

import (
	"sort"
	"sync"
)

// Registry maps entities to owners and owners to their entity sets. An
// entity has exactly one owner at any instant; re-registering an entity
// releases the prior owner's back-reference before installing the new one.
type Registry struct {
	mu      sync.RWMutex
	ownerOf map[string]string
	owned   map[string]map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		ownerOf: make(map[string]string),
		owned:   make(map[string]map[string]struct{}),
	}
}

// Register records owner as the sole owner of entityID, replacing any prior
// mapping for the entity.
func (r *Registry) Register(entityID, owner string) {
	if entityID == "" || owner == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(entityID)
	r.ownerOf[entityID] = owner
	set, ok := r.owned[owner]
	if !ok {
		set = make(map[string]struct{})
		r.owned[owner] = set
	}
	set[entityID] = struct{}{}
}

// Unregister drops the mapping for entityID in both directions. Unknown ids
// are a no-op.
func (r *Registry) Unregister(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(entityID)
}

func (r *Registry) releaseLocked(entityID string) {
	owner, ok := r.ownerOf[entityID]
	if !ok {
		return
	}
	delete(r.ownerOf, entityID)
	if set, ok := r.owned[owner]; ok {
		delete(set, entityID)
		if len(set) == 0 {
			delete(r.owned, owner)
		}
	}
}

// OwnerOf returns the owner of entityID.
func (r *Registry) OwnerOf(entityID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.ownerOf[entityID]
	return owner, ok
}

// EntitiesOf returns the ids owned by owner, sorted for deterministic
// iteration.
func (r *Registry) EntitiesOf(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.owned[owner]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReleaseOwner removes every entity owned by owner and returns the released
// ids. Used for bulk cleanup when a session disconnects.
func (r *Registry) ReleaseOwner(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.owned[owner]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
		delete(r.ownerOf, id)
	}
	delete(r.owned, owner)
	sort.Strings(ids)
	return ids
}

// Len reports the number of registered entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ownerOf)
}
