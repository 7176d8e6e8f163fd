package cob

import (
	"fmt"

	"driftwood/internal/store"
)

// Cache wraps the COB cache store with per-type (de)serialization and
// schema-version-aware invalidation (spec.md §4.7 "Cache"). A read that
// fails or misses falls back to the caller recomputing from storage;
// cache corruption is never fatal.
type Cache struct {
	db       *store.CobCacheStore
	registry *Registry
}

// NewCache builds a Cache over db using registry to (de)serialize states.
func NewCache(db *store.CobCacheStore, registry *Registry) *Cache {
	return &Cache{db: db, registry: registry}
}

// Get returns the cached state for (rid, oid) under typeName, if present and
// current. A stale schema version or decode failure is treated as a miss.
func (c *Cache) Get(rid, oid, typeName string) (State, bool) {
	ev, ok := c.registry.Evaluator(typeName)
	if !ok {
		return nil, false
	}
	schema, raw, ok, err := c.db.Get(rid, oid)
	if err != nil || !ok {
		return nil, false
	}
	if schema != ev.Zero().SchemaVersion() {
		return nil, false
	}
	state, err := ev.UnmarshalState(raw)
	if err != nil {
		return nil, false
	}
	return state, true
}

// Put writes the evaluated state for (rid, oid) to the cache.
func (c *Cache) Put(rid, oid, typeName string, state State) error {
	ev, ok := c.registry.Evaluator(typeName)
	if !ok {
		return fmt.Errorf("cob: no evaluator for type %q", typeName)
	}
	raw, err := ev.MarshalState(state)
	if err != nil {
		return err
	}
	return c.db.Put(rid, oid, state.SchemaVersion(), raw)
}

// Invalidate drops every cached entry for rid.
func (c *Cache) Invalidate(rid string) error {
	return c.db.Invalidate(rid)
}
