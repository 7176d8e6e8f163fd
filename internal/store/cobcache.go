package store

import (
	"database/sql"
	"fmt"
)

// CobCacheStore maps (repo, object-id) to a serialized evaluated state
// (spec.md §4.7 "Cache"). Corruption is non-fatal: callers always fall back
// to recomputation from storage when a read fails or misses.
type CobCacheStore struct{ db *DB }

// OpenCobCacheStore opens cobs/cache.db under home.
func OpenCobCacheStore(home string, journalMode string) (*CobCacheStore, error) {
	db, err := openMigrated(dbPath(home, "cobs/cache.db"), journalMode, cobCacheMigrations)
	if err != nil {
		return nil, err
	}
	return &CobCacheStore{db: db}, nil
}

var cobCacheMigrations = []migration{
	{version: 1, apply: func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE cob_state (
			rid TEXT NOT NULL,
			oid TEXT NOT NULL,
			state_schema INTEGER NOT NULL,
			state BLOB NOT NULL,
			PRIMARY KEY (rid, oid)
		)`)
		return err
	}},
}

// Close closes the underlying database.
func (s *CobCacheStore) Close() error { return s.db.Close() }

// Get returns the cached state for (rid, oid), if present.
func (s *CobCacheStore) Get(rid, oid string) (schema int, state []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT state_schema, state FROM cob_state WHERE rid = ? AND oid = ?`, rid, oid)
	if scanErr := row.Scan(&schema, &state); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("store: read cob cache %s/%s: %w", rid, oid, scanErr)
	}
	return schema, state, true, nil
}

// Put stores the evaluated state for (rid, oid), overwriting any prior
// entry.
func (s *CobCacheStore) Put(rid, oid string, schema int, state []byte) error {
	_, err := s.db.Exec(`INSERT INTO cob_state(rid, oid, state_schema, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(rid, oid) DO UPDATE SET state_schema = excluded.state_schema, state = excluded.state`,
		rid, oid, schema, state)
	if err != nil {
		return fmt.Errorf("store: write cob cache %s/%s: %w", rid, oid, err)
	}
	return nil
}

// Invalidate drops every cached entry for rid, forcing recomputation on next
// read.
func (s *CobCacheStore) Invalidate(rid string) error {
	_, err := s.db.Exec(`DELETE FROM cob_state WHERE rid = ?`, rid)
	if err != nil {
		return fmt.Errorf("store: invalidate cob cache for %s: %w", rid, err)
	}
	return nil
}
