package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RoutingStore persists the (RID, NID) -> last-seen routing table and the
// NID -> inventory index (spec.md §3 "Routing table").
type RoutingStore struct{ db *DB }

// OpenRoutingStore opens routing.db under home.
func OpenRoutingStore(home string, journalMode string) (*RoutingStore, error) {
	db, err := openMigrated(dbPath(home, "routing.db"), journalMode, routingMigrations)
	if err != nil {
		return nil, err
	}
	return &RoutingStore{db: db}, nil
}

var routingMigrations = []migration{
	{version: 1, apply: func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE routes (
			rid TEXT NOT NULL,
			nid TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY (rid, nid)
		)`); err != nil {
			return err
		}
		_, err := tx.Exec(`CREATE INDEX routes_by_nid ON routes(nid)`)
		return err
	}},
}

// Close closes the underlying database.
func (s *RoutingStore) Close() error { return s.db.Close() }

// Seen records that nid is known to seed rid, at the given time.
func (s *RoutingStore) Seen(rid, nid string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO routes(rid, nid, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(rid, nid) DO UPDATE SET last_seen = excluded.last_seen
		WHERE excluded.last_seen > routes.last_seen`, rid, nid, at.Unix())
	if err != nil {
		return fmt.Errorf("store: record route %s/%s: %w", rid, nid, err)
	}
	return nil
}

// SeedsFor returns the NIDs known to seed rid, most recently seen first.
func (s *RoutingStore) SeedsFor(rid string) ([]string, error) {
	rows, err := s.db.Query(`SELECT nid FROM routes WHERE rid = ? ORDER BY last_seen DESC`, rid)
	if err != nil {
		return nil, fmt.Errorf("store: query seeds for %s: %w", rid, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var nid string
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		out = append(out, nid)
	}
	return out, rows.Err()
}

// InventoryFor returns the RIDs known to be seeded by nid.
func (s *RoutingStore) InventoryFor(nid string) ([]string, error) {
	rows, err := s.db.Query(`SELECT rid FROM routes WHERE nid = ? ORDER BY last_seen DESC`, nid)
	if err != nil {
		return nil, fmt.Errorf("store: query inventory for %s: %w", nid, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}
