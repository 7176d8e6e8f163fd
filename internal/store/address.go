package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddressSource records where an address was learned from.
type AddressSource string

const (
	SourceBootstrap AddressSource = "bootstrap"
	SourcePeer      AddressSource = "peer"
	SourceManual    AddressSource = "manual"
)

// Address is one known transport address for a NID (spec.md §3 "Address
// book").
type Address struct {
	NID         string
	Addr        string
	Source      AddressSource
	LastSuccess time.Time
	LastAttempt time.Time
	Banned      bool
}

// AddressStore persists the address book.
type AddressStore struct{ db *DB }

// OpenAddressStore opens addresses.db under home.
func OpenAddressStore(home string, journalMode string) (*AddressStore, error) {
	db, err := openMigrated(dbPath(home, "addresses.db"), journalMode, addressMigrations)
	if err != nil {
		return nil, err
	}
	return &AddressStore{db: db}, nil
}

var addressMigrations = []migration{
	{version: 1, apply: func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE addresses (
			nid TEXT NOT NULL,
			addr TEXT NOT NULL,
			source TEXT NOT NULL,
			last_success INTEGER NOT NULL DEFAULT 0,
			last_attempt INTEGER NOT NULL DEFAULT 0,
			banned INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (nid, addr)
		)`)
		return err
	}},
}

// Close closes the underlying database.
func (s *AddressStore) Close() error { return s.db.Close() }

// Record inserts an address seen for nid. An existing record for the same
// (nid, addr) is left unchanged, its Source included.
func (s *AddressStore) Record(nid, addr string, source AddressSource) error {
	_, err := s.db.Exec(`INSERT INTO addresses(nid, addr, source) VALUES (?, ?, ?)
		ON CONFLICT(nid, addr) DO NOTHING`, nid, addr, source)
	if err != nil {
		return fmt.Errorf("store: record address %s for %s: %w", addr, nid, err)
	}
	return nil
}

// MarkAttempt records a connection attempt's outcome.
func (s *AddressStore) MarkAttempt(nid, addr string, success bool, at time.Time) error {
	if success {
		_, err := s.db.Exec(`UPDATE addresses SET last_attempt = ?, last_success = ? WHERE nid = ? AND addr = ?`,
			at.Unix(), at.Unix(), nid, addr)
		return err
	}
	_, err := s.db.Exec(`UPDATE addresses SET last_attempt = ? WHERE nid = ? AND addr = ?`, at.Unix(), nid, addr)
	return err
}

// Ban marks every known address for nid as banned.
func (s *AddressStore) Ban(nid string) error {
	_, err := s.db.Exec(`UPDATE addresses SET banned = 1 WHERE nid = ?`, nid)
	return err
}

// AddressesFor returns every known address for nid, most recently successful
// first.
func (s *AddressStore) AddressesFor(nid string) ([]Address, error) {
	rows, err := s.db.Query(`SELECT nid, addr, source, last_success, last_attempt, banned
		FROM addresses WHERE nid = ? ORDER BY last_success DESC`, nid)
	if err != nil {
		return nil, fmt.Errorf("store: query addresses for %s: %w", nid, err)
	}
	defer rows.Close()

	var out []Address
	for rows.Next() {
		var a Address
		var lastSuccess, lastAttempt int64
		var banned int
		if err := rows.Scan(&a.NID, &a.Addr, &a.Source, &lastSuccess, &lastAttempt, &banned); err != nil {
			return nil, err
		}
		a.LastSuccess = time.Unix(lastSuccess, 0)
		a.LastAttempt = time.Unix(lastAttempt, 0)
		a.Banned = banned != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
