package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
)

// SeedScope controls the breadth of a seed policy's replication.
type SeedScope string

const (
	ScopeAll      SeedScope = "all"
	ScopeFollowed SeedScope = "followed"
)

// SeedDecision is whether a RID is seeded at all.
type SeedDecision string

const (
	SeedBlock SeedDecision = "block"
	SeedAllow SeedDecision = "allow"
)

// FollowDecision is whether a NID's announcements and fetches are honored.
type FollowDecision string

const (
	FollowBlock FollowDecision = "block"
	FollowAllow FollowDecision = "allow"
)

// SeedPolicy is the per-RID policy record (spec.md §3 "Policies").
type SeedPolicy struct {
	RID      string
	Decision SeedDecision
	Scope    SeedScope
}

// FollowPolicy is the per-NID policy record.
type FollowPolicy struct {
	NID      string
	Decision FollowDecision
	Alias    string
}

// PolicyStore persists seed and follow policies.
type PolicyStore struct{ db *DB }

// OpenPolicyStore opens policy.db under home, applying migrations.
func OpenPolicyStore(home string, journalMode string) (*PolicyStore, error) {
	db, err := openMigrated(dbPath(home, "policy.db"), journalMode, policyMigrations)
	if err != nil {
		return nil, err
	}
	return &PolicyStore{db: db}, nil
}

var policyMigrations = []migration{
	{version: 1, apply: func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE seed_policy (
			rid TEXT PRIMARY KEY,
			decision TEXT NOT NULL,
			scope TEXT NOT NULL
		)`); err != nil {
			return err
		}
		_, err := tx.Exec(`CREATE TABLE follow_policy (
			nid TEXT PRIMARY KEY,
			decision TEXT NOT NULL,
			alias TEXT NOT NULL DEFAULT ''
		)`)
		return err
	}},
}

// Close closes the underlying database.
func (s *PolicyStore) Close() error { return s.db.Close() }

// SetSeed upserts the seed policy for rid.
func (s *PolicyStore) SetSeed(rid string, decision SeedDecision, scope SeedScope) error {
	_, err := s.db.Exec(`INSERT INTO seed_policy(rid, decision, scope) VALUES (?, ?, ?)
		ON CONFLICT(rid) DO UPDATE SET decision=excluded.decision, scope=excluded.scope`,
		rid, decision, scope)
	if err != nil {
		return fmt.Errorf("store: set seed policy for %s: %w", rid, err)
	}
	return nil
}

// Unseed removes the seed policy for rid, reverting to the default (block).
func (s *PolicyStore) Unseed(rid string) error {
	_, err := s.db.Exec(`DELETE FROM seed_policy WHERE rid = ?`, rid)
	if err != nil {
		return fmt.Errorf("store: unseed %s: %w", rid, err)
	}
	return nil
}

// Seed returns the seed policy for rid, defaulting to Block/All when absent.
func (s *PolicyStore) Seed(rid string) (SeedPolicy, error) {
	row := s.db.QueryRow(`SELECT decision, scope FROM seed_policy WHERE rid = ?`, rid)
	var p SeedPolicy
	p.RID = rid
	if err := row.Scan(&p.Decision, &p.Scope); err != nil {
		if err == sql.ErrNoRows {
			return SeedPolicy{RID: rid, Decision: SeedBlock, Scope: ScopeAll}, nil
		}
		return SeedPolicy{}, fmt.Errorf("store: read seed policy for %s: %w", rid, err)
	}
	return p, nil
}

// SetFollow upserts the follow policy for nid.
func (s *PolicyStore) SetFollow(nid string, decision FollowDecision, alias string) error {
	_, err := s.db.Exec(`INSERT INTO follow_policy(nid, decision, alias) VALUES (?, ?, ?)
		ON CONFLICT(nid) DO UPDATE SET decision=excluded.decision, alias=excluded.alias`,
		nid, decision, alias)
	if err != nil {
		return fmt.Errorf("store: set follow policy for %s: %w", nid, err)
	}
	return nil
}

// Unfollow removes the follow policy for nid.
func (s *PolicyStore) Unfollow(nid string) error {
	_, err := s.db.Exec(`DELETE FROM follow_policy WHERE nid = ?`, nid)
	if err != nil {
		return fmt.Errorf("store: unfollow %s: %w", nid, err)
	}
	return nil
}

// Follow returns the follow policy for nid, defaulting to Block when absent.
func (s *PolicyStore) Follow(nid string) (FollowPolicy, error) {
	row := s.db.QueryRow(`SELECT decision, alias FROM follow_policy WHERE nid = ?`, nid)
	var p FollowPolicy
	p.NID = nid
	if err := row.Scan(&p.Decision, &p.Alias); err != nil {
		if err == sql.ErrNoRows {
			return FollowPolicy{NID: nid, Decision: FollowBlock}, nil
		}
		return FollowPolicy{}, fmt.Errorf("store: read follow policy for %s: %w", nid, err)
	}
	return p, nil
}

func dbPath(home, name string) string {
	return filepath.Join(home, name)
}
