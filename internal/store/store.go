// Package store implements driftwood's embedded relational stores: policy,
// address book, routing table, notifications, and the collaborative-object
// cache, each a single SQLite file under the node home with an explicit
// schema_version table and ordered migrations (spec.md §3, §6 "Databases").
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "store")

// migration is one forward step in a database's schema history.
type migration struct {
	version int
	apply   func(*sql.Tx) error
}

// DB wraps a single SQLite-backed store with its current schema version.
type DB struct {
	*sql.DB
	Path string
}

// openMigrated opens (creating if absent) a SQLite file at path, then runs
// every migration whose version exceeds the stored schema_version, inside
// individual transactions, matching the COB cache migration model that
// spec.md §4.7 describes and which this package generalizes to every store.
func openMigrated(path string, journalMode string, migrations []migration) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir for %s: %w", path, err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_foreign_keys=on", path, journalMode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return nil, fmt.Errorf("store: create schema_version: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return nil, err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return nil, fmt.Errorf("store: begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("store: apply migration %d to %s: %w", m.version, path, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}
		log.WithField("db", filepath.Base(path)).WithField("version", m.version).Info("applied schema migration")
	}

	return &DB{DB: db, Path: path}, nil
}

func currentVersion(db *sql.DB) (int, error) {
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read schema_version: %w", err)
	}
	return v, nil
}
