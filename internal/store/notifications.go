package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is one inbound update queued for a local user (spec.md §3
// "Notifications").
type Notification struct {
	ID        string
	RID       string
	Kind      string
	Detail    string
	CreatedAt time.Time
	Read      bool
}

// NotificationStore persists the notification queue.
type NotificationStore struct{ db *DB }

// OpenNotificationStore opens notifications.db under home.
func OpenNotificationStore(home string, journalMode string) (*NotificationStore, error) {
	db, err := openMigrated(dbPath(home, "notifications.db"), journalMode, notificationMigrations)
	if err != nil {
		return nil, err
	}
	return &NotificationStore{db: db}, nil
}

var notificationMigrations = []migration{
	{version: 1, apply: func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE notifications (
			id TEXT PRIMARY KEY,
			rid TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			read INTEGER NOT NULL DEFAULT 0
		)`)
		return err
	}},
}

// Close closes the underlying database.
func (s *NotificationStore) Close() error { return s.db.Close() }

// Push appends a notification with a fresh globally unique id.
func (s *NotificationStore) Push(rid, kind, detail string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO notifications(id, rid, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, rid, kind, detail, at.Unix())
	if err != nil {
		return "", fmt.Errorf("store: push notification: %w", err)
	}
	return id, nil
}

// Unread returns every unread notification, oldest first.
func (s *NotificationStore) Unread() ([]Notification, error) {
	rows, err := s.db.Query(`SELECT id, rid, kind, detail, created_at, read FROM notifications
		WHERE read = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query unread notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var createdAt int64
		var read int
		if err := rows.Scan(&n.ID, &n.RID, &n.Kind, &n.Detail, &createdAt, &read); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(createdAt, 0)
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// Acknowledge marks a notification as read.
func (s *NotificationStore) Acknowledge(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: acknowledge notification %s: %w", id, err)
	}
	return nil
}
