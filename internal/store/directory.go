package store

import (
	"context"
	"time"
)

// UserDirectory records which users should hold a live session, so a
// restarted daemon knows whom to reconnect.
type UserDirectory struct {
	db *DB
}

// Directory returns the SQL-backed user directory.
func (db *DB) Directory() *UserDirectory {
	return &UserDirectory{db: db}
}

// SetConnected marks userID as connected or not.
func (d *UserDirectory) SetConnected(ctx context.Context, userID string, connected bool) error {
	_, err := d.db.ExecContext(ctx, d.db.rebind(`
		INSERT INTO session_users (user_id, connected, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			connected = excluded.connected,
			updated_at = excluded.updated_at`),
		userID, connected, time.Now().UnixMilli())
	return err
}

// ConnectedUsers returns the users currently marked connected, oldest change first.
func (d *UserDirectory) ConnectedUsers(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, d.db.rebind(`
		SELECT user_id FROM session_users WHERE connected = ? ORDER BY updated_at ASC, user_id ASC`), true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
