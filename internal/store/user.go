package store

import (
	"database/sql"
	"fmt"

	"github.com/matbarbosa/syncd/internal/errs"
)

const userColumns = `id, email, display_name, avatar_url, online, last_seen, created_at, updated_at,
	sync_status, retry_count, last_sync_attempt, server_ts`

// UpsertUser inserts or replaces a user record.
func (db *DB) UpsertUser(u *User) error {
	_, err := db.Exec(`
		INSERT INTO users (id, email, display_name, avatar_url, online, last_seen, created_at, updated_at,
			sync_status, retry_count, last_sync_attempt, server_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			online = excluded.online,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			last_sync_attempt = excluded.last_sync_attempt,
			server_ts = excluded.server_ts`,
		u.ID, u.Email, u.DisplayName, u.AvatarURL, u.Online, u.LastSeen, u.CreatedAt, u.UpdatedAt,
		u.SyncStatus, u.RetryCount, u.LastSyncAttempt, u.ServerTs)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given ID, or nil when absent.
func (db *DB) GetUser(id string) (*User, error) {
	row := db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// PendingUsers returns user records awaiting push, oldest first.
func (db *DB) PendingUsers() ([]User, error) {
	rows, err := db.Query(`
		SELECT `+userColumns+` FROM users
		WHERE sync_status IN (?, ?)
		ORDER BY updated_at ASC`, SyncPending, SyncFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdatePresence updates the local user's presence fields and marks the
// record pending for push.
func (db *DB) UpdatePresence(id string, online bool, lastSeen int64) error {
	res, err := db.Exec(`
		UPDATE users SET online = ?, last_seen = ?, sync_status = ?, retry_count = 0
		WHERE id = ?`, online, lastSeen, SyncPending, id)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update presence %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

// UpdateProfile updates display name and avatar, stamping updated_at and
// marking the record pending for push.
func (db *DB) UpdateProfile(id, displayName, avatarURL string, now int64) error {
	res, err := db.Exec(`
		UPDATE users SET display_name = ?, avatar_url = ?, updated_at = ?, sync_status = ?, retry_count = 0
		WHERE id = ?`, displayName, avatarURL, now, SyncPending, id)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update profile %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

// MarkUserSynced records a successful push.
func (db *DB) MarkUserSynced(id string, serverTs int64) error {
	_, err := db.Exec(`
		UPDATE users SET server_ts = ?, sync_status = ? WHERE id = ?`,
		serverTs, SyncSynced, id)
	if err != nil {
		return fmt.Errorf("mark user synced: %w", err)
	}
	return nil
}

// MarkUserFailed records a failed push attempt.
func (db *DB) MarkUserFailed(id string, now int64) error {
	_, err := db.Exec(`
		UPDATE users SET sync_status = ?, retry_count = retry_count + 1, last_sync_attempt = ?
		WHERE id = ?`, SyncFailed, now, id)
	if err != nil {
		return fmt.Errorf("mark user failed: %w", err)
	}
	return nil
}

// DeleteUser removes a user record.
func (db *DB) DeleteUser(id string) error {
	_, err := db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Online, &u.LastSeen,
		&u.CreatedAt, &u.UpdatedAt, &u.SyncStatus, &u.RetryCount, &u.LastSyncAttempt, &u.ServerTs)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
