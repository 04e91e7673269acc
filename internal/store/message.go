package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matbarbosa/syncd/internal/errs"
)

const messageColumns = `local_id, remote_id, conversation_id, sender_id, sender_name, body,
	client_ts, status, read_by, delivered_to, sync_status, retry_count, last_sync_attempt, server_ts`

// InsertMessage writes a new message record. Inserting the same local ID
// twice is a no-op, which makes remote insert replays idempotent.
func (db *DB) InsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (local_id, remote_id, conversation_id, sender_id, sender_name, body,
			client_ts, status, read_by, delivered_to, sync_status, retry_count, last_sync_attempt, server_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
		m.LocalID, m.RemoteID, m.ConversationID, m.SenderID, m.SenderName, m.Body,
		m.ClientTs, m.Status, encodeStrings(m.ReadBy), encodeStrings(m.DeliveredTo),
		m.SyncStatus, m.RetryCount, m.LastSyncAttempt, m.ServerTs, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessage replaces an existing record, keyed by local ID. The remote
// ID mapping is immutable: once set it is never overwritten.
func (db *DB) UpdateMessage(m *Message) error {
	_, err := db.Exec(`
		UPDATE messages SET
			remote_id = CASE WHEN remote_id = '' THEN ? ELSE remote_id END,
			sender_name = ?, body = ?, client_ts = ?, status = ?,
			read_by = ?, delivered_to = ?,
			sync_status = ?, retry_count = ?, last_sync_attempt = ?, server_ts = ?
		WHERE local_id = ?`,
		m.RemoteID, m.SenderName, m.Body, m.ClientTs, m.Status,
		encodeStrings(m.ReadBy), encodeStrings(m.DeliveredTo),
		m.SyncStatus, m.RetryCount, m.LastSyncAttempt, m.ServerTs, m.LocalID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// GetMessage returns the message whose local or remote ID matches ref,
// or nil when no such record exists.
func (db *DB) GetMessage(ref string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE local_id = ? OR remote_id = ?`, ref, ref)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by client timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND client_ts < ?
		ORDER BY client_ts DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// PendingMessages returns records awaiting push (pending or failed),
// oldest first by client timestamp to preserve send order.
func (db *DB) PendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE sync_status IN (?, ?)
		ORDER BY client_ts ASC`, SyncPending, SyncFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// AdvanceMessageStatus moves a message up the delivery ladder and marks it
// pending for push. Regressions are ignored: a read message stays read.
// Returns true when the status actually advanced.
func (db *DB) AdvanceMessageStatus(ref string, next MessageStatus) (bool, error) {
	m, err := db.GetMessage(ref)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, fmt.Errorf("advance status: message %q: %w", ref, errs.ErrNotFound)
	}
	if MaxMessageStatus(m.Status, next) == m.Status {
		return false, nil
	}
	_, err = db.Exec(`
		UPDATE messages SET status = ?, sync_status = ?, retry_count = 0
		WHERE local_id = ?`, next, SyncPending, m.LocalID)
	if err != nil {
		return false, fmt.Errorf("advance status: %w", err)
	}
	return true, nil
}

// AddMessageReaders adds userID to the reader set of each message, in one
// transaction, marking touched records pending for push.
func (db *DB) AddMessageReaders(refs []string, userID string) error {
	return db.addMessageSet(refs, userID, func(m *Message) bool {
		if contains(m.ReadBy, userID) {
			return false
		}
		m.ReadBy = append(m.ReadBy, userID)
		m.Status = MaxMessageStatus(m.Status, StatusRead)
		return true
	})
}

// AddMessageDelivered adds userID to the delivered-to set of each message,
// in one transaction, marking touched records pending for push.
func (db *DB) AddMessageDelivered(refs []string, userID string) error {
	return db.addMessageSet(refs, userID, func(m *Message) bool {
		if contains(m.DeliveredTo, userID) {
			return false
		}
		m.DeliveredTo = append(m.DeliveredTo, userID)
		m.Status = MaxMessageStatus(m.Status, StatusDelivered)
		return true
	})
}

func (db *DB) addMessageSet(refs []string, userID string, apply func(*Message) bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ref := range refs {
		row := tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE local_id = ? OR remote_id = ?`, ref, ref)
		m, err := scanMessage(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("read message %q: %w", ref, err)
		}
		if !apply(m) {
			continue
		}
		if _, err := tx.Exec(`
			UPDATE messages SET read_by = ?, delivered_to = ?, status = ?, sync_status = ?, retry_count = 0
			WHERE local_id = ?`,
			encodeStrings(m.ReadBy), encodeStrings(m.DeliveredTo), m.Status, SyncPending, m.LocalID); err != nil {
			return fmt.Errorf("update message %q: %w", ref, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkMessageSynced records a successful push: the remote-assigned ID (kept
// immutable once set), the confirmed server timestamp, and a sending→sent
// advance when applicable.
func (db *DB) MarkMessageSynced(localID, remoteID string, serverTs int64) error {
	_, err := db.Exec(`
		UPDATE messages SET
			remote_id = CASE WHEN remote_id = '' THEN ? ELSE remote_id END,
			server_ts = ?,
			sync_status = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE local_id = ?`,
		remoteID, serverTs, SyncSynced, StatusSending, StatusSent, localID)
	if err != nil {
		return fmt.Errorf("mark message synced: %w", err)
	}
	return nil
}

// MarkMessageFailed records a failed push attempt.
func (db *DB) MarkMessageFailed(localID string, now int64) error {
	_, err := db.Exec(`
		UPDATE messages SET sync_status = ?, retry_count = retry_count + 1, last_sync_attempt = ?
		WHERE local_id = ?`, SyncFailed, now, localID)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

// ResetMessageForRetry puts a failed message back into the normal push
// cycle with a fresh retry budget.
func (db *DB) ResetMessageForRetry(ref string) error {
	res, err := db.Exec(`
		UPDATE messages SET sync_status = ?, retry_count = 0, last_sync_attempt = 0
		WHERE (local_id = ? OR remote_id = ?) AND sync_status = ?`,
		SyncPending, ref, ref, SyncFailed)
	if err != nil {
		return fmt.Errorf("reset message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("reset message %q: %w", ref, errs.ErrNotFound)
	}
	return nil
}

// DeleteMessage removes the record matching ref by either ID. Missing
// records are a no-op so remote delete replays stay idempotent.
func (db *DB) DeleteMessage(ref string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE local_id = ? OR remote_id = ?`, ref, ref)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var readBy, deliveredTo string
	err := row.Scan(&m.LocalID, &m.RemoteID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body,
		&m.ClientTs, &m.Status, &readBy, &deliveredTo,
		&m.SyncStatus, &m.RetryCount, &m.LastSyncAttempt, &m.ServerTs)
	if err != nil {
		return nil, err
	}
	m.ReadBy = decodeStrings(readBy)
	m.DeliveredTo = decodeStrings(deliveredTo)
	return &m, nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
