package store

import (
	"database/sql"
	"fmt"
)

const conversationColumns = `local_id, remote_id, kind, participant_ids, participants, name, image_url,
	creator_id, last_message_body, last_message_sender_id, last_message_ts, created_at, updated_at,
	sync_status, retry_count, last_sync_attempt, server_ts`

// UpsertConversation inserts or replaces a conversation record, keyed by
// local ID. The remote ID mapping is immutable once set.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (local_id, remote_id, kind, participant_ids, participants, name, image_url,
			creator_id, last_message_body, last_message_sender_id, last_message_ts, created_at, updated_at,
			sync_status, retry_count, last_sync_attempt, server_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = CASE WHEN conversations.remote_id = '' THEN excluded.remote_id ELSE conversations.remote_id END,
			kind = excluded.kind,
			participant_ids = excluded.participant_ids,
			participants = excluded.participants,
			name = excluded.name,
			image_url = excluded.image_url,
			creator_id = excluded.creator_id,
			last_message_body = excluded.last_message_body,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_ts = excluded.last_message_ts,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			last_sync_attempt = excluded.last_sync_attempt,
			server_ts = excluded.server_ts`,
		c.LocalID, c.RemoteID, c.Kind, encodeStrings(c.ParticipantIDs), encodeParticipants(c.Participants),
		c.Name, c.ImageURL, c.CreatorID, c.LastMessageBody, c.LastMessageSenderID, c.LastMessageTs,
		c.CreatedAt, c.UpdatedAt, c.SyncStatus, c.RetryCount, c.LastSyncAttempt, c.ServerTs)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation whose local or remote ID matches
// ref, or nil when no such record exists.
func (db *DB) GetConversation(ref string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE local_id = ? OR remote_id = ?`, ref, ref)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending, the ordering list views want.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationColumns+` FROM conversations
		ORDER BY last_message_ts DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// PendingConversations returns records awaiting push, oldest first by
// updated timestamp.
func (db *DB) PendingConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE sync_status IN (?, ?)
		ORDER BY updated_at ASC`, SyncPending, SyncFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// UpdateLastMessage refreshes the denormalized last-message summary and
// marks the conversation pending for push. The summary only moves forward
// in time so out-of-order pulls cannot regress it.
func (db *DB) UpdateLastMessage(ref, body, senderID string, ts int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_body = ?, last_message_sender_id = ?, last_message_ts = ?,
			updated_at = ?, sync_status = ?, retry_count = 0
		WHERE (local_id = ? OR remote_id = ?) AND last_message_ts <= ?`,
		body, senderID, ts, ts, SyncPending, ref, ref, ts)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	return nil
}

// MarkConversationSynced records a successful push.
func (db *DB) MarkConversationSynced(localID, remoteID string, serverTs int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			remote_id = CASE WHEN remote_id = '' THEN ? ELSE remote_id END,
			server_ts = ?, sync_status = ?
		WHERE local_id = ?`,
		remoteID, serverTs, SyncSynced, localID)
	if err != nil {
		return fmt.Errorf("mark conversation synced: %w", err)
	}
	return nil
}

// MarkConversationFailed records a failed push attempt.
func (db *DB) MarkConversationFailed(localID string, now int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET sync_status = ?, retry_count = retry_count + 1, last_sync_attempt = ?
		WHERE local_id = ?`, SyncFailed, now, localID)
	if err != nil {
		return fmt.Errorf("mark conversation failed: %w", err)
	}
	return nil
}

// DeleteConversation removes the record matching ref by either ID.
func (db *DB) DeleteConversation(ref string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE local_id = ? OR remote_id = ?`, ref, ref)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participantIDs, participants string
	err := row.Scan(&c.LocalID, &c.RemoteID, &c.Kind, &participantIDs, &participants, &c.Name, &c.ImageURL,
		&c.CreatorID, &c.LastMessageBody, &c.LastMessageSenderID, &c.LastMessageTs, &c.CreatedAt, &c.UpdatedAt,
		&c.SyncStatus, &c.RetryCount, &c.LastSyncAttempt, &c.ServerTs)
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = decodeStrings(participantIDs)
	c.Participants = decodeParticipants(participants)
	return &c, nil
}
