// Package remote abstracts the replicated document store the sync engine
// talks to. The store provides per-collection change subscriptions with
// server-confirmed timestamps, idempotent single and batched document
// writes keyed by the writer's client ID, and an atomic add-to-set merge
// primitive for grow-only set fields.
package remote

import (
	"context"
	"encoding/json"
)

// Collection names.
const (
	CollMessages      = "messages"
	CollConversations = "conversations"
	CollUsers         = "users"
)

// ChangeType identifies what happened to a document.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one remote change notification. Payload holds the document
// JSON (empty for deletes); Members lists the user IDs the document is
// visible to, used for subscription membership filtering.
type Change struct {
	Type       ChangeType      `json:"type"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	ServerTs   int64           `json:"server_ts"`
	Members    []string        `json:"members,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PutResult reports the remote identity and confirmed timestamp of an
// accepted write.
type PutResult struct {
	ID       string
	ServerTs int64
}

// MessageDoc is the wire representation of a message. ClientID carries the
// writer's locally-generated ID and is the idempotency key: re-sending a
// document with a known ClientID updates the same remote document.
type MessageDoc struct {
	ID             string   `json:"id"`
	ClientID       string   `json:"client_id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	SenderName     string   `json:"sender_name"`
	Body           string   `json:"body"`
	ClientTs       int64    `json:"client_ts"`
	Status         string   `json:"status"`
	ReadBy         []string `json:"read_by,omitempty"`
	DeliveredTo    []string `json:"delivered_to,omitempty"`
	ServerTs       int64    `json:"server_ts"`
}

// ConversationDoc is the wire representation of a conversation.
type ConversationDoc struct {
	ID                  string            `json:"id"`
	ClientID            string            `json:"client_id"`
	Kind                string            `json:"kind"`
	ParticipantIDs      []string          `json:"participant_ids"`
	Participants        map[string]Member `json:"participants,omitempty"`
	Name                string            `json:"name,omitempty"`
	ImageURL            string            `json:"image_url,omitempty"`
	CreatorID           string            `json:"creator_id"`
	LastMessageBody     string            `json:"last_message_body,omitempty"`
	LastMessageSenderID string            `json:"last_message_sender_id,omitempty"`
	LastMessageTs       int64             `json:"last_message_ts,omitempty"`
	CreatedAt           int64             `json:"created_at"`
	UpdatedAt           int64             `json:"updated_at"`
	ServerTs            int64             `json:"server_ts"`
}

// Member is a participant's display info on the wire.
type Member struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// UserDoc is the wire representation of a user profile plus presence.
type UserDoc struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	ServerTs    int64  `json:"server_ts"`
}

// Store is the full capability surface of the remote document store.
// Consumers depend on the narrow slices they need; this interface exists
// so the Redis adapter and the in-memory reference stay interchangeable.
type Store interface {
	// Subscribe streams change notifications for one collection. When
	// memberID is non-empty, only changes visible to that member are
	// delivered. The channel closes when the subscription drops; callers
	// resubscribe with backoff.
	Subscribe(ctx context.Context, collection, memberID string) (<-chan Change, error)

	// PutMessage writes a message document atomically. Idempotent on
	// ClientID: a duplicate send is a no-op success returning the
	// existing identity. Set fields are merged with set-add semantics,
	// never replaced, so concurrent writers cannot lose elements.
	PutMessage(ctx context.Context, doc *MessageDoc) (*PutResult, error)

	// PutConversation writes a conversation document, idempotent on ClientID.
	PutConversation(ctx context.Context, doc *ConversationDoc) (*PutResult, error)

	// PutUser writes a user document, idempotent on ID.
	PutUser(ctx context.Context, doc *UserDoc) (*PutResult, error)

	// BatchPutMessages writes several message documents in one round trip.
	// Results are positional.
	BatchPutMessages(ctx context.Context, docs []*MessageDoc) ([]*PutResult, error)

	// AddToSet atomically adds members to a set field of a document.
	AddToSet(ctx context.Context, collection, id, field string, members ...string) error

	// Delete removes a document and notifies subscribers.
	Delete(ctx context.Context, collection, id string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
