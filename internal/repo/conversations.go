package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matbarbosa/syncd/internal/bus"
	"github.com/matbarbosa/syncd/internal/netgate"
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/store"
)

// Conversations exposes conversation reads and writes.
type Conversations struct {
	db     *store.DB
	gate   *netgate.Gate
	bus    *bus.Bus
	logger *zap.Logger
}

func NewConversations(db *store.DB, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger) *Conversations {
	return &Conversations{db: db, gate: gate, bus: b, logger: logger.Named("repo")}
}

// Create starts a new conversation locally and queues it for push.
func (r *Conversations) Create(kind store.ConversationKind, name, creatorID string, participantIDs []string) (*store.Conversation, error) {
	if len(participantIDs) == 0 {
		return nil, fmt.Errorf("create conversation: no participants")
	}
	now := time.Now().UnixMilli()
	c := &store.Conversation{
		LocalID:        uuid.New().String(),
		Kind:           kind,
		Name:           name,
		CreatorID:      creatorID,
		ParticipantIDs: participantIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
		SyncMeta:       store.SyncMeta{SyncStatus: store.SyncPending},
	}
	if err := r.db.UpsertConversation(c); err != nil {
		return nil, err
	}
	r.emit(c)
	r.gate.Request(remote.CollConversations, c.LocalID)
	return c, nil
}

// List returns conversations sorted by most recent activity.
func (r *Conversations) List(limit, offset int) ([]store.Conversation, error) {
	return r.db.ListConversations(limit, offset)
}

// Get returns the conversation matching the local or remote ID, nil when absent.
func (r *Conversations) Get(ref string) (*store.Conversation, error) {
	return r.db.GetConversation(ref)
}

// Rename updates a conversation's display name locally and queues the change.
func (r *Conversations) Rename(ref, name string) (*store.Conversation, error) {
	c, err := r.db.GetConversation(ref)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("rename conversation: %q not found", ref)
	}
	c.Name = name
	c.UpdatedAt = time.Now().UnixMilli()
	c.SyncStatus = store.SyncPending
	c.RetryCount = 0
	if err := r.db.UpsertConversation(c); err != nil {
		return nil, err
	}
	r.emit(c)
	r.gate.Request(remote.CollConversations, c.LocalID)
	return c, nil
}

// Observe streams snapshots of the conversation list. Message traffic also
// refreshes the snapshot because it moves last-message summaries.
func (r *Conversations) Observe(ctx context.Context, limit int) <-chan []store.Conversation {
	return observe(ctx, r.bus, "", r.logger, func() ([]store.Conversation, error) {
		return r.db.ListConversations(limit, 0)
	})
}

func (r *Conversations) emit(c *store.Conversation) {
	r.bus.Emit("conversation.changed", bus.RecordChange{
		LocalID:  c.LocalID,
		RemoteID: c.RemoteID,
	})
}
