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

// Messages exposes message reads and writes.
type Messages struct {
	db     *store.DB
	gate   *netgate.Gate
	bus    *bus.Bus
	logger *zap.Logger
}

func NewMessages(db *store.DB, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger) *Messages {
	return &Messages{db: db, gate: gate, bus: b, logger: logger.Named("repo")}
}

// Send records a new outgoing message. The write is optimistic: the record
// is immediately visible locally in sending state, and the push pass is
// nudged to replicate it when connectivity allows.
func (r *Messages) Send(conversationID, senderID, senderName, body string) (*store.Message, error) {
	if body == "" {
		return nil, fmt.Errorf("send message: empty body")
	}
	m := &store.Message{
		LocalID:        uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Body:           body,
		ClientTs:       time.Now().UnixMilli(),
		Status:         store.StatusSending,
		SyncMeta:       store.SyncMeta{SyncStatus: store.SyncPending},
	}
	if err := r.db.InsertMessage(m); err != nil {
		return nil, err
	}
	if err := r.db.UpdateLastMessage(conversationID, m.Body, m.SenderID, m.ClientTs); err != nil {
		r.logger.Warn("conversation summary not updated",
			zap.String("conversation", conversationID), zap.Error(err))
	}
	r.emit(m)
	r.gate.Request(remote.CollMessages, m.LocalID)
	return m, nil
}

// List pages messages for a conversation, newest first.
func (r *Messages) List(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return r.db.ListMessages(conversationID, beforeTs, limit)
}

// Get returns the message matching the local or remote ID, nil when absent.
func (r *Messages) Get(ref string) (*store.Message, error) {
	return r.db.GetMessage(ref)
}

// MarkRead records that userID has read the referenced messages.
func (r *Messages) MarkRead(refs []string, userID string) error {
	if err := r.db.AddMessageReaders(refs, userID); err != nil {
		return err
	}
	r.requestPush(refs)
	return nil
}

// MarkDelivered records that the referenced messages reached userID.
func (r *Messages) MarkDelivered(refs []string, userID string) error {
	if err := r.db.AddMessageDelivered(refs, userID); err != nil {
		return err
	}
	r.requestPush(refs)
	return nil
}

// Retry requeues a failed message for push with a fresh retry budget.
func (r *Messages) Retry(ref string) error {
	if err := r.db.ResetMessageForRetry(ref); err != nil {
		return err
	}
	m, err := r.db.GetMessage(ref)
	if err != nil {
		return err
	}
	if m != nil {
		r.emit(m)
		r.gate.Request(remote.CollMessages, m.LocalID)
	}
	return nil
}

// Observe streams snapshots of a conversation's newest messages.
func (r *Messages) Observe(ctx context.Context, conversationID string, limit int) <-chan []store.Message {
	return observe(ctx, r.bus, "message", r.logger, func() ([]store.Message, error) {
		return r.db.ListMessages(conversationID, 0, limit)
	})
}

func (r *Messages) requestPush(refs []string) {
	for _, ref := range refs {
		m, err := r.db.GetMessage(ref)
		if err != nil || m == nil {
			continue
		}
		r.emit(m)
		r.gate.Request(remote.CollMessages, m.LocalID)
	}
}

func (r *Messages) emit(m *store.Message) {
	r.bus.Emit("message.changed", bus.RecordChange{
		LocalID:        m.LocalID,
		RemoteID:       m.RemoteID,
		ConversationID: m.ConversationID,
	})
}
