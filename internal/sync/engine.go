package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matbarbosa/syncd/internal/bus"
	"github.com/matbarbosa/syncd/internal/convert"
	"github.com/matbarbosa/syncd/internal/netgate"
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/resolve"
	"github.com/matbarbosa/syncd/internal/store"
)

// Config tunes the pull side of replication.
type Config struct {
	// MemberID scopes subscriptions to changes visible to the local user.
	MemberID string

	// ResubscribeBase and ResubscribeCap bound the exponential backoff
	// applied between subscription attempts after a stream drops.
	ResubscribeBase time.Duration
	ResubscribeCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResubscribeBase <= 0 {
		c.ResubscribeBase = time.Second
	}
	if c.ResubscribeCap <= 0 {
		c.ResubscribeCap = 30 * time.Second
	}
	return c
}

// Engine consumes remote change streams and applies them to the local
// database. Each collection gets its own subscription; a dropped stream is
// reestablished with exponential backoff, and the periodic push pass covers
// anything missed in the gap because pending records survive in the store.
type Engine struct {
	db     *store.DB
	remote remote.Store
	gate   *netgate.Gate
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *store.DB, r remote.Store, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		db:     db,
		remote: r,
		gate:   gate,
		bus:    b,
		logger: logger.Named("sync"),
		cfg:    cfg.withDefaults(),
	}
}

// Start spawns one subscription loop per collection.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for _, coll := range []string{remote.CollMessages, remote.CollConversations, remote.CollUsers} {
		e.wg.Add(1)
		go e.run(ctx, coll)
	}
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) backoff() retry.Backoff {
	return retry.WithCappedDuration(e.cfg.ResubscribeCap, retry.NewExponential(e.cfg.ResubscribeBase))
}

func (e *Engine) run(ctx context.Context, collection string) {
	defer e.wg.Done()
	b := e.backoff()
	for ctx.Err() == nil {
		ch, err := e.remote.Subscribe(ctx, collection, e.cfg.MemberID)
		if err != nil {
			e.logger.Warn("subscribe failed",
				zap.String("collection", collection), zap.Error(err))
			if !e.sleep(ctx, b) {
				return
			}
			continue
		}

		delivered := false
		for change := range ch {
			delivered = true
			e.apply(change)
		}
		if ctx.Err() != nil {
			return
		}
		if delivered {
			// The stream was healthy before it dropped; start the
			// backoff ladder over.
			b = e.backoff()
		}
		e.logger.Info("subscription dropped, reconnecting",
			zap.String("collection", collection))
		if !e.sleep(ctx, b) {
			return
		}
	}
}

func (e *Engine) sleep(ctx context.Context, b retry.Backoff) bool {
	d, stopped := b.Next()
	if stopped {
		d = e.cfg.ResubscribeCap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) apply(change remote.Change) {
	var err error
	switch change.Collection {
	case remote.CollMessages:
		err = e.applyMessage(change)
	case remote.CollConversations:
		err = e.applyConversation(change)
	case remote.CollUsers:
		err = e.applyUser(change)
	}
	if err != nil {
		e.logger.Warn("change not applied",
			zap.String("collection", change.Collection),
			zap.String("id", change.ID),
			zap.Error(err))
	}
}

func (e *Engine) applyMessage(change remote.Change) error {
	if change.Type == remote.ChangeDelete {
		if err := e.db.DeleteMessage(change.ID); err != nil {
			return err
		}
		e.bus.Emit("message.changed", bus.RecordChange{RemoteID: change.ID})
		return nil
	}

	var doc remote.MessageDoc
	if err := json.Unmarshal(change.Payload, &doc); err != nil {
		e.logger.Warn("malformed message payload, skipping",
			zap.String("id", change.ID), zap.Error(err))
		return nil
	}
	incoming := convert.MessageFromDoc(&doc)

	local, err := e.lookupMessage(&incoming)
	if err != nil {
		return err
	}
	if local == nil {
		if err := e.db.InsertMessage(&incoming); err != nil {
			return err
		}
		e.bumpConversation(&incoming)
		e.emitMessage(&incoming)
		return nil
	}

	merged, verdict := resolve.Message(*local, incoming)
	if err := e.db.UpdateMessage(&merged); err != nil {
		return err
	}
	if verdict == resolve.LocalWins {
		// Our copy is newer than what the remote holds; nudge the push
		// pass to reassert it.
		e.gate.Request(remote.CollMessages, merged.LocalID)
	}
	e.bumpConversation(&merged)
	e.emitMessage(&merged)
	return nil
}

// lookupMessage finds the local counterpart of an incoming record, matching
// the remote identity first and falling back to the client-side identity a
// locally originated message carries before its first acknowledged push.
func (e *Engine) lookupMessage(incoming *store.Message) (*store.Message, error) {
	local, err := e.db.GetMessage(incoming.RemoteID)
	if err != nil {
		return nil, err
	}
	if local == nil && incoming.LocalID != incoming.RemoteID {
		local, err = e.db.GetMessage(incoming.LocalID)
	}
	return local, err
}

func (e *Engine) bumpConversation(m *store.Message) {
	if err := e.db.UpdateLastMessage(m.ConversationID, m.Body, m.SenderID, m.ClientTs); err != nil {
		e.logger.Warn("conversation summary not updated",
			zap.String("conversation", m.ConversationID), zap.Error(err))
	}
}

func (e *Engine) emitMessage(m *store.Message) {
	e.bus.Emit("message.changed", bus.RecordChange{
		LocalID:        m.LocalID,
		RemoteID:       m.RemoteID,
		ConversationID: m.ConversationID,
	})
}

func (e *Engine) applyConversation(change remote.Change) error {
	if change.Type == remote.ChangeDelete {
		if err := e.db.DeleteConversation(change.ID); err != nil {
			return err
		}
		e.bus.Emit("conversation.changed", bus.RecordChange{RemoteID: change.ID})
		return nil
	}

	var doc remote.ConversationDoc
	if err := json.Unmarshal(change.Payload, &doc); err != nil {
		e.logger.Warn("malformed conversation payload, skipping",
			zap.String("id", change.ID), zap.Error(err))
		return nil
	}
	incoming := convert.ConversationFromDoc(&doc)

	local, err := e.db.GetConversation(incoming.RemoteID)
	if err != nil {
		return err
	}
	if local == nil && incoming.LocalID != incoming.RemoteID {
		if local, err = e.db.GetConversation(incoming.LocalID); err != nil {
			return err
		}
	}

	out := incoming
	if local != nil {
		merged, verdict := resolve.Conversation(*local, incoming)
		out = merged
		if verdict == resolve.LocalWins {
			e.gate.Request(remote.CollConversations, merged.LocalID)
		}
	}
	if err := e.db.UpsertConversation(&out); err != nil {
		return err
	}
	e.bus.Emit("conversation.changed", bus.RecordChange{
		LocalID:  out.LocalID,
		RemoteID: out.RemoteID,
	})
	return nil
}

func (e *Engine) applyUser(change remote.Change) error {
	if change.Type == remote.ChangeDelete {
		if err := e.db.DeleteUser(change.ID); err != nil {
			return err
		}
		e.bus.Emit("user.changed", bus.RecordChange{RemoteID: change.ID})
		return nil
	}

	var doc remote.UserDoc
	if err := json.Unmarshal(change.Payload, &doc); err != nil {
		e.logger.Warn("malformed user payload, skipping",
			zap.String("id", change.ID), zap.Error(err))
		return nil
	}
	incoming := convert.UserFromDoc(&doc)

	local, err := e.db.GetUser(incoming.ID)
	if err != nil {
		return err
	}

	out := incoming
	if local != nil {
		merged, verdict := resolve.User(*local, incoming)
		out = merged
		if verdict == resolve.LocalWins {
			e.gate.Request(remote.CollUsers, merged.ID)
		}
	}
	if err := e.db.UpsertUser(&out); err != nil {
		return err
	}
	e.bus.Emit("user.changed", bus.RecordChange{LocalID: out.ID, RemoteID: out.ID})
	return nil
}
