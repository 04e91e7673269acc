// Package push implements the push half of the sync engine: a periodic
// worker that drains locally-pending records to the remote store with
// exponential backoff on failure.
package push

import (
	"context"
	"time"

	"github.com/matbarbosa/syncd/internal/bus"
	"github.com/matbarbosa/syncd/internal/convert"
	"github.com/matbarbosa/syncd/internal/netgate"
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/store"
	"go.uber.org/zap"
)

// Remote is the slice of the remote store the pusher needs. Writes are
// idempotent on the client ID, so re-pushing an already-accepted record is
// a no-op success.
type Remote interface {
	PutMessage(ctx context.Context, doc *remote.MessageDoc) (*remote.PutResult, error)
	BatchPutMessages(ctx context.Context, docs []*remote.MessageDoc) ([]*remote.PutResult, error)
	PutConversation(ctx context.Context, doc *remote.ConversationDoc) (*remote.PutResult, error)
	PutUser(ctx context.Context, doc *remote.UserDoc) (*remote.PutResult, error)
}

// Config tunes the worker cadence and retry policy.
type Config struct {
	Interval    time.Duration // periodic pass cadence
	MaxRetries  int           // failures after which a record stays failed
	BackoffBase time.Duration // first retry wait, doubling per attempt
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Pusher scans the local store for pending and failed records and writes
// them to the remote store, oldest first within each entity type.
type Pusher struct {
	db     *store.DB
	remote Remote
	gate   *netgate.Gate
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	cancel context.CancelFunc
}

// New creates a pusher.
func New(db *store.DB, r Remote, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger, cfg Config) *Pusher {
	return &Pusher{
		db:     db,
		remote: r,
		gate:   gate,
		bus:    b,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Start launches the worker loop: a periodic full pass, plus immediate
// passes whenever the gate signals (repository wake or reconnect).
func (p *Pusher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop cancels the worker loop. An in-flight pass completes naturally so
// no record is left mid-transition.
func (p *Pusher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pusher) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Flush(ctx)
		case <-p.gate.WakeC():
			p.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush runs one full push pass. While offline the pass is skipped
// outright: records stay pending and no retry budget is consumed.
func (p *Pusher) Flush(ctx context.Context) {
	if !p.gate.Online() {
		return
	}
	// Drain the intent queue; the pass reads current store state, so every
	// coalesced intent is covered exactly once.
	p.gate.TakeIntents()

	p.flushConversations(ctx)
	p.flushUsers(ctx)
	p.flushMessages(ctx)
}

// eligible reports whether a record may be attempted now. Failed records
// wait out their backoff; records past the retry cap stay failed until a
// manual retry or a fresh local write resets them.
func (p *Pusher) eligible(meta store.SyncMeta, now int64) bool {
	if meta.SyncStatus != store.SyncFailed {
		return true
	}
	if meta.RetryCount >= p.cfg.MaxRetries {
		return false
	}
	wait := Backoff(meta.RetryCount, p.cfg.BackoffBase)
	return now-meta.LastSyncAttempt >= wait.Milliseconds()
}

func (p *Pusher) flushMessages(ctx context.Context) {
	pending, err := p.db.PendingMessages()
	if err != nil {
		p.logger.Error("scan pending messages", zap.Error(err))
		return
	}
	now := time.Now().UnixMilli()

	// First-attempt records go out in one batched round trip, oldest
	// first; records in backoff are retried individually so one bad
	// record cannot abort the whole batch again.
	var fresh []*store.Message
	var retries []*store.Message
	for i := range pending {
		m := &pending[i]
		if !p.eligible(m.SyncMeta, now) {
			continue
		}
		if m.SyncStatus == store.SyncFailed {
			retries = append(retries, m)
		} else {
			fresh = append(fresh, m)
		}
	}

	if len(fresh) > 0 && !p.batchMessages(ctx, fresh, now) {
		return
	}
	for _, m := range retries {
		if !p.pushMessage(ctx, m, now) {
			return
		}
	}
}

// batchMessages pushes a run of messages in one call. A batch aborts at the
// first rejected document: that one is marked failed, the untried remainder
// stays pending for the next pass. Returns false when connectivity dropped.
func (p *Pusher) batchMessages(ctx context.Context, msgs []*store.Message, now int64) bool {
	docs := make([]*remote.MessageDoc, len(msgs))
	for i, m := range msgs {
		docs[i] = convert.MessageToDoc(m)
	}
	results, err := p.remote.BatchPutMessages(ctx, docs)
	for i, res := range results {
		p.markMessageSynced(msgs[i], res)
	}
	if err != nil {
		if !p.gate.Online() {
			return false
		}
		if len(results) < len(msgs) {
			m := msgs[len(results)]
			p.logger.Warn("push message failed",
				zap.Error(err), zap.String("local_id", m.LocalID), zap.Int("retries", m.RetryCount))
			if err := p.db.MarkMessageFailed(m.LocalID, now); err != nil {
				p.logger.Error("mark message failed", zap.Error(err), zap.String("local_id", m.LocalID))
			}
		}
	}
	return true
}

// pushMessage pushes one message. Returns false when connectivity dropped
// mid-pass and the remainder should stay pending.
func (p *Pusher) pushMessage(ctx context.Context, m *store.Message, now int64) bool {
	res, err := p.remote.PutMessage(ctx, convert.MessageToDoc(m))
	if err != nil {
		if !p.gate.Online() {
			return false
		}
		p.logger.Warn("push message failed",
			zap.Error(err), zap.String("local_id", m.LocalID), zap.Int("retries", m.RetryCount))
		if err := p.db.MarkMessageFailed(m.LocalID, now); err != nil {
			p.logger.Error("mark message failed", zap.Error(err), zap.String("local_id", m.LocalID))
		}
		return true
	}
	p.markMessageSynced(m, res)
	return true
}

func (p *Pusher) markMessageSynced(m *store.Message, res *remote.PutResult) {
	if err := p.db.MarkMessageSynced(m.LocalID, res.ID, res.ServerTs); err != nil {
		p.logger.Error("mark message synced", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	p.bus.Emit("message.changed", bus.RecordChange{
		LocalID: m.LocalID, RemoteID: res.ID, ConversationID: m.ConversationID,
	})
}

func (p *Pusher) flushConversations(ctx context.Context) {
	pending, err := p.db.PendingConversations()
	if err != nil {
		p.logger.Error("scan pending conversations", zap.Error(err))
		return
	}
	now := time.Now().UnixMilli()
	for i := range pending {
		c := &pending[i]
		if !p.eligible(c.SyncMeta, now) {
			continue
		}
		res, err := p.remote.PutConversation(ctx, convert.ConversationToDoc(c))
		if err != nil {
			if !p.gate.Online() {
				return
			}
			p.logger.Warn("push conversation failed",
				zap.Error(err), zap.String("local_id", c.LocalID), zap.Int("retries", c.RetryCount))
			if err := p.db.MarkConversationFailed(c.LocalID, now); err != nil {
				p.logger.Error("mark conversation failed", zap.Error(err), zap.String("local_id", c.LocalID))
			}
			continue
		}
		if err := p.db.MarkConversationSynced(c.LocalID, res.ID, res.ServerTs); err != nil {
			p.logger.Error("mark conversation synced", zap.Error(err), zap.String("local_id", c.LocalID))
			continue
		}
		p.bus.Emit("conversation.changed", bus.RecordChange{LocalID: c.LocalID, RemoteID: res.ID})
	}
}

func (p *Pusher) flushUsers(ctx context.Context) {
	pending, err := p.db.PendingUsers()
	if err != nil {
		p.logger.Error("scan pending users", zap.Error(err))
		return
	}
	now := time.Now().UnixMilli()
	for i := range pending {
		u := &pending[i]
		if !p.eligible(u.SyncMeta, now) {
			continue
		}
		res, err := p.remote.PutUser(ctx, convert.UserToDoc(u))
		if err != nil {
			if !p.gate.Online() {
				return
			}
			p.logger.Warn("push user failed",
				zap.Error(err), zap.String("id", u.ID), zap.Int("retries", u.RetryCount))
			if err := p.db.MarkUserFailed(u.ID, now); err != nil {
				p.logger.Error("mark user failed", zap.Error(err), zap.String("id", u.ID))
			}
			continue
		}
		if err := p.db.MarkUserSynced(u.ID, res.ServerTs); err != nil {
			p.logger.Error("mark user synced", zap.Error(err), zap.String("id", u.ID))
			continue
		}
		p.bus.Emit("user.changed", bus.RecordChange{LocalID: u.ID, RemoteID: u.ID})
	}
}
