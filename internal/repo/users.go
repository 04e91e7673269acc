package repo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matbarbosa/syncd/internal/bus"
	"github.com/matbarbosa/syncd/internal/netgate"
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/store"
)

// Users exposes user profile and presence reads and writes.
type Users struct {
	db     *store.DB
	gate   *netgate.Gate
	bus    *bus.Bus
	logger *zap.Logger
}

func NewUsers(db *store.DB, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger) *Users {
	return &Users{db: db, gate: gate, bus: b, logger: logger.Named("repo")}
}

// Get returns the user record, nil when absent.
func (r *Users) Get(id string) (*store.User, error) {
	return r.db.GetUser(id)
}

// Put writes a full user record locally and queues it for push.
func (r *Users) Put(u *store.User) error {
	now := time.Now().UnixMilli()
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.SyncStatus = store.SyncPending
	u.RetryCount = 0
	if err := r.db.UpsertUser(u); err != nil {
		return err
	}
	r.emit(u.ID)
	r.gate.Request(remote.CollUsers, u.ID)
	return nil
}

// SetPresence updates the local user's online flag and last-seen stamp.
func (r *Users) SetPresence(id string, online bool) error {
	now := time.Now().UnixMilli()
	if err := r.db.UpdatePresence(id, online, now); err != nil {
		return err
	}
	r.emit(id)
	r.gate.Request(remote.CollUsers, id)
	return nil
}

// SetProfile updates display name and avatar, queueing the change for push.
func (r *Users) SetProfile(id, displayName, avatarURL string) error {
	now := time.Now().UnixMilli()
	if err := r.db.UpdateProfile(id, displayName, avatarURL, now); err != nil {
		return err
	}
	r.emit(id)
	r.gate.Request(remote.CollUsers, id)
	return nil
}

// Observe streams snapshots of one user record.
func (r *Users) Observe(ctx context.Context, id string) <-chan *store.User {
	return observe(ctx, r.bus, "user", r.logger, func() (*store.User, error) {
		return r.db.GetUser(id)
	})
}

func (r *Users) emit(id string) {
	r.bus.Emit("user.changed", bus.RecordChange{LocalID: id, RemoteID: id})
}
