package daemon

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matbarbosa/syncd/internal/bus"
	"github.com/matbarbosa/syncd/internal/config"
	"github.com/matbarbosa/syncd/internal/lock"
	"github.com/matbarbosa/syncd/internal/logging"
	"github.com/matbarbosa/syncd/internal/netgate"
	"github.com/matbarbosa/syncd/internal/push"
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/repo"
	"github.com/matbarbosa/syncd/internal/session"
	"github.com/matbarbosa/syncd/internal/status"
	"github.com/matbarbosa/syncd/internal/store"
	intsync "github.com/matbarbosa/syncd/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRedisClient,
			provideRemote,
			provideGate,
			provideEngine,
			providePusher,
			repo.NewMessages,
			repo.NewConversations,
			repo.NewUsers,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRedisClient(p Params) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     p.Config.RemoteAddr,
		Password: p.Config.RemotePassword,
		DB:       p.Config.RemoteDB,
	})
}

func provideRemote(rdb *redis.Client) remote.Store {
	return remote.NewRedis(rdb)
}

func provideGate(p Params, r remote.Store, b *bus.Bus, logger *zap.Logger) *netgate.Gate {
	interval := time.Duration(p.Config.PingIntervalSec) * time.Second
	return netgate.New(netgate.NewPingWatcher(r, interval), b, logger)
}

func provideEngine(p Params, db *store.DB, r remote.Store, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.New(db, r, gate, b, logger, intsync.Config{
		MemberID: p.Config.UserID,
	})
}

func providePusher(p Params, db *store.DB, r remote.Store, gate *netgate.Gate, b *bus.Bus, logger *zap.Logger) *push.Pusher {
	return push.New(db, r, gate, b, logger, push.Config{
		Interval:    time.Duration(p.Config.PushIntervalSec) * time.Second,
		MaxRetries:  p.Config.MaxRetries,
		BackoffBase: time.Duration(p.Config.BackoffBaseMs) * time.Millisecond,
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, gate *netgate.Gate, engine *intsync.Engine, pusher *push.Pusher, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := gate.Start(context.Background()); err != nil {
				return err
			}
			engine.Start(context.Background())
			pusher.Start(context.Background())

			// Track connectivity into the daemon state machine.
			go trackStatus(b, machine, logger)

			_ = machine.Transition(status.Offline)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			pusher.Stop()
			engine.Stop()
			gate.Stop()
			_ = machine.Transition(status.Stopped)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// trackStatus mirrors network gate transitions into the state machine:
// reconnects pass through CONNECTING and SYNCING before READY, drops land
// in OFFLINE.
func trackStatus(b *bus.Bus, machine *status.Machine, logger *zap.Logger) {
	events, unsub := b.Subscribe("net.", 16)
	defer unsub()
	for evt := range events {
		switch evt.Kind {
		case "net.online":
			for _, s := range []status.State{status.Connecting, status.Syncing, status.Ready} {
				if err := machine.Transition(s); err != nil {
					logger.Warn("status transition skipped", zap.Error(err))
					break
				}
			}
		case "net.offline":
			if err := machine.Transition(status.Offline); err != nil {
				logger.Warn("status transition skipped", zap.Error(err))
			}
		}
	}
}
