// Package netgate tracks connectivity and gates the push path. While
// offline, push attempts are skipped outright so retry budgets are not
// consumed by a network outage; the moment connectivity returns, a full
// push pass is triggered outside the periodic cadence.
package netgate

import (
	"context"
	"sync"
	"time"

	"github.com/matbarbosa/syncd/internal/bus"
	"go.uber.org/zap"
)

// Watcher supplies the raw connectivity signal as a boolean stream.
type Watcher interface {
	Watch(ctx context.Context) (<-chan bool, error)
}

// Intent identifies one record wanting a push.
type Intent struct {
	Collection string
	ID         string
}

// Gate owns the single connectivity flag and the coalescing wake queue the
// push worker drains. Exactly one goroutine (the watcher consumer) writes
// the flag; everyone else only reads it.
type Gate struct {
	watcher Watcher
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	online  bool
	intents map[Intent]struct{}

	wake   chan struct{}
	cancel context.CancelFunc
}

// New creates a gate. The gate starts pessimistic: offline until the
// watcher reports otherwise.
func New(w Watcher, b *bus.Bus, logger *zap.Logger) *Gate {
	return &Gate{
		watcher: w,
		bus:     b,
		logger:  logger,
		intents: make(map[Intent]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Online reports the current connectivity flag.
func (g *Gate) Online() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// Request enqueues a push intent for a record and signals the push worker.
// Intents deduplicate by identifier: requesting the same record any number
// of times before the worker drains yields a single entry, and the record's
// current store state is what gets pushed, so the latest write wins.
func (g *Gate) Request(collection, id string) {
	g.mu.Lock()
	g.intents[Intent{Collection: collection, ID: id}] = struct{}{}
	g.mu.Unlock()
	g.signal()
}

// TakeIntents drains and returns the deduplicated intent queue.
func (g *Gate) TakeIntents() []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.intents) == 0 {
		return nil
	}
	out := make([]Intent, 0, len(g.intents))
	for i := range g.intents {
		out = append(out, i)
	}
	g.intents = make(map[Intent]struct{})
	return out
}

// WakeC is the coalesced wake signal consumed by the push worker.
func (g *Gate) WakeC() <-chan struct{} {
	return g.wake
}

func (g *Gate) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Start launches the watcher consumer.
func (g *Gate) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	ch, err := g.watcher.Watch(ctx)
	if err != nil {
		return err
	}
	go g.run(ctx, ch)
	return nil
}

// Stop cancels the watcher consumer.
func (g *Gate) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gate) run(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case online, ok := <-ch:
			if !ok {
				return
			}
			g.apply(online)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gate) apply(online bool) {
	g.mu.Lock()
	changed := online != g.online
	g.online = online
	g.mu.Unlock()
	if !changed {
		return
	}
	if online {
		g.logger.Info("connectivity restored")
		g.bus.Emit("net.online", nil)
		// Flush immediately rather than waiting for the next periodic pass.
		g.signal()
	} else {
		g.logger.Warn("connectivity lost")
		g.bus.Emit("net.offline", nil)
	}
}

// PingWatcher derives connectivity by probing the remote store on a fixed
// interval.
type PingWatcher struct {
	pinger   Pinger
	interval time.Duration
}

// Pinger is the reachability probe, satisfied by the remote store adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingWatcher creates a watcher probing p every interval.
func NewPingWatcher(p Pinger, interval time.Duration) *PingWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PingWatcher{pinger: p, interval: interval}
}

// Watch implements Watcher. The first probe fires immediately so the gate
// does not sit pessimistic for a full interval on startup.
func (w *PingWatcher) Watch(ctx context.Context) (<-chan bool, error) {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		probe := func() {
			pctx, cancel := context.WithTimeout(ctx, w.interval)
			err := w.pinger.Ping(pctx)
			cancel()
			select {
			case out <- err == nil:
			case <-ctx.Done():
			}
		}
		probe()
		for {
			select {
			case <-ticker.C:
				probe()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
