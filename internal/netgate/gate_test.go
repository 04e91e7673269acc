package netgate

import (
	"context"
	"testing"
	"time"

	"github.com/matbarbosa/syncd/internal/bus"
	"go.uber.org/zap"
)

// chanWatcher feeds a test-controlled connectivity stream.
type chanWatcher struct {
	ch chan bool
}

func (w *chanWatcher) Watch(context.Context) (<-chan bool, error) {
	return w.ch, nil
}

func testGate(t *testing.T) (*Gate, *chanWatcher, *bus.Bus) {
	t.Helper()
	w := &chanWatcher{ch: make(chan bool, 8)}
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	g := New(w, b, logger)
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Stop)
	return g, w, b
}

func waitOnline(t *testing.T, g *Gate, want bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if g.Online() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gate online = %v, want %v", g.Online(), want)
}

func TestGateStartsOffline(t *testing.T) {
	g, _, _ := testGate(t)
	if g.Online() {
		t.Error("gate should start offline until the watcher reports")
	}
}

func TestGateTracksTransitions(t *testing.T) {
	g, w, b := testGate(t)
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	w.ch <- true
	waitOnline(t, g, true)
	evt := <-ch
	if evt.Kind != "net.online" {
		t.Errorf("event = %q, want net.online", evt.Kind)
	}

	w.ch <- false
	waitOnline(t, g, false)
	evt = <-ch
	if evt.Kind != "net.offline" {
		t.Errorf("event = %q, want net.offline", evt.Kind)
	}
}

func TestGateReconnectSignalsWake(t *testing.T) {
	g, w, _ := testGate(t)

	w.ch <- true
	waitOnline(t, g, true)

	select {
	case <-g.WakeC():
	case <-time.After(time.Second):
		t.Fatal("no wake signal on reconnect")
	}
}

func TestGateRepeatedStateDoesNotReEmit(t *testing.T) {
	g, w, b := testGate(t)
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	w.ch <- true
	w.ch <- true
	w.ch <- true
	waitOnline(t, g, true)

	<-ch
	select {
	case evt := <-ch:
		t.Errorf("duplicate transition event: %q", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIntentsDeduplicate(t *testing.T) {
	g, _, _ := testGate(t)

	g.Request("messages", "m1")
	g.Request("messages", "m1")
	g.Request("messages", "m2")

	intents := g.TakeIntents()
	if len(intents) != 2 {
		t.Fatalf("got %d intents, want 2 (deduplicated)", len(intents))
	}
	if got := g.TakeIntents(); got != nil {
		t.Errorf("second drain = %v, want nil", got)
	}
}

func TestRequestCoalescesWakeSignals(t *testing.T) {
	g, _, _ := testGate(t)

	for i := 0; i < 10; i++ {
		g.Request("messages", "m1")
	}

	// All requests collapse into at most one buffered signal.
	<-g.WakeC()
	select {
	case <-g.WakeC():
		t.Error("wake signals not coalesced")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPingWatcherProbes(t *testing.T) {
	p := &fakePinger{}
	w := NewPingWatcher(p, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := w.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case online := <-ch:
		if !online {
			t.Error("healthy pinger should report online")
		}
	case <-time.After(time.Second):
		t.Fatal("no probe result")
	}
}

type fakePinger struct{}

func (*fakePinger) Ping(context.Context) error { return nil }
